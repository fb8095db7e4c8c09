package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/doorsight/internal/camera"
	"github.com/andresmejia3/doorsight/internal/matcher"
	"github.com/andresmejia3/doorsight/internal/registry"
	"github.com/andresmejia3/doorsight/internal/types"
	"github.com/andresmejia3/doorsight/internal/utils"
	"github.com/andresmejia3/doorsight/internal/worker"
)

// EnrollOptions holds the flags of the enroll command
type EnrollOptions struct {
	ID           string
	Name         string
	Relationship string
	Notes        string
	NumEngines   int
}

var enrollOpts EnrollOptions

var enrollCmd = &cobra.Command{
	Use:   "enroll [flags] <image|dir>...",
	Short: "Register a person from photos of their face",
	Long: "Runs the face model on every image and registers the person with one embedding per image " +
		"that shows exactly one face. Nothing is stored if no image is usable.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEnroll(cmd.Context(), enrollOpts, args)
	},
}

func init() {
	enrollCmd.Flags().StringVar(&enrollOpts.ID, "id", "", "Person ID (e.g. alice)")
	enrollCmd.Flags().StringVarP(&enrollOpts.Name, "name", "n", "", "Name spoken in greetings")
	enrollCmd.Flags().StringVarP(&enrollOpts.Relationship, "relationship", "r", registry.RelationshipOther, "family, delivery, postal, friend or other")
	enrollCmd.Flags().StringVar(&enrollOpts.Notes, "notes", "", "Notes appended to delivery greetings")
	enrollCmd.Flags().IntVarP(&enrollOpts.NumEngines, "engines", "e", 1, "Number of parallel face workers")

	enrollCmd.MarkFlagRequired("id")
	enrollCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(enrollCmd)
}

// enrollResult is what a worker found in one image
type enrollResult struct {
	Path  string
	Faces []types.FaceResult
	Err   error
}

func runEnroll(ctx context.Context, opts EnrollOptions, args []string) error {
	paths, err := collectImages(args)
	if err != nil {
		return err
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	opts.NumEngines = min(opts.NumEngines, len(paths))

	fmt.Fprintf(os.Stderr, "📸 Enrolling %s from %d images\n", opts.Name, len(paths))
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", opts.NumEngines)

	workers, err := startWorkers(ctx, opts.NumEngines)
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		return err
	}
	defer closeWorkers(workers)

	bar := progressbar.NewOptions(len(paths),
		progressbar.OptionSetDescription("🔍 Detecting faces"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	tasks := make(chan string, opts.NumEngines)
	results := make(chan enrollResult, len(paths))
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.PythonWorker) {
			defer wg.Done()
			for path := range tasks {
				results <- detectInImage(ctx, w, path)
			}
		}(w)
	}

	for _, p := range paths {
		tasks <- p
	}
	close(tasks)
	go func() {
		wg.Wait()
		close(results)
	}()

	var collected []enrollResult
	for res := range results {
		bar.Add(1)
		collected = append(collected, res)
	}
	bar.Finish()
	fmt.Fprintln(os.Stderr)

	for _, w := range workers {
		if !w.IsAvailable() {
			utils.ShowError(fmt.Sprintf("Worker %d crashed", w.ID), nil, w.Cmd)
		}
	}

	quality := faceQuality{MinScore: Cfg.Enroll.MinScore, MinFacePx: Cfg.Enroll.MinFacePx}
	embeddings, skipped := embeddingsFrom(collected, quality)
	for _, s := range skipped {
		fmt.Fprintf(os.Stderr, "⚠️  Skipped %s\n", s)
	}

	err = Registry.Register(ctx, registry.Person{
		ID:           opts.ID,
		Name:         opts.Name,
		Relationship: opts.Relationship,
		Notes:        opts.Notes,
		Embeddings:   embeddings,
	})
	if err != nil {
		if errors.Is(err, registry.ErrEnrollment) {
			utils.ShowError("Enrollment rejected", err, nil)
		}
		return err
	}

	fmt.Printf("✅ Registered %s (%s) with %d face embeddings\n", opts.Name, opts.ID, len(embeddings))
	return nil
}

func detectInImage(ctx context.Context, b matcher.Backend, path string) enrollResult {
	src, err := camera.ReadImage(path)
	if err != nil {
		return enrollResult{Path: path, Err: err}
	}
	frame, err := src.Read(ctx)
	if err != nil {
		return enrollResult{Path: path, Err: err}
	}
	faces, err := b.DetectFaces(ctx, frame)
	return enrollResult{Path: path, Faces: faces, Err: err}
}

// faceQuality is the bar an enrollment photo must clear. Zero fields are
// not checked.
type faceQuality struct {
	MinScore  float64
	MinFacePx int // side of the smallest accepted square face
}

// reject explains why f is not good enough, or returns "".
func (q faceQuality) reject(f types.FaceResult) string {
	if q.MinScore > 0 && f.Score < q.MinScore {
		return fmt.Sprintf("detection score %.2f below %.2f", f.Score, q.MinScore)
	}
	if floor := q.MinFacePx * q.MinFacePx; q.MinFacePx > 0 && f.Loc.Area() < floor {
		return fmt.Sprintf("face covers %d px, need at least %d (%dx%d)", f.Loc.Area(), floor, q.MinFacePx, q.MinFacePx)
	}
	return ""
}

// embeddingsFrom keeps one embedding per image that shows exactly one face
// of sufficient quality, in path order, and explains why the other images
// were skipped.
func embeddingsFrom(results []enrollResult, q faceQuality) (embeddings [][]float64, skipped []string) {
	slices.SortFunc(results, func(a, b enrollResult) int { return strings.Compare(a.Path, b.Path) })
	for _, r := range results {
		switch {
		case r.Err != nil:
			skipped = append(skipped, fmt.Sprintf("%s: %v", r.Path, r.Err))
		case len(r.Faces) == 0:
			skipped = append(skipped, fmt.Sprintf("%s: no face found", r.Path))
		case len(r.Faces) > 1:
			skipped = append(skipped, fmt.Sprintf("%s: %d faces found, need exactly one", r.Path, len(r.Faces)))
		case q.reject(r.Faces[0]) != "":
			skipped = append(skipped, fmt.Sprintf("%s: %s", r.Path, q.reject(r.Faces[0])))
		default:
			embeddings = append(embeddings, r.Faces[0].Vec)
		}
	}
	return embeddings, skipped
}

// collectImages expands directories into the JPEG files they contain.
func collectImages(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, fmt.Errorf("unable to access %s: %w", arg, err)
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}
		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".jpg" || ext == ".jpeg") {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	if len(paths) == 0 {
		return nil, errors.New("no images to enroll")
	}
	return paths, nil
}
