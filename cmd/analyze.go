package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/doorsight/internal/camera"
	"github.com/andresmejia3/doorsight/internal/doorbell"
	"github.com/andresmejia3/doorsight/internal/framestore"
	"github.com/andresmejia3/doorsight/internal/matcher"
	"github.com/andresmejia3/doorsight/internal/speech"
	"github.com/andresmejia3/doorsight/internal/vision"
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>",
	Short: "Run one doorbell analysis on a still image and print what would be spoken",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(ctx context.Context, path string) error {
	src, err := camera.ReadImage(path)
	if err != nil {
		return err
	}
	frame, err := src.Read(ctx)
	if err != nil {
		return err
	}
	frames := framestore.New(Cfg.Frames.Capacity, Cfg.Frames.MaxAge)
	frames.Push(frame)

	var faces doorbell.FaceMatcher
	workers, err := startWorkers(ctx, 1)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Face worker unavailable (%v), describing instead\n", err)
		faces = offlineMatcher{err: fmt.Errorf("%w: %v", matcher.ErrNoBackend, err)}
	} else {
		defer closeWorkers(workers)
		faces = matcher.New(workers[0], Registry, matcher.Config{
			MaxDistance: Cfg.Match.MaxDistance,
			Threshold:   Cfg.Match.Threshold,
			Metric:      Cfg.Match.Metric,
		})
	}

	qctx, stop := context.WithCancel(ctx)
	queue := speech.NewQueue(speech.NewLogSpeaker(os.Stdout))
	queue.Start(qctx)

	orch := doorbell.New(doorbell.Deps{
		Frames:  frames,
		Matcher: faces,
		Describer: vision.NewClient(vision.Config{
			URL:     Cfg.Vision.URL,
			Model:   Cfg.Vision.Model,
			Prompt:  Cfg.Vision.Prompt,
			Timeout: Cfg.Vision.Timeout,
		}),
		Speech: queue,
		People: Registry,
	}, doorbell.Config{MatchTimeout: Cfg.Worker.Timeout, VisionTimeout: Cfg.Vision.Timeout})

	res, err := orch.Analyze(ctx, 0)
	drain(queue, 10*time.Second)
	stop()
	queue.Wait()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "\n🧾 Decision: %s  Faces: %d  Took: %s\n", res.Decision, len(res.Detections), res.Duration.Round(time.Millisecond))
	for i, d := range res.Detections {
		who := "unknown"
		if d.Matched() {
			who = d.PersonID
		}
		fmt.Fprintf(os.Stderr, "   face %d: %-12s distance %.3f confidence %.2f\n", i+1, who, d.Distance, d.Confidence)
	}
	return nil
}

// drain waits until everything queued has been spoken or limit elapses.
func drain(q *speech.Queue, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for q.IsBusy() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}
