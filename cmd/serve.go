package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/doorsight/internal/camera"
	"github.com/andresmejia3/doorsight/internal/capture"
	"github.com/andresmejia3/doorsight/internal/doorbell"
	"github.com/andresmejia3/doorsight/internal/framestore"
	"github.com/andresmejia3/doorsight/internal/httpapi"
	"github.com/andresmejia3/doorsight/internal/matcher"
	"github.com/andresmejia3/doorsight/internal/notify"
	"github.com/andresmejia3/doorsight/internal/observability"
	"github.com/andresmejia3/doorsight/internal/speech"
	"github.com/andresmejia3/doorsight/internal/vision"
)

var serveNoCamera bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the doorbell service: camera capture, recognition and the control API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoCamera, "no-camera", false, "Start without a camera (analyses report no frame)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	metrics := observability.NewMetrics(Cfg.Metrics.Namespace)
	frames := framestore.New(Cfg.Frames.Capacity, Cfg.Frames.MaxAge)

	// Speech
	speaker := speech.SelectSpeaker(Cfg.Speech.Command, speech.NewLogSpeaker(os.Stdout))
	queue := speech.NewQueue(speaker, speech.WithDepthObserver(func(n int) {
		metrics.SpeechQueueDepth.Set(float64(n))
	}))
	queue.Start(ctx)

	// Camera
	var cam camera.Source
	if !serveNoCamera {
		var err error
		cam, err = camera.Open(ctx, camera.DefaultStrategies(camera.StrategyConfig{
			StreamURL:  Cfg.Camera.URL,
			Device:     Cfg.Camera.Device,
			TestImages: Cfg.Camera.TestImages,
			FPS:        fpsFor(Cfg.Camera.Interval),
		}))
		if err != nil {
			return fmt.Errorf("opening camera: %w", err)
		}
		defer cam.Close()
		slog.Info("camera ready", "source", cam.Name())
	}

	// Face backend
	var faces doorbell.FaceMatcher
	workers, err := startWorkers(ctx, 1)
	if err != nil {
		slog.Warn("face worker unavailable, every visitor will be described", "error", err)
		faces = offlineMatcher{err: fmt.Errorf("%w: %v", matcher.ErrNoBackend, err)}
	} else {
		defer closeWorkers(workers)
		backend, err := matcher.SelectBackend(workers[0])
		if err != nil {
			return err
		}
		faces = matcher.New(backend, Registry, matcher.Config{
			MaxDistance: Cfg.Match.MaxDistance,
			Threshold:   Cfg.Match.Threshold,
			Metric:      Cfg.Match.Metric,
		})
	}

	// Vision
	describer := vision.NewClient(vision.Config{
		URL:     Cfg.Vision.URL,
		Model:   Cfg.Vision.Model,
		Prompt:  Cfg.Vision.Prompt,
		Timeout: Cfg.Vision.Timeout,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := describer.Ping(pingCtx); err != nil {
		slog.Warn("vision model not reachable, unknown visitors will get an error message", "model", describer.Model(), "error", err)
	}
	cancel()

	// Persistence
	var saver *capture.Saver
	if Cfg.Captures.Dir != "" {
		if saver, err = capture.NewSaver(Cfg.Captures.Dir); err != nil {
			return err
		}
		defer saver.Wait()
	}

	// Events
	var notifier doorbell.Notifier = notify.Noop{}
	if Cfg.NATS.URL != "" {
		pub, err := notify.Connect(Cfg.NATS.URL)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier = pub
	}

	deps := doorbell.Deps{
		Frames:    frames,
		Matcher:   faces,
		Describer: describer,
		Speech:    queue,
		People:    Registry,
		Notifier:  notifier,
		Metrics:   metrics,
	}
	if cam != nil {
		deps.Camera = cam
	}
	if saver != nil {
		deps.Persistence = saver
	}
	orch := doorbell.New(deps, doorbell.Config{
		MatchTimeout:  Cfg.Worker.Timeout,
		VisionTimeout: Cfg.Vision.Timeout,
		Announce:      true,
	})

	var wg sync.WaitGroup
	if cam != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			camera.RunCapture(ctx, cam, frames, Cfg.Camera.Interval, func() {
				metrics.FramesCaptured.Inc()
				metrics.FramesBuffered.Set(float64(frames.Len()))
			})
		}()
	}

	apiDeps := httpapi.Deps{
		Doorbell: orch,
		Speech:   queue,
		Frames:   frames,
		Registry: Registry,
		Metrics:  metrics,
	}
	if saver != nil {
		apiDeps.Capturer = saver
	}
	srv := httpapi.NewServer(Cfg.Server.Addr(), httpapi.NewRouter(apiDeps, Cfg.Server.CORSOrigins))

	fmt.Fprintf(os.Stderr, "🚪 Doorsight listening on %s\n", Cfg.Server.Addr())
	err = srv.Run(ctx)

	wg.Wait()
	queue.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// fpsFor converts a capture interval into a whole ffmpeg frame rate.
func fpsFor(interval time.Duration) int {
	if interval <= 0 {
		return 10
	}
	fps := int(time.Second / interval)
	if fps < 1 {
		return 1
	}
	return fps
}
