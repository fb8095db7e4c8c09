// Package camera produces frames from a capture device, a stream or a
// directory of still images, and feeds them into the frame buffer.
package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/doorsight/internal/types"
)

var (
	// ErrCapture is a transient failure to read a frame.
	ErrCapture = errors.New("camera capture failed")
	// ErrNoSource is returned when every init strategy failed.
	ErrNoSource = errors.New("no camera source could be opened")
)

// Source tags stamped on frames.
const (
	SourceCamera = "camera"
	SourceDirect = "camera_direct"
	SourceTest   = "test"
)

// Source produces frames on demand.
type Source interface {
	Name() string
	Read(ctx context.Context) (types.Frame, error)
	Close() error
}

// Strategy is one way of opening a source.
type Strategy struct {
	Name string
	Open func(ctx context.Context) (Source, error)
}

// Open tries each strategy in order and returns the first source that opens.
func Open(ctx context.Context, strategies []Strategy) (Source, error) {
	var errs []error
	for _, s := range strategies {
		src, err := s.Open(ctx)
		if err == nil {
			slog.Info("camera opened", "strategy", s.Name, "source", src.Name())
			return src, nil
		}
		slog.Warn("camera strategy failed", "strategy", s.Name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Join(append([]error{ErrNoSource}, errs...)...)
}

// Pusher receives captured frames.
type Pusher interface {
	Push(frame types.Frame)
}

// RunCapture reads from src every interval and pushes each frame until ctx
// is cancelled. Read errors are logged and the loop keeps going.
func RunCapture(ctx context.Context, src Source, dst Pusher, interval time.Duration, onFrame func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := src.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			// Log the first failure of a streak and then every 100th
			if failures == 1 || failures%100 == 0 {
				slog.Warn("frame capture failed", "source", src.Name(), "failures", failures, "error", err)
			}
			continue
		}
		if failures > 0 {
			slog.Info("frame capture recovered", "source", src.Name(), "after", failures)
			failures = 0
		}
		dst.Push(frame)
		if onFrame != nil {
			onFrame()
		}
	}
}
