package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/andresmejia3/doorsight/internal/types"
)

// ErrNoBackend is returned when no face backend is available at startup.
var ErrNoBackend = errors.New("no face detection backend available")

// Backend detects faces in a frame and embeds each one.
type Backend interface {
	Name() string
	IsAvailable() bool
	DetectFaces(ctx context.Context, frame types.Frame) ([]types.FaceResult, error)
}

// SelectBackend returns the first available backend in preference order.
// Selection happens once; the result is used for every later call.
func SelectBackend(candidates ...Backend) (Backend, error) {
	var tried []string
	for _, b := range candidates {
		if b == nil {
			continue
		}
		if b.IsAvailable() {
			slog.Info("face backend selected", "backend", b.Name())
			return b, nil
		}
		tried = append(tried, b.Name())
	}
	return nil, fmt.Errorf("%w (tried %v)", ErrNoBackend, tried)
}
