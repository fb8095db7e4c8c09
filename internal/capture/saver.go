// Package capture writes analyzed frames to disk for later review.
package capture

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/andresmejia3/doorsight/internal/types"
)

// Saver stores JPEG frames under a directory with time-sortable names.
type Saver struct {
	dir string
	wg  sync.WaitGroup
}

func NewSaver(dir string) (*Saver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create captures directory: %w", err)
	}
	return &Saver{dir: dir}, nil
}

// Dir returns the directory images are written to.
func (s *Saver) Dir() string { return s.dir }

// Save writes frame synchronously and returns its path.
func (s *Saver) Save(frame types.Frame) (string, error) {
	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	id, err := ulid.New(ulid.Timestamp(ts), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}

	name := id.String() + ".jpg"
	if frame.Source != "" {
		name = id.String() + "_" + frame.Source + ".jpg"
	}
	path := filepath.Join(s.dir, name)

	// Write to a temp name first so readers never see a partial image
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, frame.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write capture: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize capture: %w", err)
	}
	return path, nil
}

// SaveImage writes frame in the background. Failures are logged only.
func (s *Saver) SaveImage(frame types.Frame) {
	f := frame.Clone()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		path, err := s.Save(f)
		if err != nil {
			slog.Warn("failed to save capture", "error", err)
			return
		}
		slog.Debug("capture saved", "path", path)
	}()
}

// Wait blocks until background saves have finished.
func (s *Saver) Wait() {
	s.wg.Wait()
}
