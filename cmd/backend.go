package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/doorsight/internal/matcher"
	"github.com/andresmejia3/doorsight/internal/types"
	"github.com/andresmejia3/doorsight/internal/utils"
	"github.com/andresmejia3/doorsight/internal/worker"
)

func workerOptions() worker.Options {
	return worker.Options{
		Python:  Cfg.Worker.Python,
		Script:  Cfg.Worker.Script,
		Timeout: Cfg.Worker.Timeout,
	}
}

// startWorkers spawns n Python workers. On failure the ones already started
// are closed.
func startWorkers(ctx context.Context, n int) ([]*worker.PythonWorker, error) {
	if _, err := os.Stat(Cfg.Worker.Script); err != nil {
		return nil, fmt.Errorf("worker script %s: %w", Cfg.Worker.Script, err)
	}

	workers := make([]*worker.PythonWorker, 0, n)
	for i := range n {
		w, err := worker.NewPythonWorker(ctx, i, workerOptions())
		if err != nil {
			closeWorkers(workers)
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func closeWorkers(workers []*worker.PythonWorker) {
	for _, w := range workers {
		if err := w.Close(); err != nil {
			utils.ShowError(fmt.Sprintf("Worker %d exited with an error", w.ID), err, w.Cmd)
		}
	}
}

// offlineMatcher stands in when no face backend could be started, so every
// analysis falls back to a description.
type offlineMatcher struct {
	err error
}

func (m offlineMatcher) DetectAndMatch(context.Context, types.Frame) ([]matcher.Detection, error) {
	return nil, m.err
}
