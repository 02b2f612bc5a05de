// Package worker runs the periodic background sweep: due reminders, failed
// deliveries, stale signing links and overdue missions.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/buyrs/BM-sub005/internal/telemetry"
)

// Task is one unit of the sweep. It returns how many rows it touched.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

type Worker struct {
	Interval time.Duration
	Tasks    []Task
	Logger   *slog.Logger
}

// Sweep runs every task once. A failing task is logged and does not stop
// the others.
func (w Worker) Sweep(ctx context.Context) map[string]int {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	defer func() { telemetry.SweepDuration.Observe(time.Since(start).Seconds()) }()

	counts := make(map[string]int, len(w.Tasks))
	for _, t := range w.Tasks {
		if ctx.Err() != nil {
			break
		}
		n, err := t.Run(ctx)
		counts[t.Name] = n
		if err != nil {
			logger.Error("sweep task failed", "task", t.Name, "err", err)
			continue
		}
		if n > 0 {
			logger.Info("sweep task", "task", t.Name, "rows", n)
		}
	}
	return counts
}

// Run sweeps immediately and then on every tick until ctx is done.
func (w Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		w.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
