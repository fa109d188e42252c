// Package sweeper expires ringing calls whose deadline has passed.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"call-signaling/pkg/logger"
)

const DefaultInterval = 10 * time.Second

// Expirer is satisfied by *calls.Service.
type Expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

type Worker struct {
	target   Expirer
	interval time.Duration
	log      *slog.Logger
}

func New(target Expirer, interval time.Duration, l *slog.Logger) *Worker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Worker{target: target, interval: interval, log: logger.Component(l, "sweeper")}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// A failed pass is logged and retried on the next tick.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("sweeper started", "interval", w.interval.String())
	defer w.log.Info("sweeper stopped")

	w.RunOnce(ctx)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs one pass and returns how many calls it expired.
func (w *Worker) RunOnce(ctx context.Context) int {
	start := time.Now()
	n, err := w.target.SweepExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Error("sweep failed", "expired", n, "err", err)
		}
		return n
	}
	if n > 0 {
		w.log.Info("sweep expired calls", "expired", n, "duration_ms", time.Since(start).Milliseconds())
	}
	return n
}
