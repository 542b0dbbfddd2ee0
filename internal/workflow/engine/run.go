package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultTickInterval is used when a hosting loop is given a non-positive
// interval.
const DefaultTickInterval = 500 * time.Millisecond

// Run ticks on a fixed interval until ctx is done. Tick errors are logged and
// the loop keeps going; only ErrClosed stops it early.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.Tick(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			e.logger.Error("tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunUntilDrained ticks until no task is left non-terminal and returns the
// final summary. It stops early with ctx's error if ctx is done first.
func (e *Engine) RunUntilDrained(ctx context.Context, interval time.Duration) (TickSummary, error) {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		summary, err := e.Tick(ctx)
		if err != nil {
			return summary, err
		}
		if summary.Drained {
			return summary, nil
		}
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Watchdog fails tasks that stay Running longer than Timeout. A zero Timeout
// disables it.
type Watchdog struct {
	Timeout  time.Duration
	Interval time.Duration
	Logger   *zap.Logger
}

// Run checks eng every Interval until ctx is done.
func (w Watchdog) Run(ctx context.Context, eng *Engine) {
	if w.Timeout <= 0 || eng == nil {
		return
	}
	interval := w.Interval
	if interval <= 0 {
		interval = w.Timeout / 2
	}
	logger := w.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx, eng, logger)
		}
	}
}

// Sweep fails every overdue task once and returns their ids.
func (w Watchdog) Sweep(ctx context.Context, eng *Engine, logger *zap.Logger) []string {
	var failed []string
	for _, id := range eng.Overdue(w.Timeout) {
		if _, err := eng.FailTimedOut(ctx, id); err != nil {
			if logger != nil {
				logger.Debug("watchdog skip", zap.String("task", id), zap.Error(err))
			}
			continue
		}
		failed = append(failed, id)
	}
	return failed
}
