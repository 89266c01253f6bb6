// Package app wires the HTTP router and supervises background tasks.
package app

import (
	"context"
	"log/slog"
	"time"
)

// Task is a handle to a supervised background loop. Stop cancels the loop and
// awaits its exit, guaranteeing no orphaned goroutines survive shutdown.
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// RunPeriodic starts a loop invoking fn every interval until stopped. The
// loop observes cancellation at each sleep boundary and exits cleanly, never
// mid-invocation.
func RunPeriodic(name string, interval time.Duration, fn func(ctx context.Context)) *Task {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		slog.Info("background task started", slog.String("task", name), slog.Duration("interval", interval))
		for {
			select {
			case <-ticker.C:
				fn(ctx)
			case <-ctx.Done():
				slog.Info("background task stopped", slog.String("task", name))
				return
			}
		}
	}()
	return t
}

// Stop cancels the task and awaits its exit, bounded by ctx.
func (t *Task) Stop(ctx context.Context) error {
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		slog.Warn("background task did not stop in time", slog.String("task", t.name))
		return ctx.Err()
	}
}
