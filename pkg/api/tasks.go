package api

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TaskRegistry tracks background work spawned from request handlers so
// shutdown can wait for it. Work that is not registered here can be lost
// when the process exits; handlers must never use a bare goroutine for
// side-effects.
type TaskRegistry struct {
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewTaskRegistry creates a registry whose tasks run under a context that
// outlives individual requests.
func NewTaskRegistry(logger *slog.Logger) *TaskRegistry {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskRegistry{
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger.With("component", "tasks"),
	}
}

// Spawn runs fn on its own goroutine, registered for shutdown. Panics are
// recovered and logged so one bad task cannot take the process down.
func (r *TaskRegistry) Spawn(name string, fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Background task panicked", "task", name, "panic", rec)
			}
		}()
		fn(r.baseCtx)
	}()
}

// Drain waits for all registered tasks, up to the timeout. Tasks still
// running after the deadline get their context cancelled.
func (r *TaskRegistry) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		return true
	case <-time.After(timeout):
		r.logger.Warn("Background tasks still running at shutdown deadline")
		r.cancel()
		return false
	}
}
