// Package tasks runs fire-and-forget background work whose failures end up
// in a single error sink instead of being lost.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrClosed is returned by Go after Close.
var ErrClosed = errors.New("task runner closed")

// FailureRecorder counts failed tasks. Satisfied by the metrics package.
type FailureRecorder interface {
	TaskFailed(ctx context.Context, name string)
}

// Runner starts background tasks with a bounded context.
type Runner struct {
	base     context.Context
	cancel   context.CancelFunc
	failures FailureRecorder
	logger   zerolog.Logger
	wg       sync.WaitGroup
	timeout  time.Duration
	mu       sync.Mutex
	closed   bool
}

// NewRunner creates a runner. Each task gets timeout (0 means none).
func NewRunner(timeout time.Duration, failures FailureRecorder, logger zerolog.Logger) *Runner {
	base, cancel := context.WithCancel(context.Background())
	return &Runner{
		base:     base,
		cancel:   cancel,
		failures: failures,
		timeout:  timeout,
		logger:   logger.With().Str("component", "tasks").Logger(),
	}
}

// Go runs fn in the background. Errors and panics are logged under name.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		ctx, cancel := r.taskContext()
		defer cancel()
		if err := r.run(ctx, fn); err != nil {
			r.logger.Warn().Err(err).Str("task", name).Msg("Background task failed")
			if r.failures != nil {
				r.failures.TaskFailed(context.Background(), name)
			}
		}
	}()
	return nil
}

func (r *Runner) taskContext() (context.Context, context.CancelFunc) {
	if r.timeout > 0 {
		return context.WithTimeout(r.base, r.timeout)
	}
	return context.WithCancel(r.base)
}

func (r *Runner) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn(ctx)
}

// Wait blocks until every started task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Close refuses new tasks and waits for running ones until ctx is done, at
// which point their contexts are cancelled.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
