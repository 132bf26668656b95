// Package async runs persistence writes whose completion callers do not wait
// for before emitting events. Every submission returns a Task so completion is
// explicit, and Close drains in-flight work at shutdown.
package async

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrClosed is reported by tasks submitted after Close.
var ErrClosed = errors.New("async: runner closed")

// Task is the handle of one submitted job.
type Task struct {
	name string
	done chan struct{}
	err  error
}

// Done is closed when the job has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the job's error. Only valid after Done is closed.
func (t *Task) Err() error { return t.err }

// Wait blocks until the job finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Runner bounds concurrent jobs and gives each one a deadline.
type Runner struct {
	sem     chan struct{}
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRunner allows up to workers concurrent jobs, each bounded by timeout.
func NewRunner(workers int, timeout time.Duration) *Runner {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		sem:     make(chan struct{}, workers),
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Go schedules fn and returns immediately. Failures are logged with name.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) *Task {
	task := &Task{name: name, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		task.finish(ErrClosed)
		return task
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		select {
		case r.sem <- struct{}{}:
		case <-r.ctx.Done():
			task.finish(r.ctx.Err())
			return
		}
		defer func() { <-r.sem }()

		ctx := r.ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}

		err := fn(ctx)
		if err != nil {
			log.Error().Err(err).Str("task", name).Msg("Background write failed")
		}
		task.finish(err)
	}()
	return task
}

// Close stops accepting jobs and waits for in-flight ones. When ctx ends first
// the remaining jobs are cancelled.
func (r *Runner) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-drained
		return ctx.Err()
	}
}
