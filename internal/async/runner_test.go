package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoReturnsBeforeJobCompletes(t *testing.T) {
	t.Parallel()

	r := NewRunner(2, time.Second)
	release := make(chan struct{})

	task := r.Go("slow", func(ctx context.Context) error {
		<-release
		return nil
	})

	select {
	case <-task.Done():
		t.Fatal("task finished before release")
	default:
	}

	close(release)
	require.NoError(t, task.Wait(context.Background()))
	require.NoError(t, r.Close(context.Background()))
}

func TestTaskReportsError(t *testing.T) {
	t.Parallel()

	r := NewRunner(1, time.Second)
	boom := errors.New("boom")

	task := r.Go("failing", func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, task.Wait(context.Background()), boom)
	<-task.Done()
	assert.ErrorIs(t, task.Err(), boom)
}

func TestJobsGetDeadline(t *testing.T) {
	t.Parallel()

	r := NewRunner(1, 20*time.Millisecond)
	task := r.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, task.Wait(context.Background()), context.DeadlineExceeded)
}

func TestConcurrencyIsBounded(t *testing.T) {
	t.Parallel()

	r := NewRunner(3, time.Second)
	var running, peak atomic.Int32

	tasks := make([]*Task, 0, 20)
	for i := 0; i < 20; i++ {
		tasks = append(tasks, r.Go("work", func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	for _, task := range tasks {
		require.NoError(t, task.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestCloseDrainsAndRejectsNewWork(t *testing.T) {
	t.Parallel()

	r := NewRunner(4, time.Second)
	var finished atomic.Int32
	for i := 0; i < 10; i++ {
		r.Go("drain", func(ctx context.Context) error {
			time.Sleep(2 * time.Millisecond)
			finished.Add(1)
			return nil
		})
	}

	require.NoError(t, r.Close(context.Background()))
	assert.Equal(t, int32(10), finished.Load())

	late := r.Go("late", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(context.Background()), ErrClosed)
}

func TestCloseCancelsWhenContextExpires(t *testing.T) {
	t.Parallel()

	r := NewRunner(1, 0)
	task := r.Go("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Close(ctx), context.DeadlineExceeded)
	assert.ErrorIs(t, task.Err(), context.Canceled)
}
