package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsSubmittedTasks(t *testing.T) {
	pool := NewWorkerPool(2)

	var ran atomic.Int32
	done := make(chan struct{})
	pool.Submit(func(ctx context.Context) error {
		ran.Add(1)
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
	pool.Shutdown()
	assert.Equal(t, int32(1), ran.Load())
}

func TestWorkerPool_SubmitWithRetryRerunsUntilSuccess(t *testing.T) {
	pool := NewWorkerPool(1)

	var calls atomic.Int32
	done := make(chan struct{})
	pool.SubmitWithRetry(func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		close(done)
		return nil
	}, 5)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not retried to completion")
	}
	pool.Shutdown()
	assert.Equal(t, int32(3), calls.Load())
}

func TestWorkerPool_DropsTasksAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1)
	pool.Shutdown()

	var ran atomic.Bool
	pool.Submit(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.False(t, ran.Load())
}
