package worker

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
)

const queueCapacity = 1000

// Task is a unit of background work. Tasks receive a fresh context; the
// pool does not carry request deadlines into the background.
type Task func(ctx context.Context) error

// WorkerPool runs background tasks on a fixed set of goroutines. Submission
// never blocks: when the queue is full the task is dropped and logged, so a
// slow database can't stall the request path.
type WorkerPool struct {
	tasks     chan Task
	wg        sync.WaitGroup
	isClosing atomic.Bool
}

func NewWorkerPool(size int) *WorkerPool {
	wp := &WorkerPool{
		tasks: make(chan Task, queueCapacity),
	}
	for range size {
		wp.wg.Add(1)
		go wp.run()
	}
	return wp
}

func (wp *WorkerPool) run() {
	defer wp.wg.Done()
	for task := range wp.tasks {
		if err := task(context.Background()); err != nil {
			log.Printf("[ERROR] worker task failed: %v", err)
		}
	}
}

// Submit queues a task for execution. Tasks submitted during shutdown or
// against a full queue are dropped.
func (wp *WorkerPool) Submit(t Task) {
	if wp.isClosing.Load() {
		log.Println("[WARN] task submitted during shutdown, dropping")
		return
	}
	select {
	case wp.tasks <- t:
	default:
		log.Println("[WARN] worker queue full, dropping task")
	}
}

// SubmitWithRetry queues a task that re-enqueues itself on failure, up to
// attempts executions in total. The final failure is logged by the worker.
func (wp *WorkerPool) SubmitWithRetry(t Task, attempts int) {
	wp.Submit(func(ctx context.Context) error {
		err := t(ctx)
		if err != nil && attempts > 1 {
			log.Printf("[WARN] worker task failed, retrying: %v", err)
			wp.SubmitWithRetry(t, attempts-1)
			return nil
		}
		return err
	})
}

// Shutdown stops accepting tasks and waits for in-flight work to finish.
func (wp *WorkerPool) Shutdown() {
	wp.isClosing.Store(true)
	close(wp.tasks)
	wp.wg.Wait()
}
