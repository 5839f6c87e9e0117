package plugin

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs handler invocations off the sending goroutine. It must not block the caller.
type Executor func(task func())

// GoExecutor starts one goroutine per task.
func GoExecutor(task func()) {
	go task()
}

// NewBoundedExecutor runs tasks on their own goroutines with at most limit of them executing at once.
func NewBoundedExecutor(limit int64) Executor {
	if limit <= 0 {
		return GoExecutor
	}
	sem := semaphore.NewWeighted(limit)
	return func(task func()) {
		go func() {
			_ = sem.Acquire(context.Background(), 1)
			defer sem.Release(1)
			task()
		}()
	}
}
