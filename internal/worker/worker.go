// ============================================================================
// Groupmesh Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes chunk tasks, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task under the pool context (plus per-task timeout if set)
//   3. Send result to resultCh, or drop it once the pool context is done
//   4. Repeat until taskCh is closed
//
// Panics inside a task are recovered and reported as a failed Result so one
// bad chunk cannot take the pool down.
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run(ctx context.Context) {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(ctx, task)

		result := Result{
			TaskID:   task.ID,
			WorkerID: w.id,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		case <-ctx.Done():
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: task %s panicked: %v", w.id, task.ID, r)
		}
	}()
	if task.Run == nil {
		return nil
	}
	return task.Run(ctx)
}
