// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Each Worker is an independent goroutine that continuously:
//   1. Receives a task from taskCh (blocking wait)
//   2. Runs task.Run under a context derived from task.Parent (with timeout)
//   3. Sends the result to resultCh (dropped when nobody is reading)
//   4. Repeats until taskCh is closed
//
// Panic Recovery:
//   A panicking task is turned into an error result; the worker keeps going.
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	logger   *slog.Logger
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		logger:   slog.Default().With("component", "worker", "worker_id", id),
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()
		err := w.execute(task)

		result := Result{
			Key:      task.Key,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			w.logger.Debug("result dropped", "key", task.Key)
		}
	}
}

// execute runs one task with its own context and releases it afterwards
func (w *Worker) execute(task Task) (err error) {
	parent := task.Parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := parent, context.CancelFunc(func() {})
	if task.Timeout > 0 {
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
	}
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("task panicked", "key", task.Key, "panic", r)
			err = fmt.Errorf("task %s panicked: %v\n%s", task.Key, r, debug.Stack())
		}
	}()

	if task.Run == nil {
		return fmt.Errorf("task %s has no body", task.Key)
	}
	return task.Run(ctx)
}
