package runner

import (
	"context"
	"sync"
	"time"
)

// Legacy starts one goroutine per task.
type Legacy struct {
	deps    Deps
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewLegacy creates a goroutine-per-task runner.
func NewLegacy(deps Deps, timeout time.Duration) *Legacy {
	return &Legacy{deps: deps, timeout: timeout}
}

func (l *Legacy) RunAbstractTask(ctx context.Context, req Request) error {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		taskCtx, cancel := ctx, context.CancelFunc(func() {})
		if l.timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, l.timeout)
		}
		defer cancel()
		execute(taskCtx, l.deps, req)
	}()
	return nil
}

// Close waits for running tasks.
func (l *Legacy) Close() error {
	l.wg.Wait()
	return nil
}
