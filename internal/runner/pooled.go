package runner

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/internal/worker"
)

// Pooled runs tasks on a bounded worker pool. Submission never blocks the
// caller: a full pool queue is absorbed by a hand-off goroutine.
type Pooled struct {
	deps Deps
	cfg  Config
	pool *worker.Pool
	done chan struct{}
}

// NewPooled starts cfg.WorkerCount workers (GOMAXPROCS when zero).
func NewPooled(deps Deps, cfg Config) (*Pooled, error) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.GOMAXPROCS(0)
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	pool := worker.NewPool(cfg.QueueSize)
	if err := pool.Start(cfg.WorkerCount); err != nil {
		return nil, fmt.Errorf("runner: start pool: %w", err)
	}

	p := &Pooled{deps: deps, cfg: cfg, pool: pool, done: make(chan struct{})}
	go p.drain()
	return p, nil
}

// drain 消費結果通道；失敗的結果已經由 execute 回報，這裡只記錄
func (p *Pooled) drain() {
	defer close(p.done)
	for res := range p.pool.Results() {
		if res.Error != nil {
			log.Error("pooled task error", "key", res.Key, "error", res.Error)
		}
	}
}

func (p *Pooled) RunAbstractTask(ctx context.Context, req Request) error {
	task := worker.Task{
		Key:     fmt.Sprintf("%s/%d", req.DispatchID, req.NodeID),
		Parent:  ctx,
		Timeout: p.cfg.TaskTimeout,
		Run: func(ctx context.Context) error {
			execute(ctx, p.deps, req)
			return nil
		},
	}

	go func() {
		if err := p.pool.Submit(task); err != nil {
			log.Error("pool rejected task", "key", task.Key, "error", err)
			fail(ctx, p.deps, req, time.Now().UTC(), err, executor.Output{})
		}
	}()
	return nil
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *Pooled) Close() error {
	p.pool.Stop()
	<-p.done
	return nil
}
