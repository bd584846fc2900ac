// Package dispatcher runs dispatches: one event loop per dispatch walks the
// DAG, submits ready nodes, consumes their status events and finalizes the
// workflow status.
package dispatcher

// ============================================================================
// 職責說明：
// 1. RunDispatch：在新的 goroutine 中啟動一個 dispatch 的事件迴圈
// 2. RunWorkflow：外層處理，攔截錯誤與 panic，並一定執行清理
// 3. 清理順序：PersistResult → 回寫父節點（子工作流程）→ FinalizeDispatch → 移除佇列
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/internal/metrics"
	"github.com/ChuLiYu/lattice-dispatch/internal/runner"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/ChuLiYu/lattice-dispatch/internal/dispatcher")

// Options 調度器設定
type Options struct {
	// CancelUnreachable marks never-run nodes CANCELLED before finalizing.
	CancelUnreachable bool
	// DefaultExecutor is used for nodes without an executor kind.
	DefaultExecutor string
	// QueueBuffer initial capacity of each dispatch's status queue.
	QueueBuffer int
	Runner      runner.Config
}

// DefaultOptions 預設值
func DefaultOptions() Options {
	return Options{
		DefaultExecutor: executor.KindLocal,
		QueueBuffer:     256,
		Runner:          runner.Config{WorkerCount: 8, TaskTimeout: 30 * time.Second},
	}
}

// Dispatcher coordinates every running dispatch of one process.
type Dispatcher struct {
	store    store.Store
	registry *executor.Registry
	queues   *QueueRegistry
	runner   runner.Runner
	metrics  *metrics.Collector
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	states map[types.DispatchID]LoopState
	wg     sync.WaitGroup
}

// New 建立調度器；metrics 可以是 nil
func New(s store.Store, registry *executor.Registry, opts Options, m *metrics.Collector) (*Dispatcher, error) {
	if s == nil || registry == nil {
		return nil, errors.New("dispatcher: store and executor registry are required")
	}
	if opts.DefaultExecutor == "" {
		opts.DefaultExecutor = executor.KindLocal
	}

	d := &Dispatcher{
		store:    s,
		registry: registry,
		queues:   NewQueueRegistry(opts.QueueBuffer),
		metrics:  m,
		opts:     opts,
		logger:   slog.Default().With("component", "dispatcher"),
		states:   make(map[types.DispatchID]LoopState),
	}

	r, err := runner.New(opts.Runner, runner.Deps{
		Store:    s,
		Notifier: d.queues,
		Planner:  d,
		Metrics:  m,
	})
	if err != nil {
		return nil, err
	}
	d.runner = r
	return d, nil
}

// Queues registry used by runners and child dispatches.
func (d *Dispatcher) Queues() *QueueRegistry { return d.queues }

// State last recorded loop state of id.
func (d *Dispatcher) State(id types.DispatchID) (LoopState, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.states[id]
	return s, ok
}

func (d *Dispatcher) setState(id types.DispatchID, s LoopState) {
	d.mu.Lock()
	d.states[id] = s
	d.mu.Unlock()
	d.logger.Debug("loop state", "dispatch_id", id, "state", s)
}

// ============================================================================
// Handle
// ============================================================================

// Handle tracks one RunDispatch call.
type Handle struct {
	id     types.DispatchID
	done   chan struct{}
	status types.Status
	err    error
}

// DispatchID of the run.
func (h *Handle) DispatchID() types.DispatchID { return h.id }

// Done is closed once the run and its cleanup have finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (types.Status, error) {
	select {
	case <-h.done:
		return h.status, h.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// RunDispatch starts the event loop of id in a new goroutine.
func (d *Dispatcher) RunDispatch(ctx context.Context, id types.DispatchID) *Handle {
	h := &Handle{id: id, done: make(chan struct{})}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(h.done)
		h.status, h.err = d.RunWorkflow(ctx, id)
	}()
	return h
}

// CancelWorkflow is a hook for whole-dispatch cancellation. Running nodes
// are not interrupted; it only logs the request.
func (d *Dispatcher) CancelWorkflow(ctx context.Context, id types.DispatchID) error {
	d.logger.Info("cancel requested; dispatch cancellation is not supported", "dispatch_id", id)
	return nil
}

// Close waits for every running loop, then stops the runner.
func (d *Dispatcher) Close() error {
	d.wg.Wait()
	return d.runner.Close()
}

// ============================================================================
// RunWorkflow
// ============================================================================

// RunWorkflow runs id to completion and returns its final status. A
// COMPLETED dispatch is only finalized, nothing is submitted. Any error or
// panic marks the dispatch FAILED with the error and a stack trace.
func (d *Dispatcher) RunWorkflow(ctx context.Context, id types.DispatchID) (status types.Status, err error) {
	ctx, span := tracer.Start(ctx, "dispatcher.RunWorkflow", trace.WithAttributes(
		attribute.String("dispatch.id", string(id)),
	))
	defer span.End()

	disp, err := d.store.GetDispatch(ctx, id)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	if disp.Status == types.StatusCompleted {
		d.logger.Info("dispatch already completed", "dispatch_id", id)
		if err := d.store.FinalizeDispatch(ctx, id); err != nil {
			return types.StatusCompleted, err
		}
		return types.StatusCompleted, nil
	}

	q, err := d.queues.register(id)
	if err != nil {
		return "", err
	}

	started := time.Now()
	d.metrics.DispatchStarted()
	d.logger.Info("dispatch started", "dispatch_id", id, "name", disp.Name)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			status = d.recordFailure(ctx, id, err, debug.Stack())
		}
		d.cleanup(ctx, disp, status, time.Since(started))
		d.setState(id, StateTerminated)
	}()

	return d.runPlannedWorkflow(ctx, id, q)
}

// recordFailure 記錄錯誤與堆疊；context 取消視為 CANCELLED
func (d *Dispatcher) recordFailure(ctx context.Context, id types.DispatchID, cause error, stack []byte) types.Status {
	status := types.StatusFailed
	if errors.Is(cause, context.Canceled) {
		status = types.StatusCancelled
	}
	d.logger.Error("dispatch aborted", "dispatch_id", id, "status", status, "error", cause)

	msg := fmt.Sprintf("%v\n%s", cause, stack)
	res := store.GenerateDispatchResult(id,
		store.WithStatus(status),
		store.WithError(msg),
		store.WithEndTime(time.Now().UTC()),
	)
	if err := d.store.UpdateDispatchResult(context.WithoutCancel(ctx), res); err != nil {
		d.logger.Error("failed to record dispatch failure", "dispatch_id", id, "error", err)
	}
	return status
}

// cleanup 即使 ctx 已取消也要執行完
func (d *Dispatcher) cleanup(ctx context.Context, disp types.Dispatch, status types.Status, elapsed time.Duration) {
	ctx = context.WithoutCancel(ctx)
	id := disp.ID

	if err := d.store.PersistResult(ctx, id); err != nil {
		d.logger.Error("persist result failed", "dispatch_id", id, "error", err)
	}
	if disp.IsSubdispatch() {
		d.updateParentElectron(ctx, id)
	}
	if err := d.store.FinalizeDispatch(ctx, id); err != nil {
		d.logger.Error("finalize dispatch failed", "dispatch_id", id, "error", err)
	}
	d.queues.remove(id)

	d.metrics.DispatchFinished(string(status), elapsed)
	d.logger.Info("dispatch finished", "dispatch_id", id, "status", status, "elapsed", elapsed)
}
