// Package runner executes one node asynchronously and reports its status
// back to the owning dispatch's event queue.
package runner

// ============================================================================
// 職責說明：
// 1. RunAbstractTask 立即返回，實際工作在另一個 goroutine 執行
// 2. 解析父節點輸出 → 呼叫 executor → 寫入 store → 通知事件迴圈
// 3. 子工作流程節點：輸出為 LatticeSpec，規劃子 dispatch 後通知 DISPATCHING
// 4. store 寫入失敗一律以 FAILED 回報
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/internal/metrics"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	log    = slog.Default()
	tracer = otel.Tracer("github.com/ChuLiYu/lattice-dispatch/internal/runner")
)

// Runner kinds
const (
	KindLegacy = "legacy"
	KindPooled = "pooled"
)

// Notifier posts status events to a dispatch's queue.
type Notifier interface {
	Notify(ctx context.Context, id types.DispatchID, ev types.StatusEvent) error
}

// Planner turns a LatticeSpec into a stored dispatch.
type Planner interface {
	MakeDispatch(ctx context.Context, spec types.LatticeSpec, parent types.ParentRef) (types.DispatchID, error)
}

// Request is one node handed over by the submission gateway.
type Request struct {
	DispatchID types.DispatchID
	NodeID     types.NodeID
	Name       string
	Function   string
	Executor   executor.Executor
	Options    map[string]any
	Inputs     types.AbstractInputs
}

// Runner creates exactly one concurrent unit of work per request and
// returns without waiting for it.
type Runner interface {
	RunAbstractTask(ctx context.Context, req Request) error
	Close() error
}

// Deps shared collaborators of every runner.
type Deps struct {
	Store    store.Store
	Notifier Notifier
	Planner  Planner
	Metrics  *metrics.Collector
}

// Config selects and sizes the runner.
type Config struct {
	ForceLegacy bool
	WorkerCount int
	QueueSize   int
	TaskTimeout time.Duration
}

// New 依設定建立 runner
func New(cfg Config, deps Deps) (Runner, error) {
	if deps.Store == nil || deps.Notifier == nil {
		return nil, errors.New("runner: store and notifier are required")
	}
	if cfg.ForceLegacy {
		return NewLegacy(deps, cfg.TaskTimeout), nil
	}
	return NewPooled(deps, cfg)
}

// ============================================================================
// 共用的節點執行流程
// ============================================================================

func ptr[T any](v T) *T { return &v }

// execute runs a node end to end. It always ends with exactly one terminal
// or DISPATCHING notification.
func execute(ctx context.Context, deps Deps, req Request) {
	ctx, span := tracer.Start(ctx, "runner.execute", trace.WithAttributes(
		attribute.String("dispatch.id", string(req.DispatchID)),
		attribute.Int("node.id", int(req.NodeID)),
		attribute.String("node.name", req.Name),
		attribute.String("executor.kind", req.Executor.Kind()),
	))
	defer span.End()

	logger := log.With("dispatch_id", req.DispatchID, "node_id", req.NodeID, "name", req.Name)
	start := time.Now().UTC()

	// panic 也必須產生終止事件，否則事件迴圈會一直等待這個節點
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("task panicked: %v\n%s", r, debug.Stack())
			span.RecordError(err)
			span.SetStatus(codes.Error, "panic")
			logger.Error("task panicked", "panic", r)
			fail(ctx, deps, req, start, err, executor.Output{})
		}
	}()

	err := deps.Store.UpdateNodeResult(ctx, req.DispatchID, types.NodeResult{
		NodeID:    req.NodeID,
		Status:    types.StatusRunning,
		StartTime: &start,
	})
	if err != nil {
		logger.Error("failed to mark node running", "error", err)
		fail(ctx, deps, req, start, fmt.Errorf("store: %w", err), executor.Output{})
		return
	}
	notify(ctx, deps, req, types.StatusEvent{NodeID: req.NodeID, Status: types.StatusRunning})

	task, err := resolveInputs(ctx, deps.Store, req)
	if err != nil {
		logger.Error("failed to resolve inputs", "error", err)
		fail(ctx, deps, req, start, err, executor.Output{})
		return
	}

	out, err := req.Executor.Execute(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("task failed", "error", err)
		fail(ctx, deps, req, start, err, out)
		return
	}

	if types.IsSublattice(req.Name) {
		dispatchChild(ctx, deps, req, start, out)
		return
	}

	end := time.Now().UTC()
	err = deps.Store.UpdateNodeResult(ctx, req.DispatchID, types.NodeResult{
		NodeID:  req.NodeID,
		Status:  types.StatusCompleted,
		EndTime: &end,
		Output:  out.Value,
		Stdout:  ptr(out.Stdout),
		Stderr:  ptr(out.Stderr),
	})
	if err != nil {
		logger.Error("failed to record node result", "error", err)
		fail(ctx, deps, req, start, fmt.Errorf("store: %w", err), out)
		return
	}
	deps.Metrics.NodeFinished(string(types.StatusCompleted), end.Sub(start))
	notify(ctx, deps, req, types.StatusEvent{NodeID: req.NodeID, Status: types.StatusCompleted})
}

// resolveInputs 依 AbstractInputs 讀取父節點輸出
func resolveInputs(ctx context.Context, s store.Store, req Request) (executor.Task, error) {
	task := executor.Task{
		DispatchID: req.DispatchID,
		NodeID:     req.NodeID,
		Name:       req.Name,
		Function:   req.Function,
		Args:       make([]json.RawMessage, 0, len(req.Inputs.Args)),
		Kwargs:     make(map[string]json.RawMessage, len(req.Inputs.Kwargs)),
		Options:    req.Options,
	}
	for _, parent := range req.Inputs.Args {
		raw, err := store.ElectronRaw(ctx, s, req.DispatchID, parent, store.AttrOutput)
		if err != nil {
			return task, fmt.Errorf("resolve arg from node %d: %w", parent, err)
		}
		task.Args = append(task.Args, raw)
	}
	for name, parent := range req.Inputs.Kwargs {
		raw, err := store.ElectronRaw(ctx, s, req.DispatchID, parent, store.AttrOutput)
		if err != nil {
			return task, fmt.Errorf("resolve kwarg %s from node %d: %w", name, parent, err)
		}
		task.Kwargs[name] = raw
	}
	return task, nil
}

// dispatchChild 規劃子工作流程並回報 DISPATCHING；終止事件由子工作流程結束時送回
func dispatchChild(ctx context.Context, deps Deps, req Request, start time.Time, out executor.Output) {
	if deps.Planner == nil {
		fail(ctx, deps, req, start, errors.New("sublattice: no planner configured"), out)
		return
	}

	var spec types.LatticeSpec
	if err := json.Unmarshal(out.Value, &spec); err != nil {
		fail(ctx, deps, req, start, fmt.Errorf("sublattice: output is not a lattice: %w", err), out)
		return
	}
	if spec.Name == "" {
		spec.Name = types.TrimReserved(req.Name)
	}

	childID, err := deps.Planner.MakeDispatch(ctx, spec, types.ParentRef{DispatchID: req.DispatchID, NodeID: req.NodeID})
	if err != nil {
		fail(ctx, deps, req, start, fmt.Errorf("sublattice: plan: %w", err), out)
		return
	}

	err = deps.Store.UpdateNodeResult(ctx, req.DispatchID, types.NodeResult{
		NodeID:        req.NodeID,
		Status:        types.StatusDispatching,
		SubDispatchID: childID,
		Stdout:        ptr(out.Stdout),
		Stderr:        ptr(out.Stderr),
	})
	if err != nil {
		fail(ctx, deps, req, start, fmt.Errorf("store: %w", err), out)
		return
	}

	log.Info("sublattice dispatched", "dispatch_id", req.DispatchID, "node_id", req.NodeID, "sub_dispatch_id", childID)
	notify(ctx, deps, req, types.StatusEvent{
		NodeID: req.NodeID,
		Status: types.StatusDispatching,
		Detail: types.EventDetail{SubDispatchID: childID},
	})
}

// terminalStatus 取消 → CANCELLED，其他（含逾時）→ FAILED
func terminalStatus(err error) types.Status {
	if errors.Is(err, context.Canceled) {
		return types.StatusCancelled
	}
	return types.StatusFailed
}

// fail 盡力寫入終止狀態並通知；寫入失敗仍然通知 FAILED
func fail(ctx context.Context, deps Deps, req Request, start time.Time, cause error, out executor.Output) {
	status := terminalStatus(cause)
	end := time.Now().UTC()

	// 使用不會被取消的 context，確保取消的節點也能寫入結果
	wctx := context.WithoutCancel(ctx)
	err := deps.Store.UpdateNodeResult(wctx, req.DispatchID, types.NodeResult{
		NodeID:  req.NodeID,
		Status:  status,
		EndTime: &end,
		Error:   ptr(cause.Error()),
		Stdout:  ptr(out.Stdout),
		Stderr:  ptr(out.Stderr),
	})
	if err != nil {
		log.Error("failed to record node failure", "dispatch_id", req.DispatchID, "node_id", req.NodeID, "error", err)
		status = types.StatusFailed
	}
	deps.Metrics.NodeFinished(string(status), end.Sub(start))
	notify(wctx, deps, req, types.StatusEvent{NodeID: req.NodeID, Status: status})
}

func notify(ctx context.Context, deps Deps, req Request, ev types.StatusEvent) {
	if err := deps.Notifier.Notify(ctx, req.DispatchID, ev); err != nil {
		log.Warn("status event dropped", "dispatch_id", req.DispatchID, "node_id", ev.NodeID, "status", ev.Status, "error", err)
	}
}
