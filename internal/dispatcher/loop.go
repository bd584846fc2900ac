package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/readiness"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

// LoopState 事件迴圈的生命週期
type LoopState int

const (
	StateInitializing LoopState = iota
	StateRunning
	StateFinalizing
	StateTerminated
)

func (s LoopState) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateRunning:
		return "RUNNING"
	case StateFinalizing:
		return "FINALIZING"
	case StateTerminated:
		return "TERMINATED"
	}
	return fmt.Sprintf("LoopState(%d)", int(s))
}

// loop holds the state of one dispatch's event loop. Only the loop's own
// goroutine touches it.
type loop struct {
	d       *Dispatcher
	id      types.DispatchID
	queue   *statusQueue
	tracker *readiness.Tracker

	outstanding int
	tasksLeft   int
	inFlight    map[types.NodeID]bool
}

func (d *Dispatcher) runPlannedWorkflow(ctx context.Context, id types.DispatchID, q *statusQueue) (types.Status, error) {
	d.setState(id, StateInitializing)

	now := time.Now().UTC()
	err := d.store.UpdateDispatchResult(ctx, store.GenerateDispatchResult(id,
		store.WithStatus(types.StatusRunning),
		store.WithStartTime(now),
	))
	if err != nil {
		return "", fmt.Errorf("mark dispatch running: %w", err)
	}

	nl, err := d.store.GetGraphNodesLinks(ctx, id)
	if err != nil {
		return "", fmt.Errorf("load graph: %w", err)
	}

	l := &loop{
		d:        d,
		id:       id,
		queue:    q,
		tracker:  readiness.NewTracker(nl),
		inFlight: make(map[types.NodeID]bool),
	}
	l.tasksLeft = l.tracker.NumTasks()

	d.setState(id, StateRunning)
	if err := l.run(ctx); err != nil {
		return "", err
	}

	d.setState(id, StateFinalizing)
	return d.finalize(ctx, id)
}

func (l *loop) submit(ctx context.Context, nodeID types.NodeID) error {
	l.outstanding++
	l.inFlight[nodeID] = true
	return l.d.submitTask(ctx, l.id, nodeID)
}

func (l *loop) run(ctx context.Context) error {
	for _, nodeID := range l.tracker.Initial() {
		if err := l.submit(ctx, nodeID); err != nil {
			return err
		}
	}

	for l.outstanding > 0 {
		ev, err := l.queue.pop(ctx)
		if err != nil {
			return err
		}
		if err := l.handle(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// handle 處理一個狀態事件
func (l *loop) handle(ctx context.Context, ev types.StatusEvent) error {
	logger := l.d.logger.With("dispatch_id", l.id, "node_id", ev.NodeID, "status", ev.Status)

	if !l.inFlight[ev.NodeID] {
		logger.Warn("dropping event for node that is not in flight")
		return nil
	}

	switch ev.Status {
	case types.StatusRunning:
		return nil

	case types.StatusDispatching:
		logger.Info("starting sub-dispatch", "sub_dispatch_id", ev.Detail.SubDispatchID)
		l.d.startSubDispatch(ctx, l.id, ev.NodeID, ev.Detail.SubDispatchID)
		return nil

	case types.StatusCompleted:
		delete(l.inFlight, ev.NodeID)
		l.outstanding--
		l.tasksLeft--

		successors, err := l.d.store.GetNodeSuccessors(ctx, l.id, ev.NodeID)
		if err != nil {
			return fmt.Errorf("successors of node %d: %w", ev.NodeID, err)
		}
		for _, child := range l.tracker.Complete(ev.NodeID, successors) {
			if err := l.submit(ctx, child); err != nil {
				return err
			}
		}
		logger.Debug("node completed", "outstanding", l.outstanding, "tasks_left", l.tasksLeft)
		return nil

	case types.StatusFailed, types.StatusCancelled:
		delete(l.inFlight, ev.NodeID)
		l.outstanding--
		logger.Warn("node did not complete", "outstanding", l.outstanding)
		return nil
	}

	logger.Warn("ignoring unexpected status")
	return nil
}
