package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

// ============================================================================
// Sub-dispatch Coordinator
// ============================================================================

// startSubDispatch runs the child without blocking the parent loop. The
// parent node's terminal event is normally posted by the child's cleanup;
// a child run that returns before cleanup (unknown id, already running,
// already completed) is settled here once its handle is done.
func (d *Dispatcher) startSubDispatch(ctx context.Context, parentID types.DispatchID, nodeID types.NodeID, childID types.DispatchID) {
	if childID == "" {
		d.logger.Error("DISPATCHING event without sub-dispatch id", "dispatch_id", parentID, "node_id", nodeID)
		d.failElectron(ctx, parentID, nodeID, "sub-dispatch id missing")
		return
	}
	h := d.RunDispatch(ctx, childID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		<-h.Done()
		d.settleParentElectron(context.WithoutCancel(ctx), parentID, nodeID, h)
	}()
}

// settleParentElectron 子工作流程結束後，父節點若仍未終止則補上終止事件
func (d *Dispatcher) settleParentElectron(ctx context.Context, parentID types.DispatchID, nodeID types.NodeID, h *Handle) {
	status, err := store.ElectronString(ctx, d.store, parentID, nodeID, store.AttrStatus)
	if err != nil {
		d.logger.Error("cannot read sub-dispatch owner", "dispatch_id", parentID, "node_id", nodeID, "error", err)
		return
	}
	if types.Status(status).IsTerminal() {
		return
	}

	_, runErr := h.Wait(ctx)
	if runErr == nil {
		// 已完成的子工作流程只做 finalize，結果仍要寫回父節點
		d.updateParentElectron(ctx, h.DispatchID())
		return
	}
	d.logger.Error("sub-dispatch did not run", "dispatch_id", parentID, "node_id", nodeID, "sub_dispatch_id", h.DispatchID(), "error", runErr)
	d.failElectron(ctx, parentID, nodeID, fmt.Sprintf("sub-dispatch %s: %v", h.DispatchID(), runErr))
}

// updateParentElectron copies the child's outcome onto the owning node and
// posts it to the parent's queue.
func (d *Dispatcher) updateParentElectron(ctx context.Context, childID types.DispatchID) {
	child, err := d.store.GetDispatch(ctx, childID)
	if err != nil {
		d.logger.Error("cannot read finished sub-dispatch", "sub_dispatch_id", childID, "error", err)
		return
	}
	parentID, nodeID := child.ParentID, child.ParentNodeID

	status := child.Status
	switch {
	case status == types.StatusPostprocessingFailed:
		status = types.StatusFailed
	case !status.IsTerminal():
		status = types.StatusFailed
	}

	end := time.Now().UTC()
	if child.EndTime != nil {
		end = *child.EndTime
	}
	msg := child.Error

	err = d.store.UpdateNodeResult(ctx, parentID, types.NodeResult{
		NodeID:  nodeID,
		Status:  status,
		EndTime: &end,
		Output:  child.Result,
		Error:   &msg,
	})
	if err != nil {
		d.logger.Error("failed to update parent electron", "dispatch_id", parentID, "node_id", nodeID, "error", err)
		status = types.StatusFailed
	}

	d.logger.Info("sub-dispatch finished", "dispatch_id", parentID, "node_id", nodeID, "sub_dispatch_id", childID, "status", status)
	if err := d.queues.Notify(ctx, parentID, types.StatusEvent{NodeID: nodeID, Status: status}); err != nil {
		d.logger.Warn("parent dispatch is not running", "dispatch_id", parentID, "error", err)
	}
}

// failElectron 直接把節點標為 FAILED 並通知自己的佇列
func (d *Dispatcher) failElectron(ctx context.Context, id types.DispatchID, nodeID types.NodeID, reason string) {
	end := time.Now().UTC()
	err := d.store.UpdateNodeResult(ctx, id, types.NodeResult{
		NodeID:  nodeID,
		Status:  types.StatusFailed,
		EndTime: &end,
		Error:   &reason,
	})
	if err != nil {
		d.logger.Error("failed to mark node failed", "dispatch_id", id, "node_id", nodeID, "error", err)
	}
	if err := d.queues.Notify(ctx, id, types.StatusEvent{NodeID: nodeID, Status: types.StatusFailed}); err != nil {
		d.logger.Warn("status event dropped", "dispatch_id", id, "node_id", nodeID, "error", err)
	}
}
