package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// Finalizer
// ============================================================================

// FailureMessage formats the dispatch error for failed then cancelled nodes.
func FailureMessage(inc types.IncompleteTasks) string {
	var b strings.Builder
	b.WriteString("The following tasks failed:")
	for _, group := range [][]types.TaskRef{inc.Failed, inc.Cancelled} {
		for _, t := range group {
			fmt.Fprintf(&b, "\n%d: %s", t.NodeID, t.Name)
		}
	}
	return b.String()
}

// finalize aggregates node outcomes into the dispatch status. With no failed
// or cancelled node the status is whatever the postprocess node wrote.
func (d *Dispatcher) finalize(ctx context.Context, id types.DispatchID) (types.Status, error) {
	ctx, span := tracer.Start(ctx, "dispatcher.finalize", trace.WithAttributes(
		attribute.String("dispatch.id", string(id)),
	))
	defer span.End()

	if d.opts.CancelUnreachable {
		if err := d.cancelUnreachable(ctx, id); err != nil {
			return "", err
		}
	}

	inc, err := d.store.GetIncompleteTasks(ctx, id)
	if err != nil {
		return "", err
	}

	if len(inc.Failed) > 0 || len(inc.Cancelled) > 0 {
		status := types.StatusCancelled
		if len(inc.Failed) > 0 {
			status = types.StatusFailed
		}
		res := store.GenerateDispatchResult(id,
			store.WithStatus(status),
			store.WithError(FailureMessage(inc)),
			store.WithEndTime(time.Now().UTC()),
		)
		if err := d.store.UpdateDispatchResult(ctx, res); err != nil {
			return "", err
		}
	}

	attrs, err := d.store.GetDispatchAttributes(ctx, id, "status")
	if err != nil {
		return "", err
	}
	status, _ := attrs["status"].(types.Status)
	span.SetAttributes(attribute.String("dispatch.status", string(status)))
	return status, nil
}

// cancelUnreachable marks every node that never ran as CANCELLED.
func (d *Dispatcher) cancelUnreachable(ctx context.Context, id types.DispatchID) error {
	nl, err := d.store.GetGraphNodesLinks(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, n := range nl.Nodes {
		if types.IsParameter(n.Name) {
			continue
		}
		status, err := store.ElectronString(ctx, d.store, id, n.ID, store.AttrStatus)
		if err != nil {
			return err
		}
		if types.Status(status) != types.StatusNewObject {
			continue
		}
		err = d.store.UpdateNodeResult(ctx, id, types.NodeResult{
			NodeID:  n.ID,
			Status:  types.StatusCancelled,
			EndTime: &now,
		})
		if err != nil {
			return fmt.Errorf("cancel node %d: %w", n.ID, err)
		}
		d.logger.Info("cancelled unreachable node", "dispatch_id", id, "node_id", n.ID, "name", n.Name)
	}
	return nil
}
