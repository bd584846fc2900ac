package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/internal/runner"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ============================================================================
// Task Submission Gateway
// ============================================================================

// AbstractInputs builds the unresolved inputs of a node from its incoming
// edges. wait_for edges carry no value and are skipped. Positional inputs
// are ordered by arg_index.
func AbstractInputs(edges []types.IncomingEdge) types.AbstractInputs {
	type positional struct {
		index  int
		source types.NodeID
	}

	var args []positional
	in := types.AbstractInputs{Args: []types.NodeID{}, Kwargs: map[string]types.NodeID{}}
	for _, e := range edges {
		if e.Attrs.WaitFor {
			continue
		}
		if e.Attrs.ParamType == types.ParamKwarg {
			in.Kwargs[e.Attrs.EdgeName] = e.Source
			continue
		}
		args = append(args, positional{e.Attrs.ArgIndex, e.Source})
	}

	sort.SliceStable(args, func(i, j int) bool { return args[i].index < args[j].index })
	for _, a := range args {
		in.Args = append(in.Args, a.source)
	}
	return in
}

// submitTask hands one ready node to its executor. Parameter nodes complete
// synchronously. An unknown executor kind is returned to the caller.
func (d *Dispatcher) submitTask(ctx context.Context, id types.DispatchID, nodeID types.NodeID) error {
	ctx, span := tracer.Start(ctx, "dispatcher.submit", trace.WithAttributes(
		attribute.String("dispatch.id", string(id)),
		attribute.Int("node.id", int(nodeID)),
	))
	defer span.End()

	name, err := store.ElectronString(ctx, d.store, id, nodeID, store.AttrName)
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("node.name", name))

	if types.IsParameter(name) {
		return d.completeParameter(ctx, id, nodeID)
	}

	edges, err := d.store.GetIncomingEdges(ctx, id, nodeID)
	if err != nil {
		return err
	}
	inputs := AbstractInputs(edges)

	kind, err := store.ElectronString(ctx, d.store, id, nodeID, store.AttrExecutor)
	if err != nil {
		return err
	}
	if kind == "" {
		kind = d.opts.DefaultExecutor
	}
	data, err := d.executorData(ctx, id, nodeID)
	if err != nil {
		return err
	}

	ex, err := d.registry.Resolve(kind, data)
	if err != nil {
		span.RecordError(err)
		return err
	}

	d.metrics.NodeSubmitted(kind)
	d.logger.Debug("submitting node", "dispatch_id", id, "node_id", nodeID, "name", name, "executor", kind)
	return d.runner.RunAbstractTask(ctx, runner.Request{
		DispatchID: id,
		NodeID:     nodeID,
		Name:       name,
		Function:   executor.TaskFunction(name, data),
		Executor:   ex,
		Options:    d.registry.MergeOptions(kind, data),
		Inputs:     inputs,
	})
}

func (d *Dispatcher) executorData(ctx context.Context, id types.DispatchID, nodeID types.NodeID) (map[string]any, error) {
	v, err := d.store.GetElectronAttribute(ctx, id, nodeID, store.AttrExecutorData)
	if err != nil {
		return nil, err
	}
	data, _ := v.(map[string]any)
	return data, nil
}

// completeParameter 參數節點：output = value，start_time == end_time
func (d *Dispatcher) completeParameter(ctx context.Context, id types.DispatchID, nodeID types.NodeID) error {
	value, err := store.ElectronRaw(ctx, d.store, id, nodeID, store.AttrValue)
	if err != nil {
		return err
	}
	if value == nil {
		value = json.RawMessage("null")
	}

	now := time.Now().UTC()
	err = d.store.UpdateNodeResult(ctx, id, types.NodeResult{
		NodeID:    nodeID,
		Status:    types.StatusCompleted,
		StartTime: &now,
		EndTime:   &now,
		Output:    value,
	})
	if err != nil {
		return fmt.Errorf("complete parameter node %d: %w", nodeID, err)
	}
	d.metrics.NodeFinished(string(types.StatusCompleted), 0)
	return d.queues.Notify(ctx, id, types.StatusEvent{NodeID: nodeID, Status: types.StatusCompleted})
}
