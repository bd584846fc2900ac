package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/lattice-dispatch/internal/graph"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/google/uuid"
)

// ErrEmptyLattice 沒有任何節點
var ErrEmptyLattice = errors.New("lattice has no nodes")

// Plan stores spec as a new top-level dispatch.
func (d *Dispatcher) Plan(ctx context.Context, spec types.LatticeSpec) (types.DispatchID, error) {
	return d.MakeDispatch(ctx, spec, types.ParentRef{})
}

// MakeDispatch stores spec as a new dispatch. A non-zero parent makes it a
// sub-dispatch of that node and inherits the parent's root.
func (d *Dispatcher) MakeDispatch(ctx context.Context, spec types.LatticeSpec, parent types.ParentRef) (types.DispatchID, error) {
	id := types.DispatchID(uuid.NewString())
	root := id
	if !parent.IsZero() {
		p, err := d.store.GetDispatch(ctx, parent.DispatchID)
		if err != nil {
			return "", fmt.Errorf("parent dispatch: %w", err)
		}
		root = p.RootID
	}

	rec, err := BuildRecord(id, root, spec, parent, d.opts.DefaultExecutor)
	if err != nil {
		return "", err
	}
	if err := d.store.CreateDispatch(ctx, rec); err != nil {
		return "", err
	}

	d.logger.Info("dispatch planned", "dispatch_id", id, "root_dispatch_id", root, "name", spec.Name, "nodes", len(rec.Nodes))
	return id, nil
}

// BuildRecord validates spec and turns it into a NEW_OBJECT record. Node ids
// must be dense after sorting. A lattice without a postprocess node gets one
// fed positionally by every sink.
func BuildRecord(id, root types.DispatchID, spec types.LatticeSpec, parent types.ParentRef, defaultExecutor string) (*types.DispatchRecord, error) {
	if len(spec.Nodes) == 0 {
		return nil, ErrEmptyLattice
	}

	nodes := append([]types.NodeSpec(nil), spec.Nodes...)
	sort.SliceStable(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	names := make([]string, len(nodes))
	hasPostprocess := false
	for i, n := range nodes {
		if int(n.ID) != i {
			return nil, fmt.Errorf("%w: expected node id %d, got %d", graph.ErrNodeOutOfRange, i, n.ID)
		}
		names[i] = n.Name
		hasPostprocess = hasPostprocess || types.IsPostprocess(n.Name)
	}

	g, err := graph.New(names, spec.Edges)
	if err != nil {
		return nil, err
	}

	edges := append([]types.Edge(nil), spec.Edges...)
	if !hasPostprocess {
		pp := types.NodeID(len(nodes))
		for i, sink := range g.Sinks() {
			edges = append(edges, types.Edge{
				Source: sink,
				Target: pp,
				Attrs:  types.EdgeAttrs{ParamType: types.ParamArg, ArgIndex: i},
			})
		}
		nodes = append(nodes, types.NodeSpec{ID: pp, Name: types.PostprocessPrefix})
	}

	rec := &types.DispatchRecord{
		Dispatch: types.Dispatch{
			ID:       id,
			RootID:   root,
			ParentID: parent.DispatchID,
			Name:     spec.Name,
			Status:   types.StatusNewObject,
			NumNodes: len(nodes),
		},
		Nodes: make([]types.Node, len(nodes)),
		Edges: edges,
	}
	if !parent.IsZero() {
		rec.Dispatch.ParentNodeID = parent.NodeID
	}

	for i, n := range nodes {
		node := types.Node{
			ID:           n.ID,
			Name:         n.Name,
			Status:       types.StatusNewObject,
			Executor:     n.Executor,
			ExecutorData: n.ExecutorData,
			Value:        n.Value,
		}
		if node.Executor == "" && !types.IsParameter(n.Name) {
			node.Executor = defaultExecutor
		}
		rec.Nodes[i] = node
	}
	return rec, nil
}
