// Package graph holds the transport graph of a dispatch as an arena of nodes
// indexed by NodeID with per-node successor and predecessor edge lists.
package graph

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

var (
	// ErrNodeOutOfRange an edge refers to a node id outside 0..n-1
	ErrNodeOutOfRange = errors.New("graph: node id out of range")
	// ErrCycle the edge set is not acyclic
	ErrCycle = errors.New("graph: cycle detected")
	// ErrSelfLoop an edge connects a node to itself
	ErrSelfLoop = errors.New("graph: self loop")
)

// Transport is the DAG of one dispatch. Parallel edges between the same pair
// of nodes are kept as separate entries.
type Transport struct {
	names []string
	edges []types.Edge
	succ  [][]int // node -> indices into edges where node is the source
	pred  [][]int // node -> indices into edges where node is the target
}

// New builds the adjacency lists and rejects out-of-range ids, self loops
// and cycles. names[i] is the name of node i.
func New(names []string, edges []types.Edge) (*Transport, error) {
	n := len(names)
	t := &Transport{
		names: append([]string(nil), names...),
		edges: append([]types.Edge(nil), edges...),
		succ:  make([][]int, n),
		pred:  make([][]int, n),
	}

	for i, e := range t.edges {
		if int(e.Source) < 0 || int(e.Source) >= n || int(e.Target) < 0 || int(e.Target) >= n {
			return nil, fmt.Errorf("%w: edge %d->%d with %d nodes", ErrNodeOutOfRange, e.Source, e.Target, n)
		}
		if e.Source == e.Target {
			return nil, fmt.Errorf("%w: node %d", ErrSelfLoop, e.Source)
		}
		t.succ[e.Source] = append(t.succ[e.Source], i)
		t.pred[e.Target] = append(t.pred[e.Target], i)
	}

	if _, err := t.TopologicalOrder(); err != nil {
		return nil, err
	}
	return t, nil
}

// FromRecord builds the transport graph of a stored dispatch.
func FromRecord(rec *types.DispatchRecord) (*Transport, error) {
	names := make([]string, len(rec.Nodes))
	for i, n := range rec.Nodes {
		if int(n.ID) != i {
			return nil, fmt.Errorf("%w: node at position %d has id %d", ErrNodeOutOfRange, i, n.ID)
		}
		names[i] = n.Name
	}
	return New(names, rec.Edges)
}

// NumNodes number of nodes in the arena
func (t *Transport) NumNodes() int { return len(t.names) }

// Name of node id
func (t *Transport) Name(id types.NodeID) string { return t.names[id] }

// Successors returns one entry per outgoing edge, in insertion order. A child
// reached through two parallel edges appears twice.
func (t *Transport) Successors(id types.NodeID) []types.NodeID {
	out := make([]types.NodeID, 0, len(t.succ[id]))
	for _, ei := range t.succ[id] {
		out = append(out, t.edges[ei].Target)
	}
	return out
}

// Incoming returns every edge that ends at id, in insertion order.
func (t *Transport) Incoming(id types.NodeID) []types.IncomingEdge {
	out := make([]types.IncomingEdge, 0, len(t.pred[id]))
	for _, ei := range t.pred[id] {
		e := t.edges[ei]
		out = append(out, types.IncomingEdge{Source: e.Source, Attrs: e.Attrs})
	}
	return out
}

// InDegree counts incoming edges, wait_for edges included.
func (t *Transport) InDegree(id types.NodeID) int { return len(t.pred[id]) }

// Sinks nodes without outgoing edges, ascending.
func (t *Transport) Sinks() []types.NodeID {
	var out []types.NodeID
	for i := range t.names {
		if len(t.succ[i]) == 0 {
			out = append(out, types.NodeID(i))
		}
	}
	return out
}

// TopologicalOrder runs Kahn's algorithm; ErrCycle if some node never
// reaches in-degree zero.
func (t *Transport) TopologicalOrder() ([]types.NodeID, error) {
	n := len(t.names)
	indeg := make([]int, n)
	for i := range indeg {
		indeg[i] = len(t.pred[i])
	}

	queue := make([]types.NodeID, 0, n)
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, types.NodeID(i))
		}
	}

	order := make([]types.NodeID, 0, n)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, ei := range t.succ[id] {
			child := t.edges[ei].Target
			indeg[child]--
			if indeg[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if len(order) != n {
		return nil, fmt.Errorf("%w: %d of %d nodes ordered", ErrCycle, len(order), n)
	}
	return order, nil
}

// NodeLink serializes the graph in node-link form.
func (t *Transport) NodeLink() types.NodeLink {
	nl := types.NodeLink{
		Directed:   true,
		Multigraph: true,
		Nodes:      make([]types.NodeLinkNode, len(t.names)),
		Links:      append([]types.Edge(nil), t.edges...),
	}
	for i, name := range t.names {
		nl.Nodes[i] = types.NodeLinkNode{ID: types.NodeID(i), Name: name}
	}
	return nl
}
