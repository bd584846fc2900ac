// Package readiness tracks how many parents of each node are still
// incomplete and reports nodes that become eligible for submission.
package readiness

import (
	"sort"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

// InitialTasksAndDeps returns the number of tasks, the in-degree-zero nodes in
// ascending order and the pending-parent counter of every node. Every link
// counts toward the in-degree, wait_for links included.
func InitialTasksAndDeps(g types.NodeLink) (int, []types.NodeID, map[types.NodeID]int) {
	pending := make(map[types.NodeID]int, len(g.Nodes))
	for _, n := range g.Nodes {
		pending[n.ID] = 0
	}
	for _, l := range g.Links {
		pending[l.Target]++
	}

	ready := make([]types.NodeID, 0)
	for id, count := range pending {
		if count == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	return len(g.Nodes), ready, pending
}

// Tracker owns the pending-parent counters of one dispatch. It is not safe
// for concurrent use; the event loop is its only caller.
type Tracker struct {
	numTasks  int
	initial   []types.NodeID
	pending   map[types.NodeID]int
	released  map[types.NodeID]bool
	completed map[types.NodeID]bool
}

// NewTracker seeds the counters from the node-link graph.
func NewTracker(g types.NodeLink) *Tracker {
	numTasks, ready, pending := InitialTasksAndDeps(g)
	t := &Tracker{
		numTasks:  numTasks,
		initial:   ready,
		pending:   pending,
		released:  make(map[types.NodeID]bool, numTasks),
		completed: make(map[types.NodeID]bool, numTasks),
	}
	for _, id := range ready {
		t.released[id] = true
	}
	return t
}

// NumTasks number of nodes in the graph
func (t *Tracker) NumTasks() int { return t.numTasks }

// Initial nodes that were ready before anything ran.
func (t *Tracker) Initial() []types.NodeID {
	return append([]types.NodeID(nil), t.initial...)
}

// Complete records that parent finished and decrements each child once per
// entry in successors (one entry per edge). Children whose counter drops to
// zero or below are returned, each at most once over the tracker's lifetime.
// A second completion of the same parent returns nothing.
func (t *Tracker) Complete(parent types.NodeID, successors []types.NodeID) []types.NodeID {
	if t.completed[parent] {
		return nil
	}
	t.completed[parent] = true

	var ready []types.NodeID
	for _, child := range successors {
		t.pending[child]--
		if t.pending[child] <= 0 && !t.released[child] {
			t.released[child] = true
			ready = append(ready, child)
		}
	}
	return ready
}

// Pending current counter of id
func (t *Tracker) Pending(id types.NodeID) int { return t.pending[id] }

// Released reports whether id has been handed out as ready.
func (t *Tracker) Released(id types.NodeID) bool { return t.released[id] }

// PendingParents copy of all counters
func (t *Tracker) PendingParents() map[types.NodeID]int {
	out := make(map[types.NodeID]int, len(t.pending))
	for k, v := range t.pending {
		out[k] = v
	}
	return out
}
