package graph

import (
	"testing"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edge(s, t int) types.Edge {
	return types.Edge{Source: types.NodeID(s), Target: types.NodeID(t), Attrs: types.EdgeAttrs{ParamType: types.ParamArg}}
}

func TestNewRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name    string
		nodes   int
		edges   []types.Edge
		wantErr error
	}{
		{"out of range", 2, []types.Edge{edge(0, 2)}, ErrNodeOutOfRange},
		{"negative id", 2, []types.Edge{edge(-1, 1)}, ErrNodeOutOfRange},
		{"self loop", 2, []types.Edge{edge(1, 1)}, ErrSelfLoop},
		{"cycle", 3, []types.Edge{edge(0, 1), edge(1, 2), edge(2, 0)}, ErrCycle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(make([]string, tt.nodes), tt.edges)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDiamondAdjacency(t *testing.T) {
	g, err := New([]string{"a", "b", "c", "d"}, []types.Edge{edge(0, 1), edge(0, 2), edge(1, 3), edge(2, 3)})
	require.NoError(t, err)

	assert.Equal(t, 4, g.NumNodes())
	assert.Equal(t, []types.NodeID{1, 2}, g.Successors(0))
	assert.Equal(t, 2, g.InDegree(3))
	assert.Equal(t, 0, g.InDegree(0))
	assert.Equal(t, []types.NodeID{3}, g.Sinks())

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	assert.Equal(t, types.NodeID(0), order[0])
	assert.Equal(t, types.NodeID(3), order[3])
}

func TestParallelEdgesAreKept(t *testing.T) {
	e1 := types.Edge{Source: 0, Target: 1, Attrs: types.EdgeAttrs{ParamType: types.ParamArg, ArgIndex: 0}}
	e2 := types.Edge{Source: 0, Target: 1, Attrs: types.EdgeAttrs{ParamType: types.ParamKwarg, EdgeName: "y"}}

	g, err := New([]string{"x", "f"}, []types.Edge{e1, e2})
	require.NoError(t, err)

	assert.Equal(t, []types.NodeID{1, 1}, g.Successors(0))
	assert.Len(t, g.Incoming(1), 2)
	assert.Equal(t, "y", g.Incoming(1)[1].Attrs.EdgeName)
}

func TestNodeLink(t *testing.T) {
	g, err := New([]string{":parameter:x", "f"}, []types.Edge{edge(0, 1)})
	require.NoError(t, err)

	nl := g.NodeLink()
	assert.True(t, nl.Directed)
	assert.True(t, nl.Multigraph)
	require.Len(t, nl.Nodes, 2)
	assert.Equal(t, ":parameter:x", nl.Nodes[0].Name)
	assert.Equal(t, []types.Edge{edge(0, 1)}, nl.Links)
}

func TestFromRecordRequiresDenseIDs(t *testing.T) {
	rec := &types.DispatchRecord{Nodes: []types.Node{{ID: 0}, {ID: 2}}}
	_, err := FromRecord(rec)
	assert.ErrorIs(t, err, ErrNodeOutOfRange)
}
