// Package storetest holds behaviour tests shared by every store.Store backend.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) store.Store

// DiamondRecord x -> {f, g} -> h -> :postprocess:
func DiamondRecord(id types.DispatchID) *types.DispatchRecord {
	names := []string{":parameter:x", "f", "g", "h", ":postprocess:"}
	rec := &types.DispatchRecord{
		Dispatch: types.Dispatch{ID: id, RootID: id, Name: "diamond", Status: types.StatusNewObject},
	}
	for i, n := range names {
		rec.Nodes = append(rec.Nodes, types.Node{ID: types.NodeID(i), Name: n, Status: types.StatusNewObject, Executor: "local"})
	}
	rec.Nodes[0].Value = json.RawMessage(`3`)
	rec.Nodes[0].Executor = ""
	rec.Edges = []types.Edge{
		{Source: 0, Target: 1, Attrs: types.EdgeAttrs{ParamType: types.ParamArg}},
		{Source: 0, Target: 2, Attrs: types.EdgeAttrs{ParamType: types.ParamArg}},
		{Source: 1, Target: 3, Attrs: types.EdgeAttrs{ParamType: types.ParamArg, ArgIndex: 0}},
		{Source: 2, Target: 3, Attrs: types.EdgeAttrs{ParamType: types.ParamKwarg, EdgeName: "y"}},
		{Source: 3, Target: 4, Attrs: types.EdgeAttrs{ParamType: types.ParamArg}},
	}
	return rec
}

func ptr[T any](v T) *T { return &v }

// Run executes the shared suite against newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create and read", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDispatch(ctx, DiamondRecord("d1")))

		d, err := s.GetDispatch(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, 5, d.NumNodes)
		assert.Equal(t, types.StatusNewObject, d.Status)
		assert.False(t, d.CreatedAt.IsZero())

		n, err := s.GetNode(ctx, "d1", 3)
		require.NoError(t, err)
		assert.Equal(t, "h", n.Name)

		_, err = s.GetNode(ctx, "d1", 9)
		assert.ErrorIs(t, err, store.ErrNodeNotFound)
		_, err = s.GetDispatch(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrDispatchNotFound)
		assert.ErrorIs(t, s.CreateDispatch(ctx, DiamondRecord("d1")), store.ErrDuplicateDispatch)
	})

	t.Run("graph queries", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDispatch(ctx, DiamondRecord("d1")))

		succ, err := s.GetNodeSuccessors(ctx, "d1", 0)
		require.NoError(t, err)
		assert.Equal(t, []types.NodeID{1, 2}, succ)

		in, err := s.GetIncomingEdges(ctx, "d1", 3)
		require.NoError(t, err)
		require.Len(t, in, 2)
		assert.Equal(t, types.NodeID(1), in[0].Source)
		assert.Equal(t, "y", in[1].Attrs.EdgeName)

		nl, err := s.GetGraphNodesLinks(ctx, "d1")
		require.NoError(t, err)
		assert.Len(t, nl.Nodes, 5)
		assert.Len(t, nl.Links, 5)
		assert.Equal(t, ":postprocess:", nl.Nodes[4].Name)
	})

	t.Run("electron attributes", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDispatch(ctx, DiamondRecord("d1")))

		name, err := store.ElectronString(ctx, s, "d1", 1, store.AttrName)
		require.NoError(t, err)
		assert.Equal(t, "f", name)

		value, err := store.ElectronRaw(ctx, s, "d1", 0, store.AttrValue)
		require.NoError(t, err)
		assert.JSONEq(t, `3`, string(value))

		_, err = s.GetElectronAttribute(ctx, "d1", 0, "color")
		assert.ErrorIs(t, err, store.ErrUnknownAttribute)
	})

	t.Run("completed increments once", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDispatch(ctx, DiamondRecord("d1")))

		now := time.Now().UTC()
		done := types.NodeResult{NodeID: 1, Status: types.StatusCompleted, EndTime: &now, Output: json.RawMessage(`6`)}
		require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 1, Status: types.StatusRunning, StartTime: &now}))
		require.NoError(t, s.UpdateNodeResult(ctx, "d1", done))
		require.NoError(t, s.UpdateNodeResult(ctx, "d1", done))

		attrs, err := s.GetDispatchAttributes(ctx, "d1", "completed_electron_num", "num_nodes")
		require.NoError(t, err)
		assert.Equal(t, 1, attrs["completed_electron_num"])
		assert.Equal(t, 5, attrs["num_nodes"])

		err = s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 1, Status: types.StatusRunning})
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		n, err := s.GetNode(ctx, "d1", 1)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, n.Status)
		assert.JSONEq(t, `6`, string(n.Output))
	})

	t.Run("concurrent completions are not lost", func(t *testing.T) {
		s := newStore(t)
		rec := &types.DispatchRecord{Dispatch: types.Dispatch{ID: "wide", RootID: "wide"}}
		for i := 0; i < 32; i++ {
			rec.Nodes = append(rec.Nodes, types.Node{ID: types.NodeID(i), Name: "t", Status: types.StatusNewObject})
		}
		require.NoError(t, s.CreateDispatch(ctx, rec))

		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(id types.NodeID) {
				defer wg.Done()
				assert.NoError(t, s.UpdateNodeResult(ctx, "wide", types.NodeResult{NodeID: id, Status: types.StatusCompleted}))
			}(types.NodeID(i))
		}
		wg.Wait()

		d, err := s.GetDispatch(ctx, "wide")
		require.NoError(t, err)
		assert.Equal(t, 32, d.CompletedElectronNum)
	})

	t.Run("postprocess copies to dispatch", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDispatch(ctx, DiamondRecord("d1")))

		end := time.Now().UTC().Truncate(time.Millisecond)
		require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{
			NodeID: 4, Status: types.StatusCompleted, EndTime: &end, Output: json.RawMessage(`[1,2]`),
		}))

		d, err := s.GetDispatch(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, d.Status)
		assert.JSONEq(t, `[1,2]`, string(d.Result))
		require.NotNil(t, d.EndTime)
		assert.True(t, end.Equal(*d.EndTime))
	})

	t.Run("dispatch result and incomplete tasks", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDispatch(ctx, DiamondRecord("d1")))

		require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 2, Status: types.StatusFailed, Error: ptr("boom")}))
		require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{NodeID: 3, Status: types.StatusCancelled}))

		tasks, err := s.GetIncompleteTasks(ctx, "d1")
		require.NoError(t, err)
		assert.Equal(t, []types.TaskRef{{NodeID: 2, Name: "g"}}, tasks.Failed)
		assert.Equal(t, []types.TaskRef{{NodeID: 3, Name: "h"}}, tasks.Cancelled)

		start := time.Now().UTC()
		require.NoError(t, s.UpdateDispatchResult(ctx, store.GenerateDispatchResult("d1",
			store.WithStatus(types.StatusFailed), store.WithStartTime(start), store.WithError("bad"))))
		attrs, err := s.GetDispatchAttributes(ctx, "d1", "status", "error")
		require.NoError(t, err)
		assert.Equal(t, types.StatusFailed, attrs["status"])
		assert.Equal(t, "bad", attrs["error"])

		_, err = s.GetDispatchAttributes(ctx, "d1", "colour")
		assert.ErrorIs(t, err, store.ErrUnknownAttribute)
	})

	t.Run("outputs list and lifecycle", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateDispatch(ctx, DiamondRecord("a")))
		require.NoError(t, s.CreateDispatch(ctx, DiamondRecord("b")))
		require.NoError(t, s.UpdateNodeResult(ctx, "a", types.NodeResult{NodeID: 1, Status: types.StatusCompleted, Output: json.RawMessage(`"ok"`)}))

		outs, err := s.GetAllNodeOutputs(ctx, "a")
		require.NoError(t, err)
		assert.JSONEq(t, `"ok"`, string(outs["f(1)"]))
		assert.Len(t, outs, 5)

		list, err := s.ListDispatches(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		require.NoError(t, s.PersistResult(ctx, "a"))
		require.NoError(t, s.FinalizeDispatch(ctx, "a"))
		assert.ErrorIs(t, s.PersistResult(ctx, "zzz"), store.ErrDispatchNotFound)

		// graph queries still work after the cache is dropped
		succ, err := s.GetNodeSuccessors(ctx, "a", 3)
		require.NoError(t, err)
		assert.Equal(t, []types.NodeID{4}, succ)
	})
}
