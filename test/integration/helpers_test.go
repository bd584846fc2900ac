package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/dispatcher"
	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/internal/runner"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/stretchr/testify/require"
)

// newDispatcher 使用內建函式表與 pooled runner
func newDispatcher(tb testing.TB, s store.Store, workers int) *dispatcher.Dispatcher {
	tb.Helper()
	reg := executor.NewRegistry()
	reg.Register(executor.KindLocal, executor.LocalFactory(executor.DefaultFunctions()))

	opts := dispatcher.DefaultOptions()
	opts.Runner = runner.Config{WorkerCount: workers, QueueSize: 1024, TaskTimeout: 5 * time.Second}
	d, err := dispatcher.New(s, reg, opts, nil)
	require.NoError(tb, err)
	return d
}

func openJournaled(tb testing.TB, dir string) *store.Memory {
	tb.Helper()
	s, err := store.OpenMemory(store.MemoryOptions{
		WALPath:      dir + "/dispatch.wal",
		SnapshotPath: dir + "/dispatch.snapshot",
	})
	require.NoError(tb, err)
	return s
}

// generateFanOut x -> task-0..task-(n-1) -> total
// 每個任務回傳 x，total 為 n*x
func generateFanOut(n int, x int) types.LatticeSpec {
	nodes := []types.NodeSpec{{ID: 0, Name: types.ParameterPrefix + "x", Value: json.RawMessage(fmt.Sprint(x))}}
	var edges []types.Edge
	total := types.NodeID(n + 1)
	for i := 1; i <= n; i++ {
		nodes = append(nodes, types.NodeSpec{
			ID:           types.NodeID(i),
			Name:         fmt.Sprintf("task-%d", i-1),
			Executor:     executor.KindLocal,
			ExecutorData: map[string]any{executor.FunctionKey: "identity"},
		})
		edges = append(edges,
			types.Edge{Source: 0, Target: types.NodeID(i), Attrs: types.EdgeAttrs{ParamType: types.ParamArg}},
			types.Edge{Source: types.NodeID(i), Target: total, Attrs: types.EdgeAttrs{ParamType: types.ParamArg, ArgIndex: i - 1}},
		)
	}
	nodes = append(nodes, types.NodeSpec{
		ID:           total,
		Name:         "total",
		Executor:     executor.KindLocal,
		ExecutorData: map[string]any{executor.FunctionKey: "sum"},
	})
	return types.LatticeSpec{Name: fmt.Sprintf("fan-out-%d", n), Nodes: nodes, Edges: edges}
}

func runToEnd(tb testing.TB, d *dispatcher.Dispatcher, id types.DispatchID, timeout time.Duration) types.Status {
	tb.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	status, err := d.RunDispatch(context.Background(), id).Wait(ctx)
	require.NoError(tb, err)
	return status
}
