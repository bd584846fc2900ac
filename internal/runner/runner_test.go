package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	id types.DispatchID
	ev types.StatusEvent
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []event
	ch     chan event
}

func newNotifier() *recordingNotifier {
	return &recordingNotifier{ch: make(chan event, 64)}
}

func (n *recordingNotifier) Notify(ctx context.Context, id types.DispatchID, ev types.StatusEvent) error {
	n.mu.Lock()
	n.events = append(n.events, event{id, ev})
	n.mu.Unlock()
	n.ch <- event{id, ev}
	return nil
}

// next waits for the first non-RUNNING event.
func (n *recordingNotifier) next(t *testing.T) types.StatusEvent {
	t.Helper()
	for {
		select {
		case e := <-n.ch:
			if e.ev.Status != types.StatusRunning {
				return e.ev
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for status event")
		}
	}
}

type fakePlanner struct {
	mu     sync.Mutex
	specs  []types.LatticeSpec
	parent types.ParentRef
	err    error
}

func (p *fakePlanner) MakeDispatch(ctx context.Context, spec types.LatticeSpec, parent types.ParentRef) (types.DispatchID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.specs = append(p.specs, spec)
	p.parent = parent
	return "child-1", nil
}

func testFunctions() executor.Functions {
	fns := executor.DefaultFunctions()
	fns["make_sub"] = func(ctx context.Context, call *executor.Call) (any, error) {
		return types.LatticeSpec{Nodes: []types.NodeSpec{{ID: 0, Name: ":parameter:v", Value: json.RawMessage(`1`)}}}, nil
	}
	fns["not_a_lattice"] = func(ctx context.Context, call *executor.Call) (any, error) {
		return "plain", nil
	}
	fns["panic"] = func(ctx context.Context, call *executor.Call) (any, error) {
		panic("nil map write")
	}
	return fns
}

// seed stores x(=3) -> name and marks x completed.
func seed(t *testing.T, s store.Store, name string) {
	t.Helper()
	ctx := context.Background()
	rec := &types.DispatchRecord{
		Dispatch: types.Dispatch{ID: "d1", RootID: "d1", Status: types.StatusRunning},
		Nodes: []types.Node{
			{ID: 0, Name: ":parameter:x", Status: types.StatusNewObject, Value: json.RawMessage(`3`)},
			{ID: 1, Name: name, Status: types.StatusNewObject, Executor: executor.KindLocal},
		},
		Edges: []types.Edge{{Source: 0, Target: 1, Attrs: types.EdgeAttrs{ParamType: types.ParamArg}}},
	}
	require.NoError(t, s.CreateDispatch(ctx, rec))
	require.NoError(t, s.UpdateNodeResult(ctx, "d1", types.NodeResult{
		NodeID: 0, Status: types.StatusCompleted, Output: json.RawMessage(`3`),
	}))
}

func request(t *testing.T, name, fn string, opts map[string]any) Request {
	t.Helper()
	local, err := executor.NewLocal(testFunctions(), opts)
	require.NoError(t, err)
	return Request{
		DispatchID: "d1",
		NodeID:     1,
		Name:       name,
		Function:   fn,
		Executor:   local,
		Inputs:     types.AbstractInputs{Args: []types.NodeID{0}, Kwargs: map[string]types.NodeID{}},
	}
}

func runners(t *testing.T, deps Deps) map[string]Runner {
	t.Helper()
	legacy, err := New(Config{ForceLegacy: true}, deps)
	require.NoError(t, err)
	pooled, err := New(Config{WorkerCount: 2}, deps)
	require.NoError(t, err)
	return map[string]Runner{KindLegacy: legacy, KindPooled: pooled}
}

func TestNewRequiresStoreAndNotifier(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestRunAbstractTask(t *testing.T) {
	tests := []struct {
		name       string
		node       string
		fn         string
		wantStatus types.Status
		check      func(t *testing.T, n types.Node)
	}{
		{
			name: "completed with resolved input", node: "f", fn: "identity",
			wantStatus: types.StatusCompleted,
			check: func(t *testing.T, n types.Node) {
				assert.JSONEq(t, `3`, string(n.Output))
				require.NotNil(t, n.StartTime)
				require.NotNil(t, n.EndTime)
				assert.False(t, n.EndTime.Before(*n.StartTime))
			},
		},
		{
			name: "task error is FAILED", node: "f", fn: "fail",
			wantStatus: types.StatusFailed,
			check: func(t *testing.T, n types.Node) {
				assert.NotEmpty(t, n.Error)
				assert.NotEmpty(t, n.Stderr)
			},
		},
		{
			name: "unknown function is FAILED", node: "f", fn: "missing",
			wantStatus: types.StatusFailed,
			check: func(t *testing.T, n types.Node) {
				assert.Contains(t, n.Error, "unknown function")
			},
		},
		{
			name: "panic is FAILED", node: "f", fn: "panic",
			wantStatus: types.StatusFailed,
			check: func(t *testing.T, n types.Node) {
				assert.Contains(t, n.Error, "task panicked: nil map write")
				assert.NotNil(t, n.EndTime)
			},
		},
		{
			name: "sublattice output that is not a lattice", node: ":sublattice:s", fn: "not_a_lattice",
			wantStatus: types.StatusFailed,
			check: func(t *testing.T, n types.Node) {
				assert.Contains(t, n.Error, "sublattice")
			},
		},
	}

	for _, kind := range []string{KindLegacy, KindPooled} {
		for _, tt := range tests {
			t.Run(kind+"/"+tt.name, func(t *testing.T) {
				s := store.NewMemory()
				seed(t, s, tt.node)
				n := newNotifier()
				r := runners(t, Deps{Store: s, Notifier: n, Planner: &fakePlanner{}})[kind]
				defer r.Close()

				require.NoError(t, r.RunAbstractTask(context.Background(), request(t, tt.node, tt.fn, nil)))
				ev := n.next(t)
				assert.Equal(t, types.NodeID(1), ev.NodeID)
				assert.Equal(t, tt.wantStatus, ev.Status)

				node, err := s.GetNode(context.Background(), "d1", 1)
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, node.Status)
				tt.check(t, node)
			})
		}
	}
}

func TestRunningIsPostedFirst(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "f")
	n := newNotifier()
	r := NewLegacy(Deps{Store: s, Notifier: n}, 0)

	require.NoError(t, r.RunAbstractTask(context.Background(), request(t, "f", "identity", nil)))
	require.NoError(t, r.Close())

	n.mu.Lock()
	defer n.mu.Unlock()
	require.Len(t, n.events, 2)
	assert.Equal(t, types.StatusRunning, n.events[0].ev.Status)
	assert.Equal(t, types.StatusCompleted, n.events[1].ev.Status)
}

func TestTimeoutIsFailed(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "f")
	n := newNotifier()
	r := NewLegacy(Deps{Store: s, Notifier: n}, 50*time.Millisecond)
	defer r.Close()

	req := request(t, "f", "sleep", nil)
	req.Inputs = types.AbstractInputs{Args: []types.NodeID{0}}
	require.NoError(t, r.RunAbstractTask(context.Background(), req))

	assert.Equal(t, types.StatusFailed, n.next(t).Status)
}

func TestCancelledContextIsCancelled(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "f")
	n := newNotifier()
	r := NewLegacy(Deps{Store: s, Notifier: n}, 0)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.RunAbstractTask(ctx, request(t, "f", "sleep", nil)))
	time.Sleep(20 * time.Millisecond)
	cancel()

	assert.Equal(t, types.StatusCancelled, n.next(t).Status)
	node, err := s.GetNode(context.Background(), "d1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, node.Status)
}

func TestSublatticePostsDispatching(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, ":sublattice:child")
	n := newNotifier()
	planner := &fakePlanner{}
	r := NewLegacy(Deps{Store: s, Notifier: n, Planner: planner}, 0)
	defer r.Close()

	require.NoError(t, r.RunAbstractTask(context.Background(), request(t, ":sublattice:child", "make_sub", nil)))

	ev := n.next(t)
	assert.Equal(t, types.StatusDispatching, ev.Status)
	assert.Equal(t, types.DispatchID("child-1"), ev.Detail.SubDispatchID)

	planner.mu.Lock()
	require.Len(t, planner.specs, 1)
	assert.Equal(t, "child", planner.specs[0].Name)
	assert.Equal(t, types.ParentRef{DispatchID: "d1", NodeID: 1}, planner.parent)
	planner.mu.Unlock()

	node, err := s.GetNode(context.Background(), "d1", 1)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDispatching, node.Status)
	assert.Equal(t, types.DispatchID("child-1"), node.SubDispatchID)
}

func TestSublatticePlanErrorIsFailed(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, ":sublattice:child")
	n := newNotifier()
	r := NewLegacy(Deps{Store: s, Notifier: n, Planner: &fakePlanner{err: errors.New("cycle")}}, 0)
	defer r.Close()

	require.NoError(t, r.RunAbstractTask(context.Background(), request(t, ":sublattice:child", "make_sub", nil)))
	assert.Equal(t, types.StatusFailed, n.next(t).Status)
}

func TestStoreFailureSurfacesAsFailed(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "f")
	// a terminal node rejects the RUNNING write
	require.NoError(t, s.UpdateNodeResult(context.Background(), "d1", types.NodeResult{NodeID: 1, Status: types.StatusCancelled}))

	n := newNotifier()
	r := NewLegacy(Deps{Store: s, Notifier: n}, 0)
	defer r.Close()

	require.NoError(t, r.RunAbstractTask(context.Background(), request(t, "f", "identity", nil)))
	assert.Equal(t, types.StatusFailed, n.next(t).Status)
}

func TestMissingParentOutputIsFailed(t *testing.T) {
	s := store.NewMemory()
	seed(t, s, "f")
	n := newNotifier()
	r := NewLegacy(Deps{Store: s, Notifier: n}, 0)
	defer r.Close()

	req := request(t, "f", "identity", nil)
	req.Inputs.Kwargs = map[string]types.NodeID{"y": 7}
	require.NoError(t, r.RunAbstractTask(context.Background(), req))

	assert.Equal(t, types.StatusFailed, n.next(t).Status)
	node, err := s.GetNode(context.Background(), "d1", 1)
	require.NoError(t, err)
	assert.Contains(t, node.Error, "kwarg y")
}

func TestTerminalStatus(t *testing.T) {
	tests := []struct {
		err  error
		want types.Status
	}{
		{context.Canceled, types.StatusCancelled},
		{context.DeadlineExceeded, types.StatusFailed},
		{errors.New("boom"), types.StatusFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, terminalStatus(tt.err), tt.err.Error())
	}
}
