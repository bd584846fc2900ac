package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closingExecutor struct {
	opts   map[string]any
	closed bool
}

func (c *closingExecutor) Kind() string { return "fake" }
func (c *closingExecutor) Execute(ctx context.Context, task Task) (Output, error) {
	return Output{}, nil
}
func (c *closingExecutor) Close() error {
	c.closed = true
	return nil
}

func TestTaskFunction(t *testing.T) {
	tests := []struct {
		name string
		node string
		data map[string]any
		want string
	}{
		{"explicit function", "add", map[string]any{"function": "sum"}, "sum"},
		{"plain name", "concat", nil, "concat"},
		{"sublattice prefix", ":sublattice:identity", nil, "identity"},
		{"postprocess defaults to identity", ":postprocess:", nil, "identity"},
		{"empty function falls back to name", "sum", map[string]any{"function": ""}, "sum"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TaskFunction(tt.node, tt.data))
		})
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("quantum", nil)
	require.ErrorIs(t, err, ErrUnknownExecutor)
	assert.Equal(t, "no executor found by name: quantum", err.Error())
}

func TestRegistryMergesAndCaches(t *testing.T) {
	r := NewRegistry()
	var built []*closingExecutor
	r.Register("fake", func(opts map[string]any) (Executor, error) {
		ex := &closingExecutor{opts: opts}
		built = append(built, ex)
		return ex, nil
	})
	r.SetDefaults("fake", map[string]any{"region": "eu", "size": "s"})

	a, err := r.Resolve("fake", map[string]any{"size": "l", "function": "sum"})
	require.NoError(t, err)
	b, err := r.Resolve("fake", map[string]any{"size": "l", "function": "concat"})
	require.NoError(t, err)
	c, err := r.Resolve("fake", nil)
	require.NoError(t, err)

	assert.Same(t, a, b, "function must not split the cache")
	assert.NotSame(t, a, c)
	require.Len(t, built, 2)
	assert.Equal(t, map[string]any{"region": "eu", "size": "l"}, built[0].opts)
	assert.Equal(t, []string{"fake"}, r.Kinds())

	require.NoError(t, r.Close())
	assert.True(t, built[0].closed)
	assert.True(t, built[1].closed)
}

func TestMergeOptionsMatchesFactoryOptions(t *testing.T) {
	r := NewRegistry()
	var got map[string]any
	r.Register("fake", func(opts map[string]any) (Executor, error) {
		got = opts
		return &closingExecutor{opts: opts}, nil
	})
	r.SetDefaults("fake", map[string]any{"region": "eu", "function": "identity"})

	data := map[string]any{"size": "l", "function": "sum"}
	merged := r.MergeOptions("fake", data)
	_, err := r.Resolve("fake", data)
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"region": "eu", "size": "l"}, merged)
	assert.Equal(t, got, merged)
	assert.Equal(t, "sum", data["function"], "caller's executor_data is not modified")
}

func TestRegistryFactoryError(t *testing.T) {
	r := NewRegistry()
	r.Register("broken", func(map[string]any) (Executor, error) { return nil, errors.New("no creds") })

	_, err := r.Resolve("broken", nil)
	assert.ErrorContains(t, err, "no creds")
}

func runLocal(t *testing.T, fn string, args []string, kwargs map[string]string) (Output, error) {
	t.Helper()
	l, err := NewLocal(DefaultFunctions(), nil)
	require.NoError(t, err)

	task := Task{Function: fn, Kwargs: map[string]json.RawMessage{}}
	for _, a := range args {
		task.Args = append(task.Args, json.RawMessage(a))
	}
	for k, v := range kwargs {
		task.Kwargs[k] = json.RawMessage(v)
	}
	return l.Execute(context.Background(), task)
}

func TestLocalBuiltins(t *testing.T) {
	tests := []struct {
		name   string
		fn     string
		args   []string
		kwargs map[string]string
		want   string
	}{
		{"identity single", "identity", []string{`{"a":1}`}, nil, `{"a":1}`},
		{"identity many", "identity", []string{`1`, `"x"`}, nil, `[1,"x"]`},
		{"identity kwargs", "identity", nil, map[string]string{"k": `true`}, `{"k":true}`},
		{"identity nothing", "identity", nil, nil, `null`},
		{"sum args and kwargs", "sum", []string{`1`, `2.5`}, map[string]string{"z": `0.5`}, `4`},
		{"sum list", "sum", []string{`[1,2,3]`}, nil, `6`},
		{"concat with sep", "concat", []string{`"a"`, `"b"`, `3`}, map[string]string{"sep": `"-"`}, `"a-b-3"`},
		{"sleep zero", "sleep", []string{`0`}, nil, `0`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runLocal(t, tt.fn, tt.args, tt.kwargs)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(out.Value))
		})
	}
}

func TestLocalFailCapturesStderr(t *testing.T) {
	out, err := runLocal(t, "fail", []string{`"boom"`}, nil)
	assert.EqualError(t, err, "boom")
	assert.Equal(t, "boom\n", out.Stderr)
}

func TestLocalConcatWritesStdout(t *testing.T) {
	out, err := runLocal(t, "concat", []string{`"hi"`}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", out.Stdout)
}

func TestLocalUnknownFunction(t *testing.T) {
	_, err := runLocal(t, "teleport", nil, nil)
	assert.ErrorIs(t, err, ErrUnknownFunction)
}

func TestLocalTimeout(t *testing.T) {
	l, err := NewLocal(DefaultFunctions(), map[string]any{"timeout": "20ms"})
	require.NoError(t, err)

	start := time.Now()
	_, err = l.Execute(context.Background(), Task{Function: "sleep", Args: []json.RawMessage{json.RawMessage(`10`)}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestLocalBadTimeoutOption(t *testing.T) {
	_, err := NewLocal(DefaultFunctions(), map[string]any{"timeout": "soon"})
	assert.Error(t, err)
}
