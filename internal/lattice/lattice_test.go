package lattice

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const diamondYAML = `
name: diamond
nodes:
  - name: x
    parameter: true
    value: 3
  - name: f
    function: identity
    args: [x]
  - name: g
    executor: local
    function: identity
    args: [x]
  - name: h
    function: sum
    executor_data:
      timeout: 5s
    args: [f]
    kwargs: {y: g}
`

const diamondJSON = `{
  "name": "diamond",
  "nodes": [
    {"name": "x", "parameter": true, "value": 3},
    {"name": "f", "function": "identity", "args": ["x"]},
    {"name": "g", "executor": "local", "function": "identity", "args": ["x"]},
    {"name": "h", "function": "sum", "executor_data": {"timeout": "5s"}, "args": ["f"], "kwargs": {"y": "g"}}
  ]
}`

const diamondHCL = `
name = "diamond"

node "x" {
  parameter = true
  value     = 3
}

node "f" {
  function = "identity"
  args     = ["x"]
}

node "g" {
  executor = "local"
  function = "identity"
  args     = ["x"]
}

node "h" {
  function      = "sum"
  executor_data = { timeout = "5s" }
  args          = ["f"]
  kwargs        = { y = "g" }
}
`

func TestParseFormatsAgree(t *testing.T) {
	tests := []struct {
		filename string
		src      string
	}{
		{"diamond.yaml", diamondYAML},
		{"diamond.json", diamondJSON},
		{"diamond.hcl", diamondHCL},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			spec, err := Parse([]byte(tt.src), tt.filename)
			require.NoError(t, err)

			assert.Equal(t, "diamond", spec.Name)
			require.Len(t, spec.Nodes, 4)
			assert.Equal(t, ":parameter:x", spec.Nodes[0].Name)
			assert.JSONEq(t, `3`, string(spec.Nodes[0].Value))
			assert.Equal(t, "local", spec.Nodes[2].Executor)
			assert.Equal(t, map[string]any{"function": "sum", "timeout": "5s"}, spec.Nodes[3].ExecutorData)

			assert.Equal(t, []types.Edge{
				{Source: 0, Target: 1, Attrs: types.EdgeAttrs{ParamType: types.ParamArg}},
				{Source: 0, Target: 2, Attrs: types.EdgeAttrs{ParamType: types.ParamArg}},
				{Source: 1, Target: 3, Attrs: types.EdgeAttrs{ParamType: types.ParamArg}},
				{Source: 2, Target: 3, Attrs: types.EdgeAttrs{ParamType: types.ParamKwarg, EdgeName: "y"}},
			}, spec.Edges)
		})
	}
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		file    File
		wantErr error
		check   func(t *testing.T, spec types.LatticeSpec)
	}{
		{
			name:    "duplicate",
			file:    File{Nodes: []NodeDef{{Name: "a"}, {Name: "a"}}},
			wantErr: ErrDuplicateNode,
		},
		{
			name:    "unknown reference",
			file:    File{Nodes: []NodeDef{{Name: "a", Args: []string{"b"}}}},
			wantErr: ErrUnknownReference,
		},
		{
			name:    "unnamed",
			file:    File{Nodes: []NodeDef{{}}},
			wantErr: ErrInvalidNode,
		},
		{
			name:    "parameter with inputs",
			file:    File{Nodes: []NodeDef{{Name: "a"}, {Name: "p", Parameter: true, Args: []string{"a"}}}},
			wantErr: ErrInvalidNode,
		},
		{
			name: "sublattice and wait_for",
			file: File{Nodes: []NodeDef{
				{Name: "first", Function: "identity"},
				{Name: "child", Sublattice: true, Function: "lattice", WaitFor: []string{"first"}},
			}},
			check: func(t *testing.T, spec types.LatticeSpec) {
				assert.Equal(t, ":sublattice:child", spec.Nodes[1].Name)
				assert.Equal(t, []types.Edge{{Source: 0, Target: 1, Attrs: types.EdgeAttrs{WaitFor: true}}}, spec.Edges)
			},
		},
		{
			name: "parameter without value is null",
			file: File{Nodes: []NodeDef{{Name: "p", Parameter: true}}},
			check: func(t *testing.T, spec types.LatticeSpec) {
				assert.Equal(t, "null", string(spec.Nodes[0].Value))
				assert.Nil(t, spec.Nodes[0].ExecutorData)
			},
		},
		{
			name: "kwargs sorted",
			file: File{Nodes: []NodeDef{
				{Name: "a", Parameter: true, Value: 1},
				{Name: "b", Parameter: true, Value: 2},
				{Name: "c", Function: "sum", Kwargs: map[string]string{"z": "a", "m": "b"}},
			}},
			check: func(t *testing.T, spec types.LatticeSpec) {
				require.Len(t, spec.Edges, 2)
				assert.Equal(t, "m", spec.Edges[0].Attrs.EdgeName)
				assert.Equal(t, "z", spec.Edges[1].Attrs.EdgeName)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := Compile(tt.file)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, spec)
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("x"), "lattice.toml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Parse([]byte(`node "a" {`), "broken.hcl")
	assert.Error(t, err)

	_, err = Parse([]byte("nodes: [::"), "broken.yaml")
	assert.Error(t, err)

	_, err = Parse([]byte(`node "a" { executor_data = "x" }`), "bad.hcl")
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestLoadDefaultsNameToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - name: a\n    function: identity\n"), 0644))

	spec, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "pipeline", spec.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoaderFunction(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "child.hcl"), []byte(diamondHCL), 0644))

	fn := LoaderFunction(dir)
	call := &executor.Call{Args: []json.RawMessage{json.RawMessage(`"child.hcl"`)}}
	v, err := fn(context.Background(), call)
	require.NoError(t, err)

	spec, ok := v.(types.LatticeSpec)
	require.True(t, ok)
	assert.Len(t, spec.Nodes, 4)
	assert.Contains(t, call.Stdout.String(), "child.hcl")

	_, err = fn(context.Background(), &executor.Call{})
	assert.Error(t, err)
	_, err = fn(context.Background(), &executor.Call{Kwargs: map[string]json.RawMessage{"path": json.RawMessage(`7`)}})
	assert.Error(t, err)
}
