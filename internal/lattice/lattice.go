// Package lattice loads workflow definitions from YAML, JSON or HCL files
// and compiles them into the LatticeSpec the dispatcher plans from.
package lattice

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported lattice format")
	ErrDuplicateNode     = errors.New("duplicate node name")
	ErrUnknownReference  = errors.New("reference to unknown node")
	ErrInvalidNode       = errors.New("invalid node")
)

// File is the user-facing lattice definition. Nodes refer to each other by
// name; ids follow declaration order.
type File struct {
	Name  string    `yaml:"name" json:"name"`
	Nodes []NodeDef `yaml:"nodes" json:"nodes"`
}

// NodeDef one node of a lattice file.
type NodeDef struct {
	Name         string            `yaml:"name" json:"name"`
	Parameter    bool              `yaml:"parameter" json:"parameter"`
	Sublattice   bool              `yaml:"sublattice" json:"sublattice"`
	Value        any               `yaml:"value" json:"value"`
	Executor     string            `yaml:"executor" json:"executor"`
	Function     string            `yaml:"function" json:"function"`
	ExecutorData map[string]any    `yaml:"executor_data" json:"executor_data"`
	Args         []string          `yaml:"args" json:"args"`
	Kwargs       map[string]string `yaml:"kwargs" json:"kwargs"`
	WaitFor      []string          `yaml:"wait_for" json:"wait_for"`
}

// Load reads path, picking the format from its extension.
func Load(path string) (types.LatticeSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.LatticeSpec{}, fmt.Errorf("read lattice: %w", err)
	}
	return Parse(data, path)
}

// Parse decodes data; filename selects the format and names diagnostics.
func Parse(data []byte, filename string) (types.LatticeSpec, error) {
	var (
		f   File
		err error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml", ".json":
		// JSON 是 YAML 的子集，共用同一個解碼器
		err = yaml.Unmarshal(data, &f)
	case ".hcl":
		f, err = decodeHCL(data, filename)
	default:
		return types.LatticeSpec{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
	if err != nil {
		return types.LatticeSpec{}, fmt.Errorf("decode %s: %w", filename, err)
	}

	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	}
	return Compile(f)
}

// Compile resolves names to ids and builds the edge list: args become
// positional edges, kwargs keyword edges (sorted by keyword) and wait_for
// ordering-only edges.
func Compile(f File) (types.LatticeSpec, error) {
	spec := types.LatticeSpec{Name: f.Name}
	ids := make(map[string]types.NodeID, len(f.Nodes))

	for i, n := range f.Nodes {
		if n.Name == "" {
			return spec, fmt.Errorf("%w: node %d has no name", ErrInvalidNode, i)
		}
		if _, dup := ids[n.Name]; dup {
			return spec, fmt.Errorf("%w: %s", ErrDuplicateNode, n.Name)
		}
		ids[n.Name] = types.NodeID(i)
	}

	lookup := func(from, ref string) (types.NodeID, error) {
		id, ok := ids[ref]
		if !ok {
			return 0, fmt.Errorf("%w: %s -> %s", ErrUnknownReference, from, ref)
		}
		return id, nil
	}

	for i, n := range f.Nodes {
		node, err := compileNode(types.NodeID(i), n)
		if err != nil {
			return spec, err
		}
		spec.Nodes = append(spec.Nodes, node)

		target := types.NodeID(i)
		for idx, ref := range n.Args {
			src, err := lookup(n.Name, ref)
			if err != nil {
				return spec, err
			}
			spec.Edges = append(spec.Edges, types.Edge{Source: src, Target: target,
				Attrs: types.EdgeAttrs{ParamType: types.ParamArg, ArgIndex: idx}})
		}

		keys := make([]string, 0, len(n.Kwargs))
		for k := range n.Kwargs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			src, err := lookup(n.Name, n.Kwargs[k])
			if err != nil {
				return spec, err
			}
			spec.Edges = append(spec.Edges, types.Edge{Source: src, Target: target,
				Attrs: types.EdgeAttrs{ParamType: types.ParamKwarg, EdgeName: k}})
		}

		for _, ref := range n.WaitFor {
			src, err := lookup(n.Name, ref)
			if err != nil {
				return spec, err
			}
			spec.Edges = append(spec.Edges, types.Edge{Source: src, Target: target,
				Attrs: types.EdgeAttrs{WaitFor: true}})
		}
	}
	return spec, nil
}

func compileNode(id types.NodeID, n NodeDef) (types.NodeSpec, error) {
	if n.Parameter {
		if len(n.Args)+len(n.Kwargs)+len(n.WaitFor) > 0 {
			return types.NodeSpec{}, fmt.Errorf("%w: parameter %s cannot take inputs", ErrInvalidNode, n.Name)
		}
		value, err := json.Marshal(n.Value)
		if err != nil {
			return types.NodeSpec{}, fmt.Errorf("%w: parameter %s: %v", ErrInvalidNode, n.Name, err)
		}
		return types.NodeSpec{ID: id, Name: types.ParameterPrefix + n.Name, Value: value}, nil
	}

	name := n.Name
	if n.Sublattice {
		name = types.SublatticePrefix + name
	}

	var data map[string]any
	if len(n.ExecutorData) > 0 || n.Function != "" {
		data = make(map[string]any, len(n.ExecutorData)+1)
		for k, v := range n.ExecutorData {
			data[k] = v
		}
		if n.Function != "" {
			data[executor.FunctionKey] = n.Function
		}
	}
	return types.NodeSpec{ID: id, Name: name, Executor: n.Executor, ExecutorData: data}, nil
}
