package lattice

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// HCL form:
//
//	name = "diamond"
//
//	node "x" {
//	  parameter = true
//	  value     = 3
//	}
//
//	node "f" {
//	  executor = "local"
//	  function = "identity"
//	  args     = ["x"]
//	}
type hclFile struct {
	Name  string     `hcl:"name,optional"`
	Nodes []*hclNode `hcl:"node,block"`
}

type hclNode struct {
	Name         string            `hcl:"name,label"`
	Parameter    bool              `hcl:"parameter,optional"`
	Sublattice   bool              `hcl:"sublattice,optional"`
	Value        cty.Value         `hcl:"value,optional"`
	Executor     string            `hcl:"executor,optional"`
	Function     string            `hcl:"function,optional"`
	ExecutorData cty.Value         `hcl:"executor_data,optional"`
	Args         []string          `hcl:"args,optional"`
	Kwargs       map[string]string `hcl:"kwargs,optional"`
	WaitFor      []string          `hcl:"wait_for,optional"`
}

func decodeHCL(src []byte, filename string) (File, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return File{}, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclFile
	diags = gohcl.DecodeBody(file.Body, nil, &parsed)
	if diags.HasErrors() {
		return File{}, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	f := File{Name: parsed.Name, Nodes: make([]NodeDef, 0, len(parsed.Nodes))}
	for _, n := range parsed.Nodes {
		value, err := ctyToAny(n.Value)
		if err != nil {
			return File{}, fmt.Errorf("node %s value: %w", n.Name, err)
		}
		data, err := ctyToAny(n.ExecutorData)
		if err != nil {
			return File{}, fmt.Errorf("node %s executor_data: %w", n.Name, err)
		}
		execData, ok := data.(map[string]any)
		if data != nil && !ok {
			return File{}, fmt.Errorf("%w: %s executor_data must be an object", ErrInvalidNode, n.Name)
		}

		f.Nodes = append(f.Nodes, NodeDef{
			Name:         n.Name,
			Parameter:    n.Parameter,
			Sublattice:   n.Sublattice,
			Value:        value,
			Executor:     n.Executor,
			Function:     n.Function,
			ExecutorData: execData,
			Args:         n.Args,
			Kwargs:       n.Kwargs,
			WaitFor:      n.WaitFor,
		})
	}
	return f, nil
}

// ctyToAny converts through JSON so numbers, lists and objects match what
// the YAML decoder produces.
func ctyToAny(v cty.Value) (any, error) {
	if v.Type() == cty.NilType || v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known at load time")
	}
	raw, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
