package lattice

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
)

// FunctionName is the local function that loads a lattice file. Sublattice
// nodes call it to produce the LatticeSpec of their child dispatch.
const FunctionName = "lattice"

// LoaderFunction reads the lattice file named by the "path" kwarg or the
// first argument. Relative paths are resolved against baseDir.
func LoaderFunction(baseDir string) executor.Func {
	return func(ctx context.Context, call *executor.Call) (any, error) {
		raw, ok := call.Kwargs["path"]
		if !ok && len(call.Args) > 0 {
			raw, ok = call.Args[0], true
		}
		if !ok {
			return nil, fmt.Errorf("%s: path is required", FunctionName)
		}

		var path string
		if err := json.Unmarshal(raw, &path); err != nil {
			return nil, fmt.Errorf("%s: path must be a string: %w", FunctionName, err)
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}

		spec, err := Load(path)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&call.Stdout, "loaded %s (%d nodes)\n", path, len(spec.Nodes))
		return spec, nil
	}
}
