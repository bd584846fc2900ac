// Package executor resolves executor kinds to instances and runs task
// functions on them.
package executor

// ============================================================================
// 職責說明：
// 1. 定義 Executor 介面與任務輸入輸出格式
// 2. 靜態 Registry：kind → Factory，啟動時依設定註冊
// 3. 節點的 executor_data 覆蓋設定檔預設值，相同選項共用同一個實例
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

var (
	// ErrUnknownExecutor kind 沒有註冊
	ErrUnknownExecutor = errors.New("no executor found by name")
	// ErrUnknownFunction 函式表中找不到
	ErrUnknownFunction = errors.New("unknown function")
)

// FunctionKey executor_data key naming the function to call.
const FunctionKey = "function"

// Task is one node invocation with resolved inputs.
type Task struct {
	DispatchID types.DispatchID
	NodeID     types.NodeID
	Name       string
	Function   string
	Args       []json.RawMessage
	Kwargs     map[string]json.RawMessage
	Options    map[string]any
}

// Output of a successful call.
type Output struct {
	Value  json.RawMessage
	Stdout string
	Stderr string
}

// Executor runs tasks of one kind.
type Executor interface {
	Kind() string
	Execute(ctx context.Context, task Task) (Output, error)
}

// Factory builds an executor from merged options.
type Factory func(opts map[string]any) (Executor, error)

// TaskFunction picks the function to call for a node: executor_data
// "function" if set, otherwise the node name without its reserved prefix,
// falling back to identity.
func TaskFunction(name string, data map[string]any) string {
	if fn, ok := data[FunctionKey].(string); ok && fn != "" {
		return fn
	}
	if fn := types.TrimReserved(name); fn != "" {
		return fn
	}
	return "identity"
}

// Registry maps executor kinds to factories and caches built instances.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	defaults  map[string]map[string]any
	instances map[string]Executor
}

// NewRegistry 建立空的 Registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		defaults:  make(map[string]map[string]any),
		instances: make(map[string]Executor),
	}
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// SetDefaults sets configured options for kind.
func (r *Registry) SetDefaults(kind string, opts map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[kind] = opts
}

// Kinds registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MergeOptions returns defaults overlaid with data, without the "function"
// key. It is the option set Resolve hands to the factory.
func (r *Registry) MergeOptions(kind string, data map[string]any) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.optionsLocked(kind, data)
}

func (r *Registry) optionsLocked(kind string, data map[string]any) map[string]any {
	opts := merge(r.defaults[kind], data)
	delete(opts, FunctionKey)
	return opts
}

func merge(base, over map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// Resolve returns the executor for kind configured with data merged over
// the kind's defaults. The "function" key never reaches the factory.
func (r *Registry) Resolve(kind string, data map[string]any) (Executor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExecutor, kind)
	}

	opts := r.optionsLocked(kind, data)

	// map 的 JSON 編碼會排序 key，可作為快取鍵
	canon, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("executor %s: options: %w", kind, err)
	}
	key := kind + "|" + string(canon)
	if ex, ok := r.instances[key]; ok {
		return ex, nil
	}

	ex, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("executor %s: %w", kind, err)
	}
	r.instances[key] = ex
	return ex, nil
}

// Close closes every cached instance that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for key, ex := range r.instances {
		if c, ok := ex.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(r.instances, key)
	}
	return errors.Join(errs...)
}
