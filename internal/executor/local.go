package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// KindLocal runs functions in-process.
const KindLocal = "local"

// Call is what a Func sees.
type Call struct {
	Args   []json.RawMessage
	Kwargs map[string]json.RawMessage
	Stdout bytes.Buffer
	Stderr bytes.Buffer
}

// Func is a task body. The returned value is JSON-encoded as the output.
type Func func(ctx context.Context, call *Call) (any, error)

// Functions named function table.
type Functions map[string]Func

// Local executes Functions with an optional per-task timeout.
type Local struct {
	funcs   Functions
	timeout time.Duration
}

// NewLocal 建立本地 executor；opts["timeout"] 可為 duration 字串或秒數
func NewLocal(funcs Functions, opts map[string]any) (*Local, error) {
	timeout, err := durationOption(opts, "timeout")
	if err != nil {
		return nil, err
	}
	return &Local{funcs: funcs, timeout: timeout}, nil
}

// LocalFactory registers funcs under the local kind.
func LocalFactory(funcs Functions) Factory {
	return func(opts map[string]any) (Executor, error) {
		return NewLocal(funcs, opts)
	}
}

func (l *Local) Kind() string { return KindLocal }

func (l *Local) Execute(ctx context.Context, task Task) (Output, error) {
	fn, ok := l.funcs[task.Function]
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrUnknownFunction, task.Function)
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	call := &Call{Args: task.Args, Kwargs: task.Kwargs}
	value, err := fn(ctx, call)
	out := Output{Stdout: call.Stdout.String(), Stderr: call.Stderr.String()}
	if err != nil {
		return out, err
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}

	if raw, ok := value.(json.RawMessage); ok {
		out.Value = raw
		return out, nil
	}
	body, err := json.Marshal(value)
	if err != nil {
		return out, fmt.Errorf("encode output of %s: %w", task.Function, err)
	}
	out.Value = body
	return out, nil
}

func durationOption(opts map[string]any, key string) (time.Duration, error) {
	switch v := opts[key].(type) {
	case nil:
		return 0, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("option %s: %w", key, err)
		}
		return d, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case time.Duration:
		return v, nil
	}
	return 0, fmt.Errorf("option %s: unsupported type %T", key, opts[key])
}

// ============================================================================
// 內建函式
// ============================================================================

// DefaultFunctions built-ins shipped with the CLI and worker.
func DefaultFunctions() Functions {
	return Functions{
		"identity": identity,
		"sum":      sum,
		"concat":   concat,
		"fail":     fail,
		"sleep":    sleep,
	}
}

// identity 單一參數原樣回傳，多個參數回傳陣列，只有具名參數時回傳物件
func identity(ctx context.Context, call *Call) (any, error) {
	switch {
	case len(call.Args) == 1 && len(call.Kwargs) == 0:
		return call.Args[0], nil
	case len(call.Args) == 0 && len(call.Kwargs) > 0:
		return call.Kwargs, nil
	case len(call.Args) == 0:
		return nil, nil
	}
	return call.Args, nil
}

func sum(ctx context.Context, call *Call) (any, error) {
	var total float64
	add := func(raw json.RawMessage) error {
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return err
		}
		switch x := v.(type) {
		case float64:
			total += x
		case []any:
			for _, item := range x {
				f, ok := item.(float64)
				if !ok {
					return fmt.Errorf("sum: non-numeric element %v", item)
				}
				total += f
			}
		default:
			return fmt.Errorf("sum: non-numeric argument %s", raw)
		}
		return nil
	}
	for _, a := range call.Args {
		if err := add(a); err != nil {
			return nil, err
		}
	}
	for _, k := range sortedKeys(call.Kwargs) {
		if err := add(call.Kwargs[k]); err != nil {
			return nil, err
		}
	}
	return total, nil
}

func concat(ctx context.Context, call *Call) (any, error) {
	sep := ""
	if raw, ok := call.Kwargs["sep"]; ok {
		if err := json.Unmarshal(raw, &sep); err != nil {
			return nil, fmt.Errorf("concat: sep: %w", err)
		}
	}
	parts := make([]string, 0, len(call.Args))
	for _, a := range call.Args {
		var s string
		if err := json.Unmarshal(a, &s); err != nil {
			s = string(a)
		}
		parts = append(parts, s)
	}
	out := strings.Join(parts, sep)
	fmt.Fprintln(&call.Stdout, out)
	return out, nil
}

func fail(ctx context.Context, call *Call) (any, error) {
	msg := "task failed"
	if raw, ok := call.Kwargs["message"]; ok {
		json.Unmarshal(raw, &msg)
	} else if len(call.Args) > 0 {
		json.Unmarshal(call.Args[0], &msg)
	}
	fmt.Fprintln(&call.Stderr, msg)
	return nil, errors.New(msg)
}

// sleep 等待 seconds 秒（具名或第一個位置參數），回傳秒數
func sleep(ctx context.Context, call *Call) (any, error) {
	raw, ok := call.Kwargs["seconds"]
	if !ok && len(call.Args) > 0 {
		raw, ok = call.Args[0], true
	}
	var seconds float64
	if ok {
		if err := json.Unmarshal(raw, &seconds); err != nil {
			return nil, fmt.Errorf("sleep: seconds: %w", err)
		}
	}

	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return seconds, nil
	}
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
