package executor

// ============================================================================
// ExecutorService 的 gRPC 定義
// 請求與回應都是 google.protobuf.Struct，不需要產生程式碼
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ExecutorServiceName fully-qualified service name
	ExecutorServiceName = "latticedispatch.executor.v1.ExecutorService"
	// ExecuteFullMethodName unary Execute method
	ExecuteFullMethodName = "/" + ExecutorServiceName + "/Execute"
)

// ErrRemoteTask the remote function itself failed.
var ErrRemoteTask = errors.New("remote task failed")

// ExecutorServiceServer is implemented by workers.
type ExecutorServiceServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// ExecutorServiceDesc service descriptor used by RegisterExecutorServiceServer.
var ExecutorServiceDesc = grpc.ServiceDesc{
	ServiceName: ExecutorServiceName,
	HandlerType: (*ExecutorServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler:    executeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "latticedispatch/executor/v1/executor.proto",
}

// RegisterExecutorServiceServer registers srv on s.
func RegisterExecutorServiceServer(s grpc.ServiceRegistrar, srv ExecutorServiceServer) {
	s.RegisterService(&ExecutorServiceDesc, srv)
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExecutorServiceServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecuteFullMethodName,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ExecutorServiceServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ExecutorServiceClient thin client over a connection.
type ExecutorServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewExecutorServiceClient wraps cc.
func NewExecutorServiceClient(cc grpc.ClientConnInterface) *ExecutorServiceClient {
	return &ExecutorServiceClient{cc: cc}
}

func (c *ExecutorServiceClient) Execute(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, ExecuteFullMethodName, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Task / Output 與 Struct 之間的轉換
// ============================================================================

func rawToValue(raw json.RawMessage) (*structpb.Value, error) {
	if len(raw) == 0 {
		return structpb.NewNullValue(), nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return structpb.NewValue(v)
}

func valueToRaw(v *structpb.Value) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage("null"), nil
	}
	return json.Marshal(v.AsInterface())
}

// EncodeTask converts a task into the wire request.
func EncodeTask(t Task) (*structpb.Struct, error) {
	args := make([]*structpb.Value, 0, len(t.Args))
	for i, a := range t.Args {
		v, err := rawToValue(a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		args = append(args, v)
	}
	kwargs := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(t.Kwargs))}
	for k, a := range t.Kwargs {
		v, err := rawToValue(a)
		if err != nil {
			return nil, fmt.Errorf("kwarg %s: %w", k, err)
		}
		kwargs.Fields[k] = v
	}
	opts, err := structpb.NewStruct(jsonSafe(t.Options))
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}

	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"dispatch_id": structpb.NewStringValue(string(t.DispatchID)),
		"node_id":     structpb.NewNumberValue(float64(t.NodeID)),
		"name":        structpb.NewStringValue(t.Name),
		"function":    structpb.NewStringValue(t.Function),
		"args":        structpb.NewListValue(&structpb.ListValue{Values: args}),
		"kwargs":      structpb.NewStructValue(kwargs),
		"options":     structpb.NewStructValue(opts),
	}}, nil
}

// jsonSafe round-trips options through JSON so NewStruct accepts them.
func jsonSafe(m map[string]any) map[string]any {
	if len(m) == 0 {
		return map[string]any{}
	}
	body, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	json.Unmarshal(body, &out)
	return out
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(s *structpb.Struct) (Task, error) {
	f := s.GetFields()
	t := Task{
		DispatchID: types.DispatchID(f["dispatch_id"].GetStringValue()),
		NodeID:     types.NodeID(f["node_id"].GetNumberValue()),
		Name:       f["name"].GetStringValue(),
		Function:   f["function"].GetStringValue(),
		Kwargs:     map[string]json.RawMessage{},
		Options:    f["options"].GetStructValue().AsMap(),
	}
	for i, v := range f["args"].GetListValue().GetValues() {
		raw, err := valueToRaw(v)
		if err != nil {
			return t, fmt.Errorf("arg %d: %w", i, err)
		}
		t.Args = append(t.Args, raw)
	}
	for k, v := range f["kwargs"].GetStructValue().GetFields() {
		raw, err := valueToRaw(v)
		if err != nil {
			return t, fmt.Errorf("kwarg %s: %w", k, err)
		}
		t.Kwargs[k] = raw
	}
	return t, nil
}

// EncodeOutput builds the response; a task error travels in-band.
func EncodeOutput(out Output, taskErr error) (*structpb.Struct, error) {
	value, err := rawToValue(out.Value)
	if err != nil {
		return nil, fmt.Errorf("output: %w", err)
	}
	fields := map[string]*structpb.Value{
		"value":  value,
		"stdout": structpb.NewStringValue(out.Stdout),
		"stderr": structpb.NewStringValue(out.Stderr),
	}
	if taskErr != nil {
		fields["error"] = structpb.NewStringValue(taskErr.Error())
	}
	return &structpb.Struct{Fields: fields}, nil
}

// DecodeOutput returns ErrRemoteTask when the response carries an error.
func DecodeOutput(s *structpb.Struct) (Output, error) {
	f := s.GetFields()
	out := Output{
		Stdout: f["stdout"].GetStringValue(),
		Stderr: f["stderr"].GetStringValue(),
	}
	if msg := f["error"].GetStringValue(); msg != "" {
		return out, fmt.Errorf("%w: %s", ErrRemoteTask, msg)
	}
	raw, err := valueToRaw(f["value"])
	if err != nil {
		return out, err
	}
	out.Value = raw
	return out, nil
}
