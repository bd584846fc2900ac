package executor

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// KindGRPC runs functions on a remote worker.
const KindGRPC = "grpc"

// GRPC forwards tasks to an ExecutorService.
type GRPC struct {
	conn    *grpc.ClientConn
	client  *ExecutorServiceClient
	address string
	timeout time.Duration
}

// NewGRPC 建立連線；opts["address"] 必填，opts["timeout"] 可選
func NewGRPC(opts map[string]any, dialOpts ...grpc.DialOption) (*GRPC, error) {
	address, _ := opts["address"].(string)
	if address == "" {
		return nil, fmt.Errorf("grpc executor: address is required")
	}
	timeout, err := durationOption(opts, "timeout")
	if err != nil {
		return nil, err
	}

	dialOpts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOpts...)
	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("grpc executor: dial %s: %w", address, err)
	}
	return &GRPC{
		conn:    conn,
		client:  NewExecutorServiceClient(conn),
		address: address,
		timeout: timeout,
	}, nil
}

// GRPCFactory builds grpc executors; dialOpts apply to every connection.
func GRPCFactory(dialOpts ...grpc.DialOption) Factory {
	return func(opts map[string]any) (Executor, error) {
		return NewGRPC(opts, dialOpts...)
	}
}

func (g *GRPC) Kind() string { return KindGRPC }

func (g *GRPC) Execute(ctx context.Context, task Task) (Output, error) {
	req, err := EncodeTask(task)
	if err != nil {
		return Output{}, fmt.Errorf("grpc executor: encode: %w", err)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	resp, err := g.client.Execute(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Output{}, ctxErr
		}
		return Output{}, fmt.Errorf("grpc executor %s: %w", g.address, err)
	}
	return DecodeOutput(resp)
}

// Close the underlying connection.
func (g *GRPC) Close() error {
	return g.conn.Close()
}
