package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/executor"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server implements ExecutorService on top of a local executor so a
// dispatcher can run tasks on a remote worker process.
type Server struct {
	local  executor.Executor
	logger *slog.Logger

	// Client Registry
	mu      sync.RWMutex
	clients map[string]*ClientInfo
}

// ClientInfo tracks the dispatchers calling this worker.
type ClientInfo struct {
	Address  string
	Calls    int64
	Failures int64
	LastSeen time.Time
}

// NewServer creates a worker service around local.
func NewServer(local executor.Executor) *Server {
	return &Server{
		local:   local,
		logger:  slog.Default().With("component", "worker-server"),
		clients: make(map[string]*ClientInfo),
	}
}

// Execute decodes the task, runs it locally and returns the output. Task
// failures travel in the response; only malformed requests are RPC errors.
func (s *Server) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	task, err := executor.DecodeTask(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode task: %v", err)
	}

	start := time.Now()
	out, taskErr := s.local.Execute(ctx, task)
	s.record(ctx, taskErr != nil)

	s.logger.Info("task executed",
		"dispatch_id", task.DispatchID,
		"node_id", task.NodeID,
		"function", task.Function,
		"duration", time.Since(start),
		"error", taskErr)

	resp, err := executor.EncodeOutput(out, taskErr)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode output: %v", err)
	}
	return resp, nil
}

func (s *Server) record(ctx context.Context, failed bool) {
	addr := "unknown"
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		addr = p.Addr.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.clients[addr]
	if !ok {
		info = &ClientInfo{Address: addr}
		s.clients[addr] = info
	}
	info.Calls++
	if failed {
		info.Failures++
	}
	info.LastSeen = time.Now()
}

// Clients returns a copy of the client registry ordered by address.
func (s *Server) Clients() []ClientInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ClientInfo, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Serve registers s on a new grpc.Server and serves lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	gs := grpc.NewServer()
	executor.RegisterExecutorServiceServer(gs, s)

	errCh := make(chan error, 1)
	go func() {
		errCh <- gs.Serve(lis)
	}()
	s.logger.Info("worker listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		gs.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	}
}
