// Package store defines the graph and result store that every dispatch reads
// its DAG from and writes node and workflow results to.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrDispatchNotFound dispatch 不存在
	ErrDispatchNotFound = errors.New("dispatch not found")
	// ErrNodeNotFound 節點編號不在圖中
	ErrNodeNotFound = errors.New("node not found")
	// ErrDuplicateDispatch dispatch ID 重複
	ErrDuplicateDispatch = errors.New("dispatch already exists")
	// ErrInvalidTransition 終止狀態不可再轉換
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownAttribute 屬性名稱不存在
	ErrUnknownAttribute = errors.New("unknown attribute")
)

// Electron attribute keys accepted by GetElectronAttribute.
const (
	AttrName         = "name"
	AttrExecutor     = "executor"
	AttrExecutorData = "executor_data"
	AttrValue        = "value"
	AttrStatus       = "status"
	AttrOutput       = "output"
)

// Store is the persistence boundary of the dispatcher. Implementations must
// make UpdateNodeResult a single atomic read-modify-write so concurrent
// runners never lose a completed_electron_num increment.
type Store interface {
	CreateDispatch(ctx context.Context, rec *types.DispatchRecord) error
	GetDispatch(ctx context.Context, id types.DispatchID) (types.Dispatch, error)
	GetNode(ctx context.Context, id types.DispatchID, nodeID types.NodeID) (types.Node, error)
	ListDispatches(ctx context.Context) ([]types.Dispatch, error)

	GetIncomingEdges(ctx context.Context, id types.DispatchID, nodeID types.NodeID) ([]types.IncomingEdge, error)
	// GetNodeSuccessors returns one entry per outgoing edge.
	GetNodeSuccessors(ctx context.Context, id types.DispatchID, nodeID types.NodeID) ([]types.NodeID, error)
	GetGraphNodesLinks(ctx context.Context, id types.DispatchID) (types.NodeLink, error)
	GetElectronAttribute(ctx context.Context, id types.DispatchID, nodeID types.NodeID, key string) (any, error)

	UpdateNodeResult(ctx context.Context, id types.DispatchID, result types.NodeResult) error
	UpdateDispatchResult(ctx context.Context, result types.DispatchResult) error
	GetDispatchAttributes(ctx context.Context, id types.DispatchID, keys ...string) (map[string]any, error)
	GetIncompleteTasks(ctx context.Context, id types.DispatchID) (types.IncompleteTasks, error)
	GetAllNodeOutputs(ctx context.Context, id types.DispatchID) (map[string]json.RawMessage, error)

	// PersistResult makes everything written for id durable.
	PersistResult(ctx context.Context, id types.DispatchID) error
	// FinalizeDispatch releases per-dispatch caches once a run is over.
	FinalizeDispatch(ctx context.Context, id types.DispatchID) error
	Close() error
}

// ElectronRaw reads a JSON attribute (value or output) of a node.
func ElectronRaw(ctx context.Context, s Store, id types.DispatchID, nodeID types.NodeID, key string) (json.RawMessage, error) {
	v, err := s.GetElectronAttribute(ctx, id, nodeID, key)
	if err != nil {
		return nil, err
	}
	raw, _ := v.(json.RawMessage)
	return raw, nil
}

// ElectronString reads a string attribute (name, executor, status) of a node.
func ElectronString(ctx context.Context, s Store, id types.DispatchID, nodeID types.NodeID, key string) (string, error) {
	v, err := s.GetElectronAttribute(ctx, id, nodeID, key)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case types.Status:
		return string(x), nil
	}
	return "", nil
}
