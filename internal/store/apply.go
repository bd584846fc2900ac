package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

// ============================================================================
// 共用的狀態轉換邏輯，memory 與 badger 兩種後端都呼叫這裡
// ============================================================================

// ApplyNodeResult writes the set fields of r onto rec in place.
//
// 規則：
//   - 只寫入有設定的欄位
//   - 終止狀態 → 不同狀態：ErrInvalidTransition
//   - 終止狀態 → 相同狀態：不做任何事（不會重複累加 completed_electron_num）
//   - 轉為 COMPLETED 時 completed_electron_num + 1
//   - 後處理節點帶 end_time 時，把 output/status/end_time 複製到 dispatch
func ApplyNodeResult(rec *types.DispatchRecord, r types.NodeResult) error {
	node, err := nodeAt(rec, r.NodeID)
	if err != nil {
		return err
	}
	return ApplyNodeResultTo(&rec.Dispatch, node, r)
}

// ApplyNodeResultTo is ApplyNodeResult for backends that load one node at a
// time instead of the whole record.
func ApplyNodeResultTo(d *types.Dispatch, node *types.Node, r types.NodeResult) error {
	if r.Status != "" {
		if node.Status.IsTerminal() {
			if r.Status == node.Status {
				return nil
			}
			return fmt.Errorf("%w: node %d %s -> %s", ErrInvalidTransition, r.NodeID, node.Status, r.Status)
		}
		if r.Status == types.StatusNewObject && node.Status != types.StatusNewObject {
			return fmt.Errorf("%w: node %d %s -> %s", ErrInvalidTransition, r.NodeID, node.Status, r.Status)
		}
	}

	if r.StartTime != nil {
		node.StartTime = r.StartTime
	}
	if r.EndTime != nil {
		node.EndTime = r.EndTime
	}
	if r.Status != "" {
		if r.Status == types.StatusCompleted && node.Status != types.StatusCompleted {
			d.CompletedElectronNum++
		}
		node.Status = r.Status
	}
	if r.Output != nil {
		node.Output = r.Output
	}
	if r.Error != nil {
		node.Error = *r.Error
	}
	if r.Stdout != nil {
		node.Stdout = *r.Stdout
	}
	if r.Stderr != nil {
		node.Stderr = *r.Stderr
	}
	if r.SubDispatchID != "" {
		node.SubDispatchID = r.SubDispatchID
	}

	if types.IsPostprocess(node.Name) && r.EndTime != nil {
		d.Result = node.Output
		d.Status = node.Status
		d.EndTime = node.EndTime
	}
	return nil
}

// ApplyDispatchResult writes the set fields of r onto the dispatch.
func ApplyDispatchResult(d *types.Dispatch, r types.DispatchResult) error {
	if r.Status != "" {
		d.Status = r.Status
	}
	if r.StartTime != nil {
		d.StartTime = r.StartTime
	}
	if r.EndTime != nil {
		d.EndTime = r.EndTime
	}
	if r.Error != nil {
		d.Error = *r.Error
	}
	if r.Result != nil {
		d.Result = r.Result
	}
	return nil
}

func nodeAt(rec *types.DispatchRecord, id types.NodeID) (*types.Node, error) {
	if int(id) < 0 || int(id) >= len(rec.Nodes) || rec.Nodes[id].ID != id {
		return nil, fmt.Errorf("%w: dispatch %s node %d", ErrNodeNotFound, rec.Dispatch.ID, id)
	}
	return &rec.Nodes[id], nil
}

// ElectronAttribute looks up one attribute of a node.
func ElectronAttribute(rec *types.DispatchRecord, id types.NodeID, key string) (any, error) {
	node, err := nodeAt(rec, id)
	if err != nil {
		return nil, err
	}
	return NodeAttribute(node, key)
}

// NodeAttribute reads key from a loaded node.
func NodeAttribute(node *types.Node, key string) (any, error) {
	switch key {
	case AttrName:
		return node.Name, nil
	case AttrExecutor:
		return node.Executor, nil
	case AttrExecutorData:
		return node.ExecutorData, nil
	case AttrValue:
		return node.Value, nil
	case AttrStatus:
		return node.Status, nil
	case AttrOutput:
		return node.Output, nil
	}
	return nil, fmt.Errorf("%w: electron %q", ErrUnknownAttribute, key)
}

// DispatchAttributes returns the requested dispatch fields keyed by name.
func DispatchAttributes(d types.Dispatch, keys ...string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		switch k {
		case "dispatch_id":
			out[k] = d.ID
		case "root_dispatch_id":
			out[k] = d.RootID
		case "parent_dispatch_id":
			out[k] = d.ParentID
		case "parent_node_id":
			out[k] = d.ParentNodeID
		case "name":
			out[k] = d.Name
		case "status":
			out[k] = d.Status
		case "start_time":
			out[k] = d.StartTime
		case "end_time":
			out[k] = d.EndTime
		case "error":
			out[k] = d.Error
		case "result":
			out[k] = d.Result
		case "num_nodes":
			out[k] = d.NumNodes
		case "completed_electron_num":
			out[k] = d.CompletedElectronNum
		default:
			return nil, fmt.Errorf("%w: dispatch %q", ErrUnknownAttribute, k)
		}
	}
	return out, nil
}

// IncompleteTasks collects failed and cancelled nodes in id order.
func IncompleteTasks(nodes []types.Node) types.IncompleteTasks {
	out := types.IncompleteTasks{Failed: []types.TaskRef{}, Cancelled: []types.TaskRef{}}
	for _, n := range nodes {
		switch n.Status {
		case types.StatusFailed:
			out.Failed = append(out.Failed, types.TaskRef{NodeID: n.ID, Name: n.Name})
		case types.StatusCancelled:
			out.Cancelled = append(out.Cancelled, types.TaskRef{NodeID: n.ID, Name: n.Name})
		}
	}
	return out
}

// NodeOutputs keys every node output by "name(id)".
func NodeOutputs(nodes []types.Node) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(nodes))
	for _, n := range nodes {
		out[fmt.Sprintf("%s(%d)", n.Name, n.ID)] = n.Output
	}
	return out
}

// ValidateRecord checks that node ids are dense and the dispatch id is set.
func ValidateRecord(rec *types.DispatchRecord) error {
	if rec == nil || rec.Dispatch.ID == "" {
		return fmt.Errorf("store: dispatch id is required")
	}
	for i, n := range rec.Nodes {
		if int(n.ID) != i {
			return fmt.Errorf("%w: node at position %d has id %d", ErrNodeNotFound, i, n.ID)
		}
	}
	return nil
}

// CloneRecord copies rec deeply enough that later Apply calls on the copy
// never touch the original.
func CloneRecord(rec *types.DispatchRecord) *types.DispatchRecord {
	cp := &types.DispatchRecord{
		Dispatch: rec.Dispatch,
		Nodes:    make([]types.Node, len(rec.Nodes)),
		Edges:    append([]types.Edge(nil), rec.Edges...),
	}
	copy(cp.Nodes, rec.Nodes)
	for i := range cp.Nodes {
		if data := cp.Nodes[i].ExecutorData; data != nil {
			m := make(map[string]any, len(data))
			for k, v := range data {
				m[k] = v
			}
			cp.Nodes[i].ExecutorData = m
		}
	}
	return cp
}

// SortDispatches orders by creation time, then id.
func SortDispatches(ds []types.Dispatch) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].ID < ds[j].ID
	})
}

// ============================================================================
// GenerateDispatchResult
// ============================================================================

// ResultOption sets one field of a DispatchResult.
type ResultOption func(*types.DispatchResult)

// WithStatus sets the status.
func WithStatus(s types.Status) ResultOption {
	return func(r *types.DispatchResult) { r.Status = s }
}

// WithStartTime sets start_time.
func WithStartTime(t time.Time) ResultOption {
	return func(r *types.DispatchResult) { r.StartTime = &t }
}

// WithEndTime sets end_time.
func WithEndTime(t time.Time) ResultOption {
	return func(r *types.DispatchResult) { r.EndTime = &t }
}

// WithError sets the error text.
func WithError(msg string) ResultOption {
	return func(r *types.DispatchResult) { r.Error = &msg }
}

// WithResult sets the workflow result.
func WithResult(v json.RawMessage) ResultOption {
	return func(r *types.DispatchResult) { r.Result = v }
}

// GenerateDispatchResult builds a partial dispatch update.
func GenerateDispatchResult(id types.DispatchID, opts ...ResultOption) types.DispatchResult {
	r := types.DispatchResult{DispatchID: id}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}
