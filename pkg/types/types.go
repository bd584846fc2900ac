// Package types 定義了 lattice-dispatch 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// DispatchID 工作流程執行實例的唯一識別碼
type DispatchID string

// NodeID 節點在所屬 dispatch 圖中的編號（0..n-1）
type NodeID int

// Status 節點與 dispatch 共用的狀態
type Status string

// 定義狀態常數
const (
	StatusNewObject            Status = "NEW_OBJECT"            // 尚未執行
	StatusRunning              Status = "RUNNING"               // 執行中
	StatusDispatching          Status = "DISPATCHING"           // 子工作流程已派發，等待其結束
	StatusCompleted            Status = "COMPLETED"             // 成功完成
	StatusFailed               Status = "FAILED"                // 執行失敗
	StatusCancelled            Status = "CANCELLED"             // 已取消
	StatusPostprocessingFailed Status = "POSTPROCESSING_FAILED" // 後處理失敗（僅出現在 dispatch 上）
)

// IsTerminal 判斷是否為終止狀態
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusPostprocessingFailed:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// 保留的節點名稱前綴
const (
	ParameterPrefix   = ":parameter:"
	PostprocessPrefix = ":postprocess:"
	SublatticePrefix  = ":sublattice:"
)

// IsParameter 參數節點攜帶字面值，不經過 executor
func IsParameter(name string) bool { return strings.HasPrefix(name, ParameterPrefix) }

// IsPostprocess 後處理節點完成時會寫回 dispatch 的結果
func IsPostprocess(name string) bool { return strings.HasPrefix(name, PostprocessPrefix) }

// IsSublattice 子工作流程節點
func IsSublattice(name string) bool { return strings.HasPrefix(name, SublatticePrefix) }

// TrimReserved 移除保留前綴，回傳任務本身的名稱
func TrimReserved(name string) string {
	for _, p := range []string{ParameterPrefix, PostprocessPrefix, SublatticePrefix} {
		if strings.HasPrefix(name, p) {
			return strings.TrimPrefix(name, p)
		}
	}
	return name
}

// ParamType 邊所提供的參數種類
type ParamType string

const (
	ParamArg   ParamType = "arg"   // 位置參數
	ParamKwarg ParamType = "kwarg" // 具名參數
)

// EdgeAttrs 邊的屬性
type EdgeAttrs struct {
	ParamType ParamType `json:"param_type,omitempty"`
	ArgIndex  int       `json:"arg_index,omitempty"`
	EdgeName  string    `json:"edge_name,omitempty"`
	WaitFor   bool      `json:"wait_for,omitempty"` // 只用於排序，不提供值
}

// Edge 父節點 → 子節點
type Edge struct {
	Source NodeID    `json:"source"`
	Target NodeID    `json:"target"`
	Attrs  EdgeAttrs `json:"attrs"`
}

// IncomingEdge 某節點的一條入邊
type IncomingEdge struct {
	Source NodeID    `json:"source"`
	Attrs  EdgeAttrs `json:"attrs"`
}

// Node 圖中的一個任務實例（electron）
type Node struct {
	ID            NodeID          `json:"node_id"`
	Name          string          `json:"name"`
	Status        Status          `json:"status"`
	StartTime     *time.Time      `json:"start_time,omitempty"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	Stdout        string          `json:"stdout,omitempty"`
	Stderr        string          `json:"stderr,omitempty"`
	Executor      string          `json:"executor,omitempty"`
	ExecutorData  map[string]any  `json:"executor_data,omitempty"`
	Value         json.RawMessage `json:"value,omitempty"`
	SubDispatchID DispatchID      `json:"sub_dispatch_id,omitempty"`
}

// Dispatch 一次工作流程執行的結果紀錄
type Dispatch struct {
	ID                   DispatchID      `json:"dispatch_id"`
	RootID               DispatchID      `json:"root_dispatch_id"`
	ParentID             DispatchID      `json:"parent_dispatch_id,omitempty"` // 只有子工作流程才有
	ParentNodeID         NodeID          `json:"parent_node_id,omitempty"`
	Name                 string          `json:"name,omitempty"`
	Status               Status          `json:"status"`
	StartTime            *time.Time      `json:"start_time,omitempty"`
	EndTime              *time.Time      `json:"end_time,omitempty"`
	Error                string          `json:"error,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	NumNodes             int             `json:"num_nodes"`
	CompletedElectronNum int             `json:"completed_electron_num"`
	CreatedAt            time.Time       `json:"created_at"`
}

// IsSubdispatch 是否為子工作流程
func (d Dispatch) IsSubdispatch() bool { return d.ParentID != "" }

// DispatchRecord dispatch 與其圖的完整內容，作為儲存與快照單位
type DispatchRecord struct {
	Dispatch Dispatch `json:"dispatch"`
	Nodes    []Node   `json:"nodes"`
	Edges    []Edge   `json:"edges"`
}

// NodeResult 節點更新；零值欄位表示不修改
type NodeResult struct {
	NodeID        NodeID          `json:"node_id"`
	StartTime     *time.Time      `json:"start_time,omitempty"`
	EndTime       *time.Time      `json:"end_time,omitempty"`
	Status        Status          `json:"status,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *string         `json:"error,omitempty"`
	Stdout        *string         `json:"stdout,omitempty"`
	Stderr        *string         `json:"stderr,omitempty"`
	SubDispatchID DispatchID      `json:"sub_dispatch_id,omitempty"`
}

// DispatchResult dispatch 更新；零值欄位表示不修改
type DispatchResult struct {
	DispatchID DispatchID      `json:"dispatch_id"`
	Status     Status          `json:"status,omitempty"`
	StartTime  *time.Time      `json:"start_time,omitempty"`
	EndTime    *time.Time      `json:"end_time,omitempty"`
	Error      *string         `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// EventDetail 狀態事件的附加資料
type EventDetail struct {
	SubDispatchID DispatchID `json:"sub_dispatch_id,omitempty"`
}

// StatusEvent 由 runner 或子工作流程送回事件迴圈的 (node_id, status, detail)
type StatusEvent struct {
	NodeID NodeID      `json:"node_id"`
	Status Status      `json:"status"`
	Detail EventDetail `json:"detail"`
}

// AbstractInputs 尚未解析的輸入：值為父節點編號
type AbstractInputs struct {
	Args   []NodeID          `json:"args"`
	Kwargs map[string]NodeID `json:"kwargs"`
}

// TaskRef (node_id, name)
type TaskRef struct {
	NodeID NodeID `json:"node_id"`
	Name   string `json:"name"`
}

// IncompleteTasks 失敗與取消的節點
type IncompleteTasks struct {
	Failed    []TaskRef `json:"failed"`
	Cancelled []TaskRef `json:"cancelled"`
}

// NodeLink 圖的 node-link 序列化形式
type NodeLink struct {
	Directed   bool           `json:"directed"`
	Multigraph bool           `json:"multigraph"`
	Nodes      []NodeLinkNode `json:"nodes"`
	Links      []Edge         `json:"links"`
}

// NodeLinkNode node-link 形式中的節點
type NodeLinkNode struct {
	ID   NodeID `json:"id"`
	Name string `json:"name"`
}

// ParentRef 子工作流程所屬的父節點
type ParentRef struct {
	DispatchID DispatchID `json:"dispatch_id"`
	NodeID     NodeID     `json:"node_id"`
}

// IsZero 沒有父節點（頂層工作流程）
func (p ParentRef) IsZero() bool { return p.DispatchID == "" }

// LatticeSpec 工作流程定義，用於規劃新的 dispatch；子工作流程任務的輸出也是這個格式
type LatticeSpec struct {
	Name  string     `json:"name"`
	Nodes []NodeSpec `json:"nodes"`
	Edges []Edge     `json:"edges"`
}

// NodeSpec 工作流程定義中的節點
type NodeSpec struct {
	ID           NodeID          `json:"id"`
	Name         string          `json:"name"`
	Executor     string          `json:"executor,omitempty"`
	ExecutorData map[string]any  `json:"executor_data,omitempty"`
	Value        json.RawMessage `json:"value,omitempty"`
}

// SnapshotData 快照資料，用於系統狀態的持久化和恢復
type SnapshotData struct {
	Dispatches map[DispatchID]*DispatchRecord `json:"dispatches"` // 所有 dispatch 的完整資料
	SchemaVer  int                            `json:"schema_ver"` // 資料結構版本號
	LastSeq    uint64                         `json:"last_seq"`   // 最後處理的 WAL 序號
	WrittenAt  time.Time                      `json:"written_at"`
	Checksum   string                         `json:"checksum"` // sha256，不含本欄位
}
