package store

// ============================================================================
// 記憶體版本的 Store
// ============================================================================
//
// 資料結構設計:
//   records map[DispatchID]*DispatchRecord - 單一真實來源
//   graphs  map[DispatchID]*graph.Transport - 鄰接表快取，FinalizeDispatch 時釋放
//
// 持久化（可選）:
//   - 每次寫入先追加到 WAL（write-ahead），再套用到記憶體
//   - PersistResult 寫入快照（含 LastSeq）並輪替 WAL
//   - 開啟時：載入快照 → 重放 LastSeq 之後的 WAL 事件
//
// 並發安全:
//   - sync.RWMutex 保護所有資料，UpdateNodeResult 在同一把鎖內完成讀改寫
//
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/graph"
	"github.com/ChuLiYu/lattice-dispatch/internal/snapshot"
	"github.com/ChuLiYu/lattice-dispatch/internal/storage/wal"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

var log = slog.Default()

// MemoryOptions 設定 WAL 與快照路徑；兩者皆空時為純記憶體模式
type MemoryOptions struct {
	WALPath      string
	SnapshotPath string
	SyncOnAppend bool
}

// Memory is a Store kept in process memory with optional journaling.
type Memory struct {
	mu      sync.RWMutex
	records map[types.DispatchID]*types.DispatchRecord
	graphs  map[types.DispatchID]*graph.Transport

	wal  *wal.WAL
	snap *snapshot.Manager
}

var _ Store = (*Memory)(nil)

// NewMemory 建立純記憶體 Store
func NewMemory() *Memory {
	return &Memory{
		records: make(map[types.DispatchID]*types.DispatchRecord),
		graphs:  make(map[types.DispatchID]*graph.Transport),
	}
}

// OpenMemory 建立 Store 並從快照與 WAL 恢復狀態
func OpenMemory(opts MemoryOptions) (*Memory, error) {
	m := NewMemory()

	var lastSeq uint64
	if opts.SnapshotPath != "" {
		m.snap = snapshot.NewManager(opts.SnapshotPath)
		data, err := m.snap.Load()
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		for id, rec := range data.Dispatches {
			m.records[id] = rec
		}
		lastSeq = data.LastSeq
	}

	if opts.WALPath != "" {
		w, err := wal.Open(opts.WALPath, wal.Options{SyncOnAppend: opts.SyncOnAppend, StartSeq: lastSeq})
		if err != nil {
			return nil, fmt.Errorf("open wal: %w", err)
		}
		replayed := 0
		err = w.Replay(func(ev wal.Event) error {
			if ev.Seq <= lastSeq {
				return nil
			}
			replayed++
			return m.applyEvent(ev)
		})
		if err != nil {
			w.Close()
			return nil, fmt.Errorf("replay wal: %w", err)
		}
		m.wal = w
		log.Info("memory store recovered", "dispatches", len(m.records), "snapshot_seq", lastSeq, "replayed", replayed)
	}

	return m, nil
}

// applyEvent 重放單一 WAL 事件；被拒絕的轉換在第一次寫入時也被拒絕過，略過即可
func (m *Memory) applyEvent(ev wal.Event) error {
	switch ev.Type {
	case wal.EventCreate:
		var rec types.DispatchRecord
		if err := json.Unmarshal(ev.Payload, &rec); err != nil {
			return err
		}
		m.records[rec.Dispatch.ID] = &rec
	case wal.EventNodeUpdate:
		var r types.NodeResult
		if err := json.Unmarshal(ev.Payload, &r); err != nil {
			return err
		}
		rec, ok := m.records[ev.DispatchID]
		if !ok {
			return nil
		}
		if err := ApplyNodeResult(rec, r); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
	case wal.EventDispatchUpdate:
		var r types.DispatchResult
		if err := json.Unmarshal(ev.Payload, &r); err != nil {
			return err
		}
		if rec, ok := m.records[ev.DispatchID]; ok {
			return ApplyDispatchResult(&rec.Dispatch, r)
		}
	default:
		log.Warn("unknown wal event type", "type", ev.Type, "seq", ev.Seq)
	}
	return nil
}

func (m *Memory) journal(typ wal.EventType, id types.DispatchID, nodeID types.NodeID, payload any) error {
	if m.wal == nil {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	if _, err := m.wal.Append(wal.Event{Type: typ, DispatchID: id, NodeID: nodeID, Payload: body}, false); err != nil {
		return fmt.Errorf("journal %s: %w", typ, err)
	}
	return nil
}

// record 需持有鎖
func (m *Memory) record(id types.DispatchID) (*types.DispatchRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDispatchNotFound, id)
	}
	return rec, nil
}

// transport 需持有寫鎖
func (m *Memory) transport(id types.DispatchID) (*graph.Transport, error) {
	if g, ok := m.graphs[id]; ok {
		return g, nil
	}
	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	g, err := graph.FromRecord(rec)
	if err != nil {
		return nil, err
	}
	m.graphs[id] = g
	return g, nil
}

func (m *Memory) CreateDispatch(ctx context.Context, rec *types.DispatchRecord) error {
	if err := ValidateRecord(rec); err != nil {
		return err
	}
	cp := CloneRecord(rec)
	if cp.Dispatch.CreatedAt.IsZero() {
		cp.Dispatch.CreatedAt = time.Now().UTC()
	}
	cp.Dispatch.NumNodes = len(cp.Nodes)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[cp.Dispatch.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDispatch, cp.Dispatch.ID)
	}
	if err := m.journal(wal.EventCreate, cp.Dispatch.ID, 0, cp); err != nil {
		return err
	}
	m.records[cp.Dispatch.ID] = cp
	return nil
}

func (m *Memory) GetDispatch(ctx context.Context, id types.DispatchID) (types.Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.record(id)
	if err != nil {
		return types.Dispatch{}, err
	}
	return rec.Dispatch, nil
}

func (m *Memory) GetNode(ctx context.Context, id types.DispatchID, nodeID types.NodeID) (types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.record(id)
	if err != nil {
		return types.Node{}, err
	}
	n, err := nodeAt(rec, nodeID)
	if err != nil {
		return types.Node{}, err
	}
	return *n, nil
}

func (m *Memory) ListDispatches(ctx context.Context) ([]types.Dispatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.Dispatch, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Dispatch)
	}
	SortDispatches(out)
	return out, nil
}

func (m *Memory) GetIncomingEdges(ctx context.Context, id types.DispatchID, nodeID types.NodeID) ([]types.IncomingEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.transport(id)
	if err != nil {
		return nil, err
	}
	if int(nodeID) < 0 || int(nodeID) >= g.NumNodes() {
		return nil, fmt.Errorf("%w: dispatch %s node %d", ErrNodeNotFound, id, nodeID)
	}
	return g.Incoming(nodeID), nil
}

func (m *Memory) GetNodeSuccessors(ctx context.Context, id types.DispatchID, nodeID types.NodeID) ([]types.NodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.transport(id)
	if err != nil {
		return nil, err
	}
	if int(nodeID) < 0 || int(nodeID) >= g.NumNodes() {
		return nil, fmt.Errorf("%w: dispatch %s node %d", ErrNodeNotFound, id, nodeID)
	}
	return g.Successors(nodeID), nil
}

func (m *Memory) GetGraphNodesLinks(ctx context.Context, id types.DispatchID) (types.NodeLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, err := m.transport(id)
	if err != nil {
		return types.NodeLink{}, err
	}
	return g.NodeLink(), nil
}

func (m *Memory) GetElectronAttribute(ctx context.Context, id types.DispatchID, nodeID types.NodeID, key string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	return ElectronAttribute(rec, nodeID, key)
}

// UpdateNodeResult 在同一把鎖內完成驗證、寫 WAL 與套用
func (m *Memory) UpdateNodeResult(ctx context.Context, id types.DispatchID, r types.NodeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.record(id)
	if err != nil {
		return err
	}

	// 先在副本上套用，確認合法後才寫 WAL
	staged := *rec
	staged.Nodes = append([]types.Node(nil), rec.Nodes...)
	if err := ApplyNodeResult(&staged, r); err != nil {
		return err
	}
	if err := m.journal(wal.EventNodeUpdate, id, r.NodeID, r); err != nil {
		return err
	}
	rec.Dispatch = staged.Dispatch
	rec.Nodes = staged.Nodes
	return nil
}

func (m *Memory) UpdateDispatchResult(ctx context.Context, r types.DispatchResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.record(r.DispatchID)
	if err != nil {
		return err
	}
	if err := m.journal(wal.EventDispatchUpdate, r.DispatchID, 0, r); err != nil {
		return err
	}
	return ApplyDispatchResult(&rec.Dispatch, r)
}

func (m *Memory) GetDispatchAttributes(ctx context.Context, id types.DispatchID, keys ...string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	return DispatchAttributes(rec.Dispatch, keys...)
}

func (m *Memory) GetIncompleteTasks(ctx context.Context, id types.DispatchID) (types.IncompleteTasks, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.record(id)
	if err != nil {
		return types.IncompleteTasks{}, err
	}
	return IncompleteTasks(rec.Nodes), nil
}

func (m *Memory) GetAllNodeOutputs(ctx context.Context, id types.DispatchID) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, err := m.record(id)
	if err != nil {
		return nil, err
	}
	return NodeOutputs(rec.Nodes), nil
}

// PersistResult 寫入快照並輪替 WAL；純記憶體模式下只檢查 dispatch 存在
func (m *Memory) PersistResult(ctx context.Context, id types.DispatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.record(id); err != nil {
		return err
	}
	if m.wal != nil {
		if err := m.wal.Flush(); err != nil {
			return fmt.Errorf("flush wal: %w", err)
		}
	}
	if m.snap == nil {
		return nil
	}

	data := types.SnapshotData{
		Dispatches: make(map[types.DispatchID]*types.DispatchRecord, len(m.records)),
	}
	for k, rec := range m.records {
		data.Dispatches[k] = rec
	}
	if m.wal != nil {
		data.LastSeq = m.wal.GetLastSeq()
	}
	if err := m.snap.Write(data); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if m.wal != nil {
		if err := m.wal.Rotate(); err != nil {
			return fmt.Errorf("rotate wal: %w", err)
		}
	}
	log.Debug("snapshot written", "dispatch_id", id, "last_seq", data.LastSeq)
	return nil
}

func (m *Memory) FinalizeDispatch(ctx context.Context, id types.DispatchID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.record(id); err != nil {
		return err
	}
	delete(m.graphs, id)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.wal == nil {
		return nil
	}
	return m.wal.Close()
}
