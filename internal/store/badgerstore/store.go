package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/internal/graph"
	"github.com/ChuLiYu/lattice-dispatch/internal/store"
	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
	"github.com/dgraph-io/badger/v4"
)

var log = slog.Default().With("component", "badgerstore")

// Store implements store.Store on Badger.
type Store struct {
	db      *badger.DB
	cfg     Config
	gcStop  chan struct{}
	gcDone  chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	graphs map[types.DispatchID]*graph.Transport
}

var _ store.Store = (*Store)(nil)

// Open opens the database and starts value log GC when configured.
func Open(cfg Config) (*Store, error) {
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 100
	}
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		cfg:    cfg,
		graphs: make(map[types.DispatchID]*graph.Transport),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.gcStop = make(chan struct{})
		s.gcDone = make(chan struct{})
		go runGC(db, cfg.GCInterval, cfg.GCDiscardRatio, s.gcStop, s.gcDone)
	}
	return s, nil
}

// ============================================================================
// key helpers
// ============================================================================

func dispatchKey(id types.DispatchID) []byte { return []byte("dispatch/" + string(id)) }
func edgesKey(id types.DispatchID) []byte    { return []byte("edges/" + string(id)) }
func nodePrefix(id types.DispatchID) []byte  { return []byte("node/" + string(id) + "/") }

func nodeKey(id types.DispatchID, n types.NodeID) []byte {
	return []byte(fmt.Sprintf("node/%s/%06d", id, n))
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, body)
}

func getDispatch(txn *badger.Txn, id types.DispatchID) (types.Dispatch, error) {
	var d types.Dispatch
	if err := getJSON(txn, dispatchKey(id), &d); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return d, fmt.Errorf("%w: %s", store.ErrDispatchNotFound, id)
		}
		return d, err
	}
	return d, nil
}

func getNode(txn *badger.Txn, id types.DispatchID, n types.NodeID) (types.Node, error) {
	var node types.Node
	if err := getJSON(txn, nodeKey(id, n), &node); err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			if _, derr := getDispatch(txn, id); derr != nil {
				return node, derr
			}
			return node, fmt.Errorf("%w: dispatch %s node %d", store.ErrNodeNotFound, id, n)
		}
		return node, err
	}
	return node, nil
}

func listNodes(txn *badger.Txn, id types.DispatchID) ([]types.Node, error) {
	prefix := nodePrefix(id)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
	defer it.Close()

	var nodes []types.Node
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		var n types.Node
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &n) }); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// update 在讀寫交易中執行 fn，遇到 ErrConflict 重試
func (s *Store) update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= s.cfg.ConflictRetries; attempt++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("badgerstore: giving up after %d conflicts: %w", s.cfg.ConflictRetries, err)
}

// ============================================================================
// store.Store
// ============================================================================

func (s *Store) CreateDispatch(ctx context.Context, rec *types.DispatchRecord) error {
	if err := store.ValidateRecord(rec); err != nil {
		return err
	}
	d := rec.Dispatch
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	d.NumNodes = len(rec.Nodes)

	return s.update(func(txn *badger.Txn) error {
		if _, err := txn.Get(dispatchKey(d.ID)); err == nil {
			return fmt.Errorf("%w: %s", store.ErrDuplicateDispatch, d.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := setJSON(txn, dispatchKey(d.ID), d); err != nil {
			return err
		}
		edges := rec.Edges
		if edges == nil {
			edges = []types.Edge{}
		}
		if err := setJSON(txn, edgesKey(d.ID), edges); err != nil {
			return err
		}
		for _, n := range rec.Nodes {
			if err := setJSON(txn, nodeKey(d.ID, n.ID), n); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetDispatch(ctx context.Context, id types.DispatchID) (types.Dispatch, error) {
	var d types.Dispatch
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		d, err = getDispatch(txn, id)
		return err
	})
	return d, err
}

func (s *Store) GetNode(ctx context.Context, id types.DispatchID, nodeID types.NodeID) (types.Node, error) {
	var n types.Node
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		n, err = getNode(txn, id, nodeID)
		return err
	})
	return n, err
}

func (s *Store) ListDispatches(ctx context.Context) ([]types.Dispatch, error) {
	out := make([]types.Dispatch, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("dispatch/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			var d types.Dispatch
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &d) }); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortDispatches(out)
	return out, nil
}

// transport 從快取或資料庫建立鄰接表
func (s *Store) transport(id types.DispatchID) (*graph.Transport, error) {
	s.mu.Lock()
	g, ok := s.graphs[id]
	s.mu.Unlock()
	if ok {
		return g, nil
	}

	var names []string
	var edges []types.Edge
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getDispatch(txn, id); err != nil {
			return err
		}
		nodes, err := listNodes(txn, id)
		if err != nil {
			return err
		}
		names = make([]string, len(nodes))
		for i, n := range nodes {
			names[i] = n.Name
		}
		return getJSON(txn, edgesKey(id), &edges)
	})
	if err != nil {
		return nil, err
	}

	g, err = graph.New(names, edges)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.graphs[id] = g
	s.mu.Unlock()
	return g, nil
}

func (s *Store) GetIncomingEdges(ctx context.Context, id types.DispatchID, nodeID types.NodeID) ([]types.IncomingEdge, error) {
	g, err := s.transport(id)
	if err != nil {
		return nil, err
	}
	if int(nodeID) < 0 || int(nodeID) >= g.NumNodes() {
		return nil, fmt.Errorf("%w: dispatch %s node %d", store.ErrNodeNotFound, id, nodeID)
	}
	return g.Incoming(nodeID), nil
}

func (s *Store) GetNodeSuccessors(ctx context.Context, id types.DispatchID, nodeID types.NodeID) ([]types.NodeID, error) {
	g, err := s.transport(id)
	if err != nil {
		return nil, err
	}
	if int(nodeID) < 0 || int(nodeID) >= g.NumNodes() {
		return nil, fmt.Errorf("%w: dispatch %s node %d", store.ErrNodeNotFound, id, nodeID)
	}
	return g.Successors(nodeID), nil
}

func (s *Store) GetGraphNodesLinks(ctx context.Context, id types.DispatchID) (types.NodeLink, error) {
	g, err := s.transport(id)
	if err != nil {
		return types.NodeLink{}, err
	}
	return g.NodeLink(), nil
}

func (s *Store) GetElectronAttribute(ctx context.Context, id types.DispatchID, nodeID types.NodeID, key string) (any, error) {
	n, err := s.GetNode(ctx, id, nodeID)
	if err != nil {
		return nil, err
	}
	return store.NodeAttribute(&n, key)
}

// UpdateNodeResult 節點與 dispatch 在同一個交易內更新
func (s *Store) UpdateNodeResult(ctx context.Context, id types.DispatchID, r types.NodeResult) error {
	return s.update(func(txn *badger.Txn) error {
		d, err := getDispatch(txn, id)
		if err != nil {
			return err
		}
		n, err := getNode(txn, id, r.NodeID)
		if err != nil {
			return err
		}
		before := d
		if err := store.ApplyNodeResultTo(&d, &n, r); err != nil {
			return err
		}
		if err := setJSON(txn, nodeKey(id, n.ID), n); err != nil {
			return err
		}
		if dispatchChanged(before, d) {
			return setJSON(txn, dispatchKey(id), d)
		}
		return nil
	})
}

// dispatchChanged 只比較 UpdateNodeResult 可能修改的欄位
func dispatchChanged(a, b types.Dispatch) bool {
	return a.CompletedElectronNum != b.CompletedElectronNum ||
		a.Status != b.Status ||
		a.EndTime != b.EndTime ||
		!bytes.Equal(a.Result, b.Result)
}

func (s *Store) UpdateDispatchResult(ctx context.Context, r types.DispatchResult) error {
	return s.update(func(txn *badger.Txn) error {
		d, err := getDispatch(txn, r.DispatchID)
		if err != nil {
			return err
		}
		if err := store.ApplyDispatchResult(&d, r); err != nil {
			return err
		}
		return setJSON(txn, dispatchKey(r.DispatchID), d)
	})
}

func (s *Store) GetDispatchAttributes(ctx context.Context, id types.DispatchID, keys ...string) (map[string]any, error) {
	d, err := s.GetDispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	return store.DispatchAttributes(d, keys...)
}

func (s *Store) nodes(id types.DispatchID) ([]types.Node, error) {
	var nodes []types.Node
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getDispatch(txn, id); err != nil {
			return err
		}
		var err error
		nodes, err = listNodes(txn, id)
		return err
	})
	return nodes, err
}

func (s *Store) GetIncompleteTasks(ctx context.Context, id types.DispatchID) (types.IncompleteTasks, error) {
	nodes, err := s.nodes(id)
	if err != nil {
		return types.IncompleteTasks{}, err
	}
	return store.IncompleteTasks(nodes), nil
}

func (s *Store) GetAllNodeOutputs(ctx context.Context, id types.DispatchID) (map[string]json.RawMessage, error) {
	nodes, err := s.nodes(id)
	if err != nil {
		return nil, err
	}
	return store.NodeOutputs(nodes), nil
}

// PersistResult 強制同步到磁碟
func (s *Store) PersistResult(ctx context.Context, id types.DispatchID) error {
	if _, err := s.GetDispatch(ctx, id); err != nil {
		return err
	}
	if s.cfg.InMemory {
		return nil
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("sync badger: %w", err)
	}
	return nil
}

func (s *Store) FinalizeDispatch(ctx context.Context, id types.DispatchID) error {
	if _, err := s.GetDispatch(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.graphs, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.gcStop != nil {
			close(s.gcStop)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}
