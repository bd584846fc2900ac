package snapshot

// ============================================================================
// 職責說明：
// 1. 將所有 dispatch 紀錄序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止半寫入的檔案
// 3. 載入時驗證 schema 版本與 sha256 checksum
// 4. 配合 WAL 實現恢復：快照 LastSeq 之後的事件才需重放
//
// 檔案格式（schema 2）:
//   {
//     "dispatches": { "<dispatch_id>": DispatchRecord, ... },
//     "schema_ver": 2,
//     "last_seq":   1234,
//     "written_at": "2026-01-02T03:04:05Z",
//     "checksum":   "<hex sha256 of the other four fields>"
//   }
// ============================================================================

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/lattice-dispatch/pkg/types"
)

// SchemaVersion 目前的快照格式版本；2 起加入 written_at 與 checksum
const SchemaVersion = 2

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrChecksumMismatch    = errors.New("snapshot checksum mismatch")
)

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// checksum 對 checksum 以外的欄位做 sha256；json.Marshal 會排序 map key
func checksum(data types.SnapshotData) (string, error) {
	body, err := json.Marshal(struct {
		Dispatches map[types.DispatchID]*types.DispatchRecord `json:"dispatches"`
		SchemaVer  int                                        `json:"schema_ver"`
		LastSeq    uint64                                     `json:"last_seq"`
		WrittenAt  time.Time                                  `json:"written_at"`
	}{data.Dispatches, data.SchemaVer, data.LastSeq, data.WrittenAt})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Write replaces the snapshot atomically. SchemaVer, WrittenAt and Checksum
// of data are overwritten.
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if data.Dispatches == nil {
		data.Dispatches = make(map[types.DispatchID]*types.DispatchRecord)
	}
	data.SchemaVer = SchemaVersion
	data.WrittenAt = m.now().UTC()

	sum, err := checksum(data)
	if err != nil {
		return fmt.Errorf("failed to checksum snapshot: %w", err)
	}
	data.Checksum = sum

	body, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := writeSynced(tmpPath, body); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads and verifies the snapshot. A missing file is a first boot and
// yields empty data at the current schema version.
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	body, err := os.ReadFile(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return types.SnapshotData{
			Dispatches: make(map[types.DispatchID]*types.DispatchRecord),
			SchemaVer:  SchemaVersion,
		}, nil
	}
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data types.SnapshotData
	if err := json.Unmarshal(body, &data); err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return types.SnapshotData{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}

	want, err := checksum(data)
	if err != nil {
		return types.SnapshotData{}, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.Checksum != want {
		return types.SnapshotData{}, fmt.Errorf("%w: %s", ErrChecksumMismatch, m.path)
	}

	if data.Dispatches == nil {
		data.Dispatches = make(map[types.DispatchID]*types.DispatchRecord)
	}
	return data, nil
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 測試與除錯用
func (m *Manager) GetPath() string {
	return m.path
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
