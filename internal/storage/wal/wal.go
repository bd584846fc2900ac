package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加 dispatch / 節點更新事件到日誌檔案（append-only）
// 2. 提供重放功能以恢復儲存狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 批次寫入設定
type Options struct {
	SyncOnAppend  bool          // 每次追加都強制同步
	BufferSize    int           // 緩衝事件數上限，預設 256
	FlushInterval time.Duration // 距離上次 flush 超過此時間即 flush，預設 1s
	StartSeq      uint64        // 序號下限（通常是快照的 LastSeq）
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號
	opts    Options
	closed  bool

	buffer        []Event // 批次寫入事件緩衝區
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
Open 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func Open(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create wal dir: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open wal %s: %w", path, err)
	}

	// 剛輪替過的檔案是空的，序號要從 .prev 接續
	seq := opts.StartSeq
	for _, p := range []string{path, path + ".prev"} {
		last, err := GetLastEvent(p)
		if errors.Is(err, ErrEmptyWAL) {
			continue
		}
		if err != nil {
			file.Close()
			return nil, err
		}
		if last.Seq > seq {
			seq = last.Seq
		}
		break
	}

	return &WAL{
		file:          file,
		encoder:       newEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq，填入時間戳與 checksum
// - 先加入 buffer，滿了、超時、forceFlush 或 SyncOnAppend 才寫入並同步
//
// 回傳：
//
//	事件序號，錯誤（如果寫入失敗）
func (w *WAL) Append(event Event, forceFlush bool) (uint64, error) {
	var compact bytes.Buffer
	if len(event.Payload) > 0 {
		if err := json.Compact(&compact, event.Payload); err != nil {
			return 0, fmt.Errorf("wal: invalid payload: %w", err)
		}
		event.Payload = compact.Bytes()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrWALClosed
	}

	w.seq++
	event.Seq = w.seq
	event.Timestamp = time.Now().UnixMilli()
	event.Checksum = CalculateChecksum(event)

	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event.Seq, err
		}
	}
	return event.Seq, nil
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件
// - 遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, handler)
}

// Flush 將緩衝事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Rotate 旋轉日誌檔案
//
// 舊檔保留為 <path>.prev（只保留一份）；seq 不歸零，
// 快照中的 LastSeq 才能判斷哪些事件需要重放
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.path, w.path+".prev"); err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	w.file = newFile
	w.encoder = newEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// Close 關閉 WAL；關閉後的實例不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Path WAL 檔案路徑
func (w *WAL) Path() string { return w.path }

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

func newEncoder(f FileInterface) *json.Encoder {
	enc := json.NewEncoder(f)
	// checksum 以原始 payload 位元組計算，不能讓 encoder 轉義
	enc.SetEscapeHTML(false)
	return enc
}

// flushLocked 內部方法，假設調用者已經持有 w.mu 鎖
// 將緩衝的事件批次寫入並同步到磁碟
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSyncFailed, err)
	}
	return nil
}

func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for decoder.More() {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}

		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event), Actual: event.Checksum}
		}

		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
	return nil
}
