package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭掃描到尾，回傳最後一個成功驗證的事件；
// 檔案不存在或沒有事件時回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中的事件總數（除錯與診斷用）
func CountEvents(path string) (int, error) {
	count := 0
	err := replayFile(path, func(Event) error {
		count++
		return nil
	})
	return count, err
}
