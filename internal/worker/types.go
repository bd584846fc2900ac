package worker

import (
	"context"
	"time"
)

// Task 代表要執行的工作單元
type Task struct {
	Key     string                          // 識別碼，用於日誌與結果對應（例如 dispatch/node）
	Parent  context.Context                 // 父 context，nil 時使用 Background
	Timeout time.Duration                   // 執行超時時間，0 表示不限制
	Run     func(ctx context.Context) error // 實際的工作內容
}

// Result 代表任務執行結果
type Result struct {
	Key      string        // 任務識別碼
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
