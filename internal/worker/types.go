package worker

import (
	"context"
	"time"
)

// Task 代表要執行的任務
type Task struct {
	ID      string                          // 任務唯一識別碼（例如 distributionID/chunk-3）
	Run     func(ctx context.Context) error // 任務邏輯
	Timeout time.Duration                   // 執行超時時間，0 表示不限
}

// Result 代表任務執行結果
type Result struct {
	TaskID   string        // 任務 ID
	WorkerID int           // 執行的 Worker
	Success  bool          // 執行是否成功
	Error    error         // 錯誤訊息（如果有）
	Duration time.Duration // 實際執行時間
}
