package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加分發事件到日誌檔案（append-only）
// 2. 提供重放功能以找回未完成的分發任務
// 3. 支援日誌旋轉
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"encoding/json"
	"os"
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

// Defaults
const (
	DefaultBufferSize    = 256
	DefaultFlushInterval = time.Second
)

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu           sync.Mutex    // 保護並發寫入
	file         FileInterface // WAL 檔案
	encoder      *json.Encoder // JSON 編碼器
	path         string        // WAL 檔案路徑
	seq          uint64        // 當前事件序號
	syncOnAppend bool          // 是否每次追加都強制同步
	closed       bool

	buffer        []Event // 批次寫入事件緩衝區
	bufferSize    int
	lastFlushTime time.Time
	flushInterval time.Duration
	now           func() time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, syncOnAppend bool) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	var seq uint64
	stat, statErr := file.Stat()
	if statErr == nil && stat.Size() > 0 {
		// 損毀的尾端不阻擋開啟，Replay 會回報
		if lastEvent, err := GetLastEvent(path); err == nil {
			seq = lastEvent.Seq
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		syncOnAppend:  syncOnAppend,
		buffer:        make([]Event, 0, DefaultBufferSize),
		bufferSize:    DefaultBufferSize,
		lastFlushTime: time.Now(),
		flushInterval: DefaultFlushInterval,
		now:           time.Now,
	}, nil
}

// Path returns the journal file path.
func (w *WAL) Path() string { return w.path }

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 計算 checksum
// - syncOnAppend 或 forceFlush 時立即寫入，否則等 buffer 滿或超時
func (w *WAL) Append(rec Record, forceFlush bool) (Event, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Event{}, ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:              w.seq,
		Type:             rec.Type,
		DistributionID:   rec.DistributionID,
		GroupID:          rec.GroupID,
		MessageID:        rec.MessageID,
		Strategy:         rec.Strategy,
		Recipients:       rec.Recipients,
		Delivered:        rec.Delivered,
		Failed:           rec.Failed,
		FailedRecipients: append([]string(nil), rec.FailedRecipients...),
		Timestamp:        w.now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event)
	w.buffer = append(w.buffer, event)

	needFlush := forceFlush || w.syncOnAppend ||
		len(w.buffer) >= w.bufferSize ||
		time.Since(w.lastFlushTime) > w.flushInterval
	if needFlush {
		if err := w.flushLocked(); err != nil {
			return event, err
		}
	}
	return event, nil
}

// Flush writes buffered events and syncs.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放所有 WAL 事件
//
// 行為：
// - 先 flush buffer，再從頭讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 呼叫 handler 應用事件，遇到錯誤立即停止
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	return replayFile(w.path, handler)
}

// Rotate 旋轉日誌檔案：舊檔重新命名加上時間戳，seq 從 0 重新開始
func (w *WAL) Rotate() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", ErrWALClosed
	}

	if err := w.flushLocked(); err != nil {
		return "", err
	}
	if err := w.file.Close(); err != nil {
		return "", err
	}

	backupPath := w.path + "." + w.now().Format("20060102_150405.000")
	if err := os.Rename(w.path, backupPath); err != nil {
		return "", err
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		return "", err
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.seq = 0
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return backupPath, nil
}

// Close 關閉 WAL，之後的操作回傳 ErrWALClosed
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
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
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
	return w.file.Sync()
}
