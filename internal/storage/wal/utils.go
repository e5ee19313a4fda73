package wal

// ============================================================================
// WAL 工具函式
// 職責：提供 WAL 相關的輔助功能
// ============================================================================

import (
	"encoding/json"
	"errors"
	"io"
	"os"
)

// replayFile 逐行解碼並驗證事件
func replayFile(path string, handler EventHandler) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return &CorruptionError{Seq: lastSeq, Offset: decoder.InputOffset(), Cause: err}
		}
		if expected := CalculateChecksum(event); event.Checksum != expected {
			return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
		}
		if err := handler(event); err != nil {
			return err
		}
		lastSeq = event.Seq
	}
}

// GetLastEvent 從 WAL 檔案讀取最後一個事件
//
// 從頭到尾掃描；檔案為空回傳 ErrEmptyWAL
func GetLastEvent(path string) (*Event, error) {
	var last *Event
	err := replayFile(path, func(e Event) error {
		ev := e
		last = &ev
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

// CountEvents 計算 WAL 中的事件總數
func CountEvents(path string) (int, error) {
	n := 0
	err := replayFile(path, func(Event) error {
		n++
		return nil
	})
	return n, err
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式與校驗和正確
// - seq 連續且無重複
func ValidateWAL(path string) error {
	var lastSeq uint64
	return replayFile(path, func(e Event) error {
		if e.Seq != lastSeq+1 {
			return &CorruptionError{Seq: lastSeq, Cause: errors.New("sequence gap")}
		}
		lastSeq = e.Seq
		return nil
	})
}

// Pending 重放 WAL，回傳尚未結束（沒有 COMPLETED/CANCELLED）的分發任務
// 依建立順序排列
func Pending(path string) ([]Event, error) {
	created := make(map[string]Event)
	seen := make(map[string]bool)
	var order []string
	err := replayFile(path, func(e Event) error {
		switch e.Type {
		case EventCreated:
			if !seen[e.DistributionID] {
				seen[e.DistributionID] = true
				order = append(order, e.DistributionID)
			}
			created[e.DistributionID] = e
		case EventCompleted, EventCancelled:
			delete(created, e.DistributionID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(created))
	for _, id := range order {
		if e, ok := created[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
