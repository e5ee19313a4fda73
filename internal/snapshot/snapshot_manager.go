package snapshot

// ============================================================================
// 職責說明：
// 1. 將歷史快照索引序列化為 JSON 檔
// 2. 使用原子性寫入（temp file + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 讓重啟後仍能以快照作為新成員的同步基準
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// SchemaVersion 目前的檔案格式版本
const SchemaVersion = 1

// ============================================================================
// 資料結構定義
// ============================================================================

// Data 快照檔內容
type Data struct {
	SchemaVer int                              `json:"schema_ver"`
	UpdatedAt int64                            `json:"updated_at"`
	Snapshots map[string]types.HistorySnapshot `json:"snapshots"` // snapshotID -> snapshot
}

func emptyData() Data {
	return Data{SchemaVer: SchemaVersion, Snapshots: make(map[string]types.HistorySnapshot)}
}

// Manager 快照管理器
type Manager struct {
	path string     // 快照檔案路徑
	mu   sync.Mutex // 保護檔案操作
	now  func() time.Time
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write 原子性寫入快照
//
// 使用原子性寫入流程：
// 1. 寫入臨時檔案（.tmp）
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data Data) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data Data) error {
	data.SchemaVer = SchemaVersion
	data.UpdatedAt = m.now().UnixMilli()
	if data.Snapshots == nil {
		data.Snapshots = make(map[string]types.HistorySnapshot)
	}

	// 帶縮排，方便人工閱讀與除錯
	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, jsonBytes, 0644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 行為：
//   - 如果檔案不存在，回傳空的 Data（首次啟動）
//   - 驗證 schema 版本是否相容
//   - 偵測損壞的快照檔案
func (m *Manager) Load() (Data, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() (Data, error) {
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyData(), nil
		}
		return Data{}, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var data Data
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	if data.Snapshots == nil {
		data.Snapshots = make(map[string]types.HistorySnapshot)
	}
	return data, nil
}

// ============================================================================
// 單筆操作
// ============================================================================

// Put 新增或覆蓋一筆歷史快照，並清除已過期的快照
func (m *Manager) Put(s types.HistorySnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.loadLocked()
	if err != nil {
		return err
	}
	now := m.now()
	for id, existing := range data.Snapshots {
		if existing.Expired(now) {
			delete(data.Snapshots, id)
		}
	}
	data.Snapshots[s.SnapshotID] = s
	return m.writeLocked(data)
}

// Delete 移除一筆快照，不存在時不做事
func (m *Manager) Delete(snapshotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := data.Snapshots[snapshotID]; !ok {
		return nil
	}
	delete(data.Snapshots, snapshotID)
	return m.writeLocked(data)
}

// All 回傳所有快照，依時間排序
func (m *Manager) All() ([]types.HistorySnapshot, error) {
	data, err := m.Load()
	if err != nil {
		return nil, err
	}
	out := make([]types.HistorySnapshot, 0, len(data.Snapshots))
	for _, s := range data.Snapshots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].SnapshotID < out[j].SnapshotID
	})
	return out, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑（用於測試與除錯）
func (m *Manager) GetPath() string {
	return m.path
}

// ============================================================================
// 備份
// ============================================================================

// WriteWithBackup 寫入快照並保留舊版本備份
//
// 只保留最近 keepBackups 個備份，keepBackups <= 0 時不保留
func (m *Manager) WriteWithBackup(data Data, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Exists() && keepBackups > 0 {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().Format("20060102_150405.000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
		if err := m.pruneBackups(keepBackups); err != nil {
			return err
		}
	}
	return m.writeLocked(data)
}

// Backups 列出備份檔，最舊的在前
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".2*")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

func (m *Manager) pruneBackups(keep int) error {
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
