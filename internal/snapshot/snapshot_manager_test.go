package snapshot

// ============================================================================
// Snapshot Manager 測試檔案
// 職責：驗證快照的原子性寫入、載入、版本驗證與錯誤處理
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

func snap(id, group string, ts time.Time) types.HistorySnapshot {
	return types.HistorySnapshot{
		SnapshotID:     id,
		GroupID:        group,
		Timestamp:      ts.UnixMilli(),
		MessageCount:   10,
		CompressedSize: 300,
		Checksum:       "abc",
		ExpiresAt:      ts.Add(types.SnapshotValidity).UnixMilli(),
	}
}

// ============================================================================
// 基礎功能測試
// ============================================================================

// TestNewManager 測試建立管理器
func TestNewManager(t *testing.T) {
	manager := NewManager("test_snapshot.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "test_snapshot.json", manager.GetPath())
}

// TestWriteAndLoad 測試寫入與載入快照
func TestWriteAndLoad(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "history_snapshots.json")
	manager := NewManager(snapshotPath)

	now := time.Now()
	original := Data{Snapshots: map[string]types.HistorySnapshot{
		"s1": snap("s1", "g1", now),
		"s2": snap("s2", "g2", now.Add(time.Second)),
	}}
	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.NotZero(t, loaded.UpdatedAt)
	assert.Equal(t, original.Snapshots, loaded.Snapshots)
}

// TestPutDeleteAll 測試單筆操作
func TestPutDeleteAll(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "history_snapshots.json"))
	now := time.Now()

	require.NoError(t, manager.Put(snap("b", "g1", now.Add(time.Second))))
	require.NoError(t, manager.Put(snap("a", "g1", now)))

	all, err := manager.All()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].SnapshotID)

	require.NoError(t, manager.Delete("a"))
	require.NoError(t, manager.Delete("missing"))
	all, err = manager.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].SnapshotID)
}

// TestPutDropsExpired 新增時清除過期快照
func TestPutDropsExpired(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "history_snapshots.json"))
	now := time.Now()

	require.NoError(t, manager.Put(snap("old", "g1", now.Add(-2*types.SnapshotValidity))))
	require.NoError(t, manager.Put(snap("fresh", "g1", now)))

	all, err := manager.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "fresh", all[0].SnapshotID)
}

// TestAtomicWrite 測試原子性寫入（關鍵測試）
func TestAtomicWrite(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "history_snapshots.json")
	manager := NewManager(snapshotPath)
	now := time.Now()

	require.NoError(t, manager.Write(Data{Snapshots: map[string]types.HistorySnapshot{"old": snap("old", "g", now)}}))

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		err := manager.Write(Data{Snapshots: map[string]types.HistorySnapshot{"new": snap("new", "g", now)}})
		assert.NoError(t, err)
	}()

	var loaded Data
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		data, err := manager.Load()
		assert.NoError(t, err)
		loaded = data
	}()
	wg.Wait()

	// 應該讀到完整的快照（舊的或新的），不會是半成品
	require.Len(t, loaded.Snapshots, 1)
	_, hasOld := loaded.Snapshots["old"]
	_, hasNew := loaded.Snapshots["new"]
	assert.True(t, hasOld || hasNew)

	_, err := os.Stat(snapshotPath + ".tmp")
	assert.True(t, os.IsNotExist(err), "Temp file should not exist after write")
}

// TestExists 測試檔案存在性檢查
func TestExists(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "history_snapshots.json"))
	assert.False(t, manager.Exists())
	require.NoError(t, manager.Write(Data{}))
	assert.True(t, manager.Exists())
}

// ============================================================================
// 錯誤處理測試
// ============================================================================

// TestFirstBoot 測試首次啟動（無快照）
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "non_existent.json"))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, loaded.SchemaVer)
	assert.NotNil(t, loaded.Snapshots)
	assert.Empty(t, loaded.Snapshots)
}

// TestVersionMismatch 測試版本不相容
func TestVersionMismatch(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "history_snapshots.json")
	manager := NewManager(snapshotPath)

	jsonBytes, err := json.Marshal(Data{SchemaVer: 2})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(snapshotPath, jsonBytes, 0644))

	_, err = manager.Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// TestCorrupted 測試損壞的快照
func TestCorrupted(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "history_snapshots.json")
	manager := NewManager(snapshotPath)

	require.NoError(t, os.WriteFile(snapshotPath, []byte(`{"snapshots": {"s1": {"snapshot_id": "s1"`), 0644))

	_, err := manager.Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
	assert.ErrorIs(t, manager.Put(snap("x", "g", time.Now())), ErrCorruptedSnapshot)
}

// TestWriteFailure 測試寫入失敗（唯讀目錄）
func TestWriteFailure(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	readOnlyDir := filepath.Join(t.TempDir(), "readonly")
	require.NoError(t, os.Mkdir(readOnlyDir, 0555))
	defer os.Chmod(readOnlyDir, 0755)

	manager := NewManager(filepath.Join(readOnlyDir, "history_snapshots.json"))
	assert.Error(t, manager.Write(Data{}))
}

// ============================================================================
// 進階功能測試
// ============================================================================

// TestWriteWithBackup 測試帶備份的寫入，只保留最近的備份
func TestWriteWithBackup(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "history_snapshots.json")
	manager := NewManager(snapshotPath)

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tick := 0
	manager.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	require.NoError(t, manager.Write(Data{}))
	for i := 0; i < 4; i++ {
		data := Data{Snapshots: map[string]types.HistorySnapshot{
			fmt.Sprint(i): snap(fmt.Sprint(i), "g", base),
		}}
		require.NoError(t, manager.WriteWithBackup(data, 2))
	}

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Contains(t, loaded.Snapshots, "3")

	backups, err := manager.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
}

// ============================================================================
// 並發安全測試
// ============================================================================

// TestConcurrentPuts 測試並發新增不遺失資料
func TestConcurrentPuts(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "history_snapshots.json"))
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.Put(snap(fmt.Sprintf("s%d", i), "g", now)))
		}(i)
	}
	wg.Wait()

	all, err := manager.All()
	require.NoError(t, err)
	assert.Len(t, all, 10)
}
