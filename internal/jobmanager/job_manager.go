// ============================================================================
// Groupmesh 分發任務表 - 任務狀態機實現
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 管理分發任務的生命週期和狀態轉換
//
// 任務狀態轉換 (State Machine):
//   CREATED (已建立)
//      ↓ MarkInProgress()
//   IN_PROGRESS (執行中)
//      ↓ Finish() 或 Cancel()
//   COMPLETED (已完成) / CANCELLED (已取消)
//
// 狀態轉換規則:
//   - CREATED → IN_PROGRESS: 通過 MarkInProgress()
//   - CREATED/IN_PROGRESS → COMPLETED: 通過 Finish()
//   - CREATED/IN_PROGRESS → CANCELLED: 通過 Cancel()，同時觸發任務的 context 取消
//   - 已取消的任務在 goroutine 結束後呼叫 Finish()，結果狀態保持 CANCELLED
//
// 數據結構設計:
//   active map[id]*entry - 進行中任務的唯一真實來源
//   ├─ created / inProgress 索引提供狀態查詢
//   └─ terminal map 保存結束任務的結果（含失敗收件人），供重試使用
//
//   結果保留數量有上限，超過時丟棄最早結束的結果。
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務 ID 重複錯誤
	ErrDuplicateJob = errors.New("distribution already exists")
	// 任務不存在
	ErrJobNotFound = errors.New("distribution not found")
	// 非法狀態轉換
	ErrInvalidTransition = errors.New("invalid distribution state transition")
)

// DefaultResultRetention 保留的結束任務結果數量
const DefaultResultRetention = 1024

type entry struct {
	job    types.DistributionJob
	cancel context.CancelFunc
}

// JobManager 分發任務表
type JobManager struct {
	mu         sync.RWMutex
	active     map[string]*entry
	created    map[string]*entry
	inProgress map[string]*entry

	terminal      map[string]types.DistributionResult
	terminalOrder []string
	retention     int

	completedCount int
	cancelledCount int

	now func() time.Time
}

// NewJobManager 建立新的任務表
//
// 參數說明：
//   - retention: 保留的結束結果數量，<= 0 時使用 DefaultResultRetention
func NewJobManager(retention int) *JobManager {
	if retention <= 0 {
		retention = DefaultResultRetention
	}
	return &JobManager{
		active:     make(map[string]*entry),
		created:    make(map[string]*entry),
		inProgress: make(map[string]*entry),
		terminal:   make(map[string]types.DistributionResult),
		retention:  retention,
		now:        time.Now,
	}
}

// Create 登記新任務，狀態為 CREATED
//
// 參數說明：
//   - job: 任務記錄，DistributionID 必須唯一
//   - cancel: 取消任務 context 的函數，可為 nil
//
// 錯誤處理：
//   - ErrDuplicateJob: ID 已存在（進行中或已結束）
func (jm *JobManager) Create(job types.DistributionJob, cancel context.CancelFunc) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	id := job.DistributionID
	if _, exists := jm.active[id]; exists {
		return ErrDuplicateJob
	}
	if _, exists := jm.terminal[id]; exists {
		return ErrDuplicateJob
	}

	now := jm.now().UnixMilli()
	job.Status = types.DistributionCreated
	job.Recipients = append([]string(nil), job.Recipients...)
	job.CreatedAt = now
	job.UpdatedAt = now

	e := &entry{job: job, cancel: cancel}
	jm.active[id] = e
	jm.created[id] = e
	return nil
}

// MarkInProgress CREATED → IN_PROGRESS
func (jm *JobManager) MarkInProgress(id string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, exists := jm.active[id]
	if !exists {
		return ErrJobNotFound
	}
	if e.job.Status != types.DistributionCreated {
		return ErrInvalidTransition
	}
	e.job.Status = types.DistributionInProgress
	e.job.UpdatedAt = jm.now().UnixMilli()
	delete(jm.created, id)
	jm.inProgress[id] = e
	return nil
}

// Finish 記錄任務結果並將其移出進行中表
//
// 已被 Cancel() 的任務結果狀態保持 CANCELLED。
//
// 返回值：
//   - types.DistributionResult: 實際保存的結果
//   - error: ErrJobNotFound 任務從未登記
func (jm *JobManager) Finish(id string, result types.DistributionResult) (types.DistributionResult, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	result.DistributionID = id
	result.FailedRecipients = append([]string(nil), result.FailedRecipients...)

	if _, exists := jm.active[id]; exists {
		jm.removeActiveLocked(id)
		if result.Status != types.DistributionCancelled {
			result.Status = types.DistributionCompleted
			jm.completedCount++
		} else {
			jm.cancelledCount++
		}
		jm.storeLocked(id, result)
		return result, nil
	}

	prev, exists := jm.terminal[id]
	if !exists {
		return types.DistributionResult{}, ErrJobNotFound
	}
	if prev.Status == types.DistributionCancelled {
		result.Status = types.DistributionCancelled
	}
	jm.terminal[id] = result
	return result, nil
}

// Cancel 取消進行中的任務
//
// 觸發任務 context 的取消並將任務移出進行中表。任務 goroutine 結束後
// 仍應呼叫 Finish() 以記錄部分結果。
func (jm *JobManager) Cancel(id string) (types.DistributionJob, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	e, exists := jm.active[id]
	if !exists {
		return types.DistributionJob{}, ErrJobNotFound
	}
	e.job.Status = types.DistributionCancelled
	e.job.UpdatedAt = jm.now().UnixMilli()
	if e.cancel != nil {
		e.cancel()
	}
	jm.removeActiveLocked(id)
	jm.cancelledCount++
	jm.storeLocked(id, types.DistributionResult{
		DistributionID:  id,
		TotalRecipients: len(e.job.Recipients),
		Strategy:        e.job.Strategy,
		Status:          types.DistributionCancelled,
	})
	return e.job, nil
}

func (jm *JobManager) removeActiveLocked(id string) {
	delete(jm.active, id)
	delete(jm.created, id)
	delete(jm.inProgress, id)
}

func (jm *JobManager) storeLocked(id string, result types.DistributionResult) {
	if _, exists := jm.terminal[id]; !exists {
		jm.terminalOrder = append(jm.terminalOrder, id)
	}
	jm.terminal[id] = result
	for len(jm.terminalOrder) > jm.retention {
		oldest := jm.terminalOrder[0]
		jm.terminalOrder = jm.terminalOrder[1:]
		delete(jm.terminal, oldest)
	}
}

// ============================================================================
// 查詢方法
// ============================================================================

// Get 取得進行中任務的副本
func (jm *JobManager) Get(id string) (types.DistributionJob, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	e, exists := jm.active[id]
	if !exists {
		return types.DistributionJob{}, false
	}
	return copyJob(e.job), true
}

// Result 取得已結束任務的結果
func (jm *JobManager) Result(id string) (types.DistributionResult, bool) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	r, exists := jm.terminal[id]
	if exists {
		r.FailedRecipients = append([]string(nil), r.FailedRecipients...)
	}
	return r, exists
}

// Active 取得所有進行中任務，依建立時間排序
func (jm *JobManager) Active() []types.DistributionJob {
	jm.mu.RLock()
	jobs := make([]types.DistributionJob, 0, len(jm.active))
	for _, e := range jm.active {
		jobs = append(jobs, copyJob(e.job))
	}
	jm.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt != jobs[j].CreatedAt {
			return jobs[i].CreatedAt < jobs[j].CreatedAt
		}
		return jobs[i].DistributionID < jobs[j].DistributionID
	})
	return jobs
}

// Stats 取得各狀態任務的統計資訊
//
// 使用範例：
//
//	stats := jm.Stats()
//	log.Info("distributions", "created", stats["created"], "in_progress", stats["in_progress"])
func (jm *JobManager) Stats() map[string]int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	return map[string]int{
		"created":     len(jm.created),
		"in_progress": len(jm.inProgress),
		"completed":   jm.completedCount,
		"cancelled":   jm.cancelledCount,
	}
}

// ActiveCount 進行中任務數
func (jm *JobManager) ActiveCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.active)
}

func copyJob(j types.DistributionJob) types.DistributionJob {
	j.Recipients = append([]string(nil), j.Recipients...)
	return j
}
