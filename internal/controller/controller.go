// ============================================================================
// Groupmesh 控制器 - 群組訊息核心協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 串接加密、分發、歷史三個模組，處理群組生命週期與崩潰恢復
//
// 架構設計:
//   - Encryption Manager: sender key 建立、輪替、分發
//   - Distributor: 依群組大小選擇策略扇出訊息，生命週期寫入 WAL
//   - History Manager: 訊息儲存、新成員同步、快照
//   - Snapshot Manager: 歷史快照持久化與備份
//
// 背景循環 (2 個 Goroutine):
//   1. Snapshot Loop - 定期備份快照檔，無進行中分發時旋轉 WAL
//   2. Prune Loop    - 定期依保留期限清理各群組歷史
//
// 崩潰恢復流程:
//   啟動時讀取 WAL，CREATED 但沒有 COMPLETED/CANCELLED 的分發
//   視為中斷，補寫 CANCELLED 並回報給呼叫端（由呼叫端決定是否重送）
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/groupmesh/internal/crypto"
	"github.com/ChuLiYu/groupmesh/internal/distributor"
	"github.com/ChuLiYu/groupmesh/internal/encryption"
	"github.com/ChuLiYu/groupmesh/internal/history"
	"github.com/ChuLiYu/groupmesh/internal/metrics"
	"github.com/ChuLiYu/groupmesh/internal/optimizer"
	"github.com/ChuLiYu/groupmesh/internal/snapshot"
	"github.com/ChuLiYu/groupmesh/internal/storage/wal"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

var (
	ErrNotMember     = errors.New("controller: sender is not a group member")
	ErrNoMembers     = errors.New("controller: group needs at least one member")
	ErrStopped       = errors.New("controller: stopped")
	ErrLedgerMissing = errors.New("controller: ledger transport is required")
)

// 預設值
const (
	DefaultSnapshotInterval = 5 * time.Minute
	DefaultSnapshotBackups  = 3
	DefaultPruneInterval    = time.Hour
	DefaultRetention        = 90 * 24 * time.Hour
	DefaultKeyPushLimit     = 100

	keyFanoutLimit = 32
	stopGrace      = 5 * time.Second // how long Stop waits for cancelled distributions
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	WALPath          string        // 分發日誌路徑
	SyncOnAppend     bool          // 每次寫入都 fsync
	SnapshotPath     string        // 歷史快照檔路徑
	SnapshotInterval time.Duration // 快照備份間隔
	SnapshotBackups  int           // 保留的備份數
	PruneInterval    time.Duration // 歷史清理間隔，0 使用預設
	Retention        time.Duration // 歷史保留期限
	KeepImportant    bool          // 清理時保留重要訊息
	MaxKeyRotations  int           // 每群組輪替上限，0 使用預設
	KeyPushLimit     int           // 超過此人數的群組不推送 sender key，成員自行拉取；0 使用預設，負值永不推送
}

func (c *Config) applyDefaults() {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.SnapshotBackups <= 0 {
		c.SnapshotBackups = DefaultSnapshotBackups
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = DefaultPruneInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.KeyPushLimit == 0 {
		c.KeyPushLimit = DefaultKeyPushLimit
	}
}

// Components are the pluggable backends. Only Ledger is required.
type Components struct {
	Signal    crypto.SignalStore
	Queue     encryption.DistributionQueue
	Ledger    distributor.Ledger
	Mesh      distributor.Mesh
	Messages  history.MessageStore
	Optimizer *optimizer.Optimizer
	Metrics   *metrics.Collector
}

// Controller 核心控制器
type Controller struct {
	enc       *encryption.Manager
	dist      *distributor.Distributor
	hist      *history.Manager
	wal       *wal.WAL
	snapshots *snapshot.Manager
	metrics   *metrics.Collector
	config    Config
	log       *slog.Logger

	mu          sync.Mutex
	stopCh      chan struct{}
	stopped     bool
	started     bool
	startTime   time.Time
	interrupted []wal.Event
	loopWg      sync.WaitGroup
}

// ============================================================================
// 核心方法實作
// ============================================================================

// NewController 建立新的 Controller 實例
func NewController(config Config, comp Components) (*Controller, error) {
	if comp.Ledger == nil {
		return nil, ErrLedgerMissing
	}
	config.applyDefaults()

	if comp.Signal == nil {
		comp.Signal = crypto.NewMemoryStore()
	}
	if comp.Queue == nil {
		comp.Queue = encryption.NewMemoryDistributionQueue()
	}
	if comp.Messages == nil {
		comp.Messages = history.NewMemoryStore()
	}
	if comp.Optimizer == nil {
		comp.Optimizer = optimizer.New(optimizer.WithMetrics(comp.Metrics))
	}

	// 1. 開啟 WAL
	walInstance, err := wal.NewWAL(config.WALPath, config.SyncOnAppend)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL: %w", err)
	}

	// 2. 建立 Snapshot Manager
	snapshotMgr := snapshot.NewManager(config.SnapshotPath)

	// 3. 組裝三個模組
	encOpts := []encryption.Option{
		encryption.WithDistributionQueue(comp.Queue),
		encryption.WithMetrics(comp.Metrics),
	}
	if config.MaxKeyRotations > 0 {
		encOpts = append(encOpts, encryption.WithMaxKeyRotations(config.MaxKeyRotations))
	}
	enc := encryption.NewManager(comp.Signal, encOpts...)

	distOpts := []distributor.Option{
		distributor.WithOptimizer(comp.Optimizer),
		distributor.WithJournal(walInstance),
		distributor.WithMetrics(comp.Metrics),
	}
	if comp.Mesh != nil {
		distOpts = append(distOpts, distributor.WithMesh(comp.Mesh))
	}
	dist := distributor.New(enc, comp.Ledger, distOpts...)

	hist := history.New(comp.Messages,
		history.WithSnapshotStore(snapshotMgr),
		history.WithMetrics(comp.Metrics))

	return &Controller{
		enc:       enc,
		dist:      dist,
		hist:      hist,
		wal:       walInstance,
		snapshots: snapshotMgr,
		metrics:   comp.Metrics,
		config:    config,
		log:       slog.With("component", "controller"),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start 啟動 Controller
//
// 流程：
//  1. 恢復階段：讀取 WAL，找出中斷的分發
//  2. 啟動階段：啟動快照與清理循環
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return nil
	}
	c.startTime = time.Now()

	// 1. 恢復階段
	c.log.Info("Starting recovery...", "wal", c.wal.Path())
	if err := c.recoverLocked(); err != nil {
		return fmt.Errorf("recover failed: %w", err)
	}
	recoveryTime := time.Since(c.startTime)
	c.metrics.SetRecoveryTime(recoveryTime.Seconds())
	c.log.Info("Recovery completed",
		"duration", recoveryTime,
		"interrupted", len(c.interrupted))

	// 2. 啟動背景循環
	c.loopWg.Add(2)
	go c.snapshotLoop()
	go c.pruneLoop()
	c.started = true

	c.log.Info("Controller started")
	return nil
}

// recoverLocked 把中斷的分發補寫為 CANCELLED，避免下次啟動重複回報
func (c *Controller) recoverLocked() error {
	if err := c.wal.Flush(); err != nil {
		return err
	}
	pending, err := wal.Pending(c.wal.Path())
	if err != nil {
		return err
	}
	for _, ev := range pending {
		if _, err := c.wal.Append(wal.Record{
			Type:           wal.EventCancelled,
			DistributionID: ev.DistributionID,
			GroupID:        ev.GroupID,
			MessageID:      ev.MessageID,
			Strategy:       ev.Strategy,
			Recipients:     ev.Recipients,
		}, false); err != nil {
			return fmt.Errorf("close interrupted %s: %w", ev.DistributionID, err)
		}
		c.log.Warn("Interrupted distribution found",
			"distribution_id", ev.DistributionID,
			"group_id", ev.GroupID,
			"message_id", ev.MessageID,
			"recipients", ev.Recipients)
	}
	c.interrupted = pending
	return c.wal.Flush()
}

// ============================================================================
// 群組操作
// ============================================================================

// CreateGroup 初始化群組加密，寫入建立訊息並分發所有成員的 sender key
func (c *Controller) CreateGroup(ctx context.Context, groupID, creatorID string, memberIDs []string) (types.GroupEncryptionInfo, error) {
	if len(memberIDs) == 0 && creatorID == "" {
		return types.GroupEncryptionInfo{}, ErrNoMembers
	}
	mark := c.enc.KeySequence(groupID)
	info, err := c.enc.InitializeGroupEncryption(ctx, groupID, memberIDs, creatorID)
	if err != nil {
		return types.GroupEncryptionInfo{}, err
	}
	if _, err := c.hist.RecordMessage(ctx, types.Message{
		ChatID:   groupID,
		SenderID: creatorID,
		Type:     types.MessageSystem,
		Content:  fmt.Sprintf("group created by %s", creatorID),
	}); err != nil {
		return info, fmt.Errorf("record creation: %w", err)
	}
	if err := c.pushChangedKeys(ctx, groupID, mark); err != nil {
		return info, err
	}
	c.log.Info("Group created", "group_id", groupID, "members", info.MemberCount)
	return info, nil
}

// AddMembersResult 加入成員的結果
type AddMembersResult struct {
	Info types.GroupEncryptionInfo
	Sync map[string]types.SyncResult
}

// AddMembers 加入成員：輪替金鑰，為每位新成員同步歷史
func (c *Controller) AddMembers(ctx context.Context, groupID string, newMemberIDs []string) (AddMembersResult, error) {
	existing := c.enc.Members(groupID)
	mark := c.enc.KeySequence(groupID)
	info, err := c.enc.AddMembersToGroupEncryption(ctx, groupID, newMemberIDs, existing)
	if err != nil {
		return AddMembersResult{}, err
	}
	res := AddMembersResult{Info: info, Sync: make(map[string]types.SyncResult, len(newMemberIDs))}

	for _, id := range newMemberIDs {
		if _, err := c.hist.RecordMessage(ctx, types.Message{
			ChatID:   groupID,
			SenderID: id,
			Type:     types.MessageSystem,
			Content:  fmt.Sprintf("%s joined", id),
		}); err != nil {
			return res, fmt.Errorf("record join: %w", err)
		}
	}
	if err := c.pushChangedKeys(ctx, groupID, mark); err != nil {
		return res, err
	}
	for _, id := range newMemberIDs {
		sr, err := c.hist.SynchronizeHistoryForNewMember(ctx, groupID, id, time.Time{})
		if err != nil {
			return res, fmt.Errorf("sync history for %s: %w", id, err)
		}
		res.Sync[id] = sr
	}
	c.log.Info("Members added", "group_id", groupID, "added", len(newMemberIDs), "rotation", info.KeyRotationCount)
	return res, nil
}

// RemoveMembers 移除成員：刪除其金鑰並輪替，再把新金鑰分發給剩餘成員
func (c *Controller) RemoveMembers(ctx context.Context, groupID string, removedIDs []string) (types.GroupEncryptionInfo, error) {
	gone := make(map[string]struct{}, len(removedIDs))
	for _, id := range removedIDs {
		gone[id] = struct{}{}
	}
	var remaining []string
	for _, id := range c.enc.Members(groupID) {
		if _, ok := gone[id]; !ok {
			remaining = append(remaining, id)
		}
	}

	mark := c.enc.KeySequence(groupID)
	info, err := c.enc.RemoveMembersFromGroupEncryption(ctx, groupID, removedIDs, remaining)
	if err != nil {
		return types.GroupEncryptionInfo{}, err
	}
	for _, id := range removedIDs {
		if _, err := c.hist.RecordMessage(ctx, types.Message{
			ChatID:   groupID,
			SenderID: id,
			Type:     types.MessageSystem,
			Content:  fmt.Sprintf("%s left", id),
		}); err != nil {
			return info, fmt.Errorf("record leave: %w", err)
		}
	}
	if err := c.pushChangedKeys(ctx, groupID, mark); err != nil {
		return info, err
	}
	c.log.Info("Members removed", "group_id", groupID, "removed", len(removedIDs), "rotation", info.KeyRotationCount)
	return info, nil
}

// SendMessage 寫入歷史後分發給除了寄件人以外的所有成員
func (c *Controller) SendMessage(ctx context.Context, groupID, senderID, content string) (types.Message, types.DistributionResult, error) {
	members := c.enc.Members(groupID)
	recipients := make([]string, 0, len(members))
	isMember := false
	for _, id := range members {
		if id == senderID {
			isMember = true
			continue
		}
		recipients = append(recipients, id)
	}
	if !isMember {
		return types.Message{}, types.DistributionResult{}, fmt.Errorf("%w: %s in %s", ErrNotMember, senderID, groupID)
	}

	msg, err := c.hist.RecordMessage(ctx, types.Message{
		ChatID:   groupID,
		SenderID: senderID,
		Type:     types.MessageText,
		Content:  content,
	})
	if err != nil {
		return types.Message{}, types.DistributionResult{}, err
	}
	if len(recipients) == 0 {
		return msg, types.DistributionResult{Status: types.DistributionCompleted}, nil
	}

	res, err := c.dist.Distribute(ctx, distributor.Request{
		GroupID:    groupID,
		SenderID:   senderID,
		MessageID:  msg.ID,
		Plaintext:  []byte(content),
		Recipients: recipients,
	})
	return msg, res, err
}

// DeleteGroup 清除群組的所有金鑰
func (c *Controller) DeleteGroup(ctx context.Context, groupID string) error {
	return c.enc.CleanupGroupEncryption(ctx, groupID)
}

// RotateKeys 輪替指定成員（空白表示全部）的金鑰並推送新的 sender key
func (c *Controller) RotateKeys(ctx context.Context, groupID string, memberIDs []string) (types.GroupEncryptionInfo, error) {
	mark := c.enc.KeySequence(groupID)
	info, err := c.enc.RotateSenderKeys(ctx, groupID, memberIDs)
	if err != nil {
		return types.GroupEncryptionInfo{}, err
	}
	if err := c.pushChangedKeys(ctx, groupID, mark); err != nil {
		return info, err
	}
	return info, nil
}

// UploadSenderKey 儲存成員自己產生的 sender key，並推送給其他成員
func (c *Controller) UploadSenderKey(ctx context.Context, groupID, memberID string, deviceID uint32, msg types.SenderKeyDistributionMessage) error {
	if !slices.Contains(c.enc.Members(groupID), memberID) {
		return fmt.Errorf("%w: %s in %s", ErrNotMember, memberID, groupID)
	}
	mark := c.enc.KeySequence(groupID)
	if err := c.enc.ProcessSenderKeyDistribution(ctx, groupID, memberID, deviceID, msg); err != nil {
		return err
	}
	return c.pushChangedKeys(ctx, groupID, mark)
}

// SenderKeys 成員以游標拉取自 since 之後變更的 sender key
func (c *Controller) SenderKeys(ctx context.Context, groupID, memberID string, since uint64, limit int) ([]types.SenderKeyDistributionMessage, uint64, error) {
	msgs, cursor, err := c.enc.SenderKeysSince(ctx, groupID, memberID, since, limit)
	if errors.Is(err, encryption.ErrNotMember) {
		return nil, since, fmt.Errorf("%w: %s in %s", ErrNotMember, memberID, groupID)
	}
	return msgs, cursor, err
}

// PendingSenderKeys 取出推送給成員的 sender key，佇列為空時最多等待 wait
func (c *Controller) PendingSenderKeys(ctx context.Context, memberID string, wait time.Duration) ([]types.SenderKeyDistributionMessage, error) {
	return c.enc.PendingDistributions(ctx, memberID, wait)
}

// pushChangedKeys 只推送 since 之後安裝的金鑰，每把送給其餘成員。
// 超過 KeyPushLimit 的群組不推送，成員用 SenderKeys 依游標拉取。
func (c *Controller) pushChangedKeys(ctx context.Context, groupID string, since uint64) error {
	members := c.enc.Members(groupID)
	if c.config.KeyPushLimit < 0 || len(members) > c.config.KeyPushLimit {
		c.log.Debug("Sender keys left for pull", "group_id", groupID, "members", len(members))
		return nil
	}
	changed := c.enc.Keys().ChangedSince(groupID, since)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(keyFanoutLimit)
	for _, entry := range changed {
		g.Go(func() error {
			if _, err := c.enc.DistributeSenderKeys(gctx, groupID, entry.MemberID, members); err != nil {
				return fmt.Errorf("distribute keys of %s: %w", entry.MemberID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	c.log.Debug("Sender keys pushed", "group_id", groupID, "senders", len(changed), "members", len(members))
	return nil
}

// ============================================================================
// 背景循環
// ============================================================================

// snapshotLoop 定期備份快照並視情況旋轉 WAL
func (c *Controller) snapshotLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Snapshot loop stopped")
			return
		case <-ticker.C:
			if err := c.takeSnapshot(); err != nil {
				c.log.Error("Failed to take snapshot", "error", err)
			}
		}
	}
}

// takeSnapshot 備份快照檔；沒有進行中的分發時旋轉 WAL
func (c *Controller) takeSnapshot() error {
	start := time.Now()

	data, err := c.snapshots.Load()
	if err != nil {
		return fmt.Errorf("failed to load snapshot: %w", err)
	}
	if err := c.snapshots.WriteWithBackup(data, c.config.SnapshotBackups); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	// 只有所有分發都寫完結束記錄後才旋轉，避免 CREATED 被移到備份而結束記錄留在新檔
	rotated := ""
	if _, err := c.dist.IfIdle(func() error {
		var rerr error
		rotated, rerr = c.wal.Rotate()
		return rerr
	}); err != nil {
		return fmt.Errorf("failed to rotate WAL: %w", err)
	}

	c.log.Info("Snapshot taken",
		"duration", time.Since(start),
		"snapshots", len(data.Snapshots),
		"wal_backup", rotated)
	return nil
}

// pruneLoop 定期清理逾期歷史
func (c *Controller) pruneLoop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.log.Info("Prune loop stopped")
			return
		case <-ticker.C:
			c.PruneAll(context.Background())
		}
	}
}

// PruneAll 對每個群組執行一次歷史清理並回傳總共刪除的數量
func (c *Controller) PruneAll(ctx context.Context) int {
	total := 0
	for _, g := range c.enc.Groups() {
		res, err := c.hist.PruneGroupHistory(ctx, g, c.config.Retention, c.config.KeepImportant)
		if err != nil {
			if !errors.Is(err, history.ErrChatNotFound) {
				c.log.Warn("Prune failed", "group_id", g, "error", err)
			}
			continue
		}
		total += res.MessagesRemoved
	}
	if total > 0 {
		c.log.Info("History pruned", "messages", total)
	}
	return total
}

// ============================================================================
// 公開方法
// ============================================================================

func (c *Controller) Encryption() *encryption.Manager { return c.enc }

func (c *Controller) Distributor() *distributor.Distributor { return c.dist }

func (c *Controller) History() *history.Manager { return c.hist }

// Interrupted 回傳啟動時發現的中斷分發
func (c *Controller) Interrupted() []wal.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]wal.Event(nil), c.interrupted...)
}

// GetStatus 取得系統狀態
func (c *Controller) GetStatus() map[string]interface{} {
	c.mu.Lock()
	uptime := time.Duration(0)
	if !c.startTime.IsZero() {
		uptime = time.Since(c.startTime)
	}
	interrupted := len(c.interrupted)
	c.mu.Unlock()

	stats := c.dist.Jobs().Stats()
	return map[string]interface{}{
		"uptime":      uptime.String(),
		"groups":      len(c.enc.Groups()),
		"created":     stats["created"],
		"in_progress": stats["in_progress"],
		"completed":   stats["completed"],
		"cancelled":   stats["cancelled"],
		"interrupted": interrupted,
		"wal_seq":     c.wal.GetLastSeq(),
	}
}

// Stop 優雅關閉 Controller
//
// 關閉順序：
//  1. close(stopCh) → 通知背景循環
//  2. 取消所有進行中的分發（WAL 記錄 CANCELLED）
//  3. loopWg.Wait() → 等待循環退出
//  4. 最後一次快照，關閉 WAL
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.log.Info("Controller already stopped")
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	c.log.Info("Stopping controller...")
	close(c.stopCh)

	for _, job := range c.dist.ActiveDistributions() {
		_ = c.dist.CancelDistribution(job.DistributionID)
	}
	idleCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
	if err := c.dist.WaitIdle(idleCtx); err != nil {
		c.log.Warn("Distributions still running at shutdown", "running", c.dist.Running())
	}
	cancel()

	c.loopWg.Wait()

	if started {
		if err := c.takeSnapshot(); err != nil {
			c.log.Error("Failed to take final snapshot", "error", err)
		}
	}
	if err := c.wal.Close(); err != nil {
		c.log.Error("Failed to close WAL", "error", err)
	}
	c.log.Info("Controller stopped")
}
