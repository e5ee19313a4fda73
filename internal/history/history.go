// Package history keeps group message history: new-member sync, snapshots,
// pruning, gap repair and export estimates.
package history

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/groupmesh/internal/events"
	"github.com/ChuLiYu/groupmesh/internal/metrics"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// Defaults
const (
	DefaultLookback = 30 * 24 * time.Hour
	DefaultPageSize = 100

	// snapshotCompressionRatio approximates the compressed size of a snapshot.
	snapshotCompressionRatio = 0.3
)

var (
	// ErrSnapshotNotFound indicates an unknown snapshot id.
	ErrSnapshotNotFound = errors.New("history: snapshot not found")
	// ErrStaleSnapshot indicates the snapshot is past its validity window.
	ErrStaleSnapshot = errors.New("history: snapshot is stale")
	// ErrUnknownCompressionLevel indicates an unsupported level.
	ErrUnknownCompressionLevel = errors.New("history: unknown compression level")
	// ErrUnknownExportFormat indicates an unsupported format.
	ErrUnknownExportFormat = errors.New("history: unknown export format")
)

var compressionRatios = map[types.CompressionLevel]float64{
	types.CompressionNone:    1.0,
	types.CompressionLow:     0.8,
	types.CompressionMedium:  0.6,
	types.CompressionHigh:    0.4,
	types.CompressionMaximum: 0.2,
}

var exportMultipliers = map[types.ExportFormat]float64{
	types.ExportJSON:             1.5,
	types.ExportCSV:              1.2,
	types.ExportBinary:           0.7,
	types.ExportEncryptedArchive: 0.9,
}

// SnapshotStore persists snapshots across restarts.
type SnapshotStore interface {
	Put(s types.HistorySnapshot) error
	Delete(snapshotID string) error
	All() ([]types.HistorySnapshot, error)
}

// Manager is the group history manager.
type Manager struct {
	store     MessageStore
	snapStore SnapshotStore
	lookback  time.Duration
	pageSize  int
	metrics   *metrics.Collector
	log       *slog.Logger
	now       func() time.Time

	mu        sync.Mutex
	snapshots map[string]types.HistorySnapshot
	streams   map[string]*events.Broker[types.HistoryEvent]
}

// Option configures a Manager.
type Option func(*Manager)

// WithSnapshotStore persists snapshots through s.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(m *Manager) { m.snapStore = s }
}

// WithLookback sets the default sync window for new members.
func WithLookback(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lookback = d
		}
	}
}

// WithPageSize sets the store page size.
func WithPageSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.pageSize = n
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l.With("component", "history")
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a history manager over store.
func New(store MessageStore, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		lookback:  DefaultLookback,
		pageSize:  DefaultPageSize,
		log:       slog.With("component", "history"),
		now:       time.Now,
		snapshots: make(map[string]types.HistorySnapshot),
		streams:   make(map[string]*events.Broker[types.HistoryEvent]),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.loadSnapshots()
	return m
}

func (m *Manager) loadSnapshots() {
	if m.snapStore == nil {
		return
	}
	all, err := m.snapStore.All()
	if err != nil {
		m.log.Warn("load persisted snapshots", "error", err)
		return
	}
	for _, s := range all {
		m.snapshots[s.SnapshotID] = s
	}
	m.log.Info("snapshots restored", "count", len(all))
}

// ============================================================================
// Sync
// ============================================================================

// SynchronizeHistoryForNewMember pages through the group's history from
// since (zero means now minus the default lookback) up to now.
func (m *Manager) SynchronizeHistoryForNewMember(ctx context.Context, groupID, memberID string, since time.Time) (types.SyncResult, error) {
	started := m.now()
	if since.IsZero() {
		since = started.Add(-m.lookback)
	}
	res := types.SyncResult{
		GroupID:        groupID,
		MemberID:       memberID,
		StartTimestamp: since.UnixMilli(),
		EndTimestamp:   started.UnixMilli(),
	}

	err := m.scanSince(ctx, groupID, res.StartTimestamp, func(page []types.Message) bool {
		res.Batches++
		for _, msg := range page {
			if msg.Timestamp > res.EndTimestamp {
				return false
			}
			if msg.Timestamp < res.StartTimestamp {
				continue
			}
			res.MessagesSynced++
			res.BytesTransferred += msg.ByteSize()
		}
		return true
	})
	if err != nil {
		return types.SyncResult{}, fmt.Errorf("sync %s for %s: %w", groupID, memberID, err)
	}
	res.Duration = m.now().Sub(started)

	m.publish(groupID, types.HistoryEvent{
		Type:     types.EventBatchSyncCompleted,
		GroupID:  groupID,
		MemberID: memberID,
		Count:    res.MessagesSynced,
	})
	m.log.Info("history synchronized",
		"group_id", groupID,
		"member_id", memberID,
		"messages", res.MessagesSynced,
		"bytes", res.BytesTransferred,
		"batches", res.Batches)
	return res, nil
}

// GetGroupHistory returns one page of history. A positive before keeps only
// messages strictly older than it.
func (m *Manager) GetGroupHistory(ctx context.Context, groupID string, limit, offset int, before int64) ([]types.Message, error) {
	if limit <= 0 {
		limit = m.pageSize
	}
	page, err := m.store.GetMessages(ctx, groupID, limit, offset)
	if err != nil {
		return nil, err
	}
	if before <= 0 {
		return page, nil
	}
	out := page[:0]
	for _, msg := range page {
		if msg.Timestamp < before {
			out = append(out, msg)
		}
	}
	return out, nil
}

// ============================================================================
// Pruning
// ============================================================================

// PruneGroupHistory removes messages older than now minus retention. With
// keepImportant, important messages survive regardless of age.
func (m *Manager) PruneGroupHistory(ctx context.Context, groupID string, retention time.Duration, keepImportant bool) (types.PruneResult, error) {
	all, err := m.all(ctx, groupID)
	if err != nil {
		return types.PruneResult{}, err
	}
	cutoff := m.now().Add(-retention).UnixMilli()
	res := types.PruneResult{GroupID: groupID, Cutoff: cutoff}

	var ids []string
	for _, msg := range all {
		switch {
		case msg.Timestamp >= cutoff:
			res.MessagesRemaining++
		case keepImportant && msg.IsImportant():
			res.ImportantMessagesKept++
		default:
			ids = append(ids, msg.ID)
			res.BytesFreed += msg.ByteSize()
		}
	}

	if len(ids) > 0 {
		n, err := m.store.DeleteMessages(ctx, ids)
		if err != nil {
			return types.PruneResult{}, fmt.Errorf("prune %s: %w", groupID, err)
		}
		if n != len(ids) {
			m.log.Warn("prune deleted fewer messages than selected", "group_id", groupID, "selected", len(ids), "deleted", n)
		}
	}
	res.MessagesRemoved = len(ids)
	m.metrics.RecordPruned(res.MessagesRemoved)

	m.publish(groupID, types.HistoryEvent{
		Type:    types.EventPruningCompleted,
		GroupID: groupID,
		Count:   res.MessagesRemoved,
	})
	m.log.Info("history pruned",
		"group_id", groupID,
		"removed", res.MessagesRemoved,
		"important_kept", res.ImportantMessagesKept,
		"remaining", res.MessagesRemaining,
		"bytes_freed", res.BytesFreed)
	return res, nil
}

// ============================================================================
// Snapshots
// ============================================================================

// CreateHistorySnapshot captures the group's history as of now.
func (m *Manager) CreateHistorySnapshot(ctx context.Context, groupID string) (types.HistorySnapshot, error) {
	all, err := m.all(ctx, groupID)
	if err != nil {
		return types.HistorySnapshot{}, err
	}
	now := m.now()

	var size int64
	for _, msg := range all {
		size += msg.ByteSize()
	}
	s := types.HistorySnapshot{
		SnapshotID:     uuid.NewString(),
		GroupID:        groupID,
		Timestamp:      now.UnixMilli(),
		MessageCount:   len(all),
		CompressedSize: int64(math.Round(float64(size) * snapshotCompressionRatio)),
		Checksum:       checksum(all),
		ExpiresAt:      now.Add(types.SnapshotValidity).UnixMilli(),
	}

	m.mu.Lock()
	m.snapshots[s.SnapshotID] = s
	m.mu.Unlock()

	if m.snapStore != nil {
		if err := m.snapStore.Put(s); err != nil {
			m.log.Warn("persist snapshot", "snapshot_id", s.SnapshotID, "error", err)
		}
	}
	m.log.Info("history snapshot created", "group_id", groupID, "snapshot_id", s.SnapshotID, "messages", s.MessageCount)
	return s, nil
}

// GetSnapshot returns a snapshot by id.
func (m *Manager) GetSnapshot(snapshotID string) (types.HistorySnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[snapshotID]
	return s, ok
}

// SyncFromSnapshot seeds a member from a snapshot and then syncs everything
// newer than it. A snapshot past its validity window fails with
// ErrStaleSnapshot and is discarded.
func (m *Manager) SyncFromSnapshot(ctx context.Context, snapshotID, memberID string) (types.SyncResult, error) {
	s, ok := m.GetSnapshot(snapshotID)
	if !ok {
		return types.SyncResult{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, snapshotID)
	}
	started := m.now()
	if s.Expired(started) {
		m.dropSnapshot(snapshotID)
		return types.SyncResult{}, fmt.Errorf("%w: %s expired at %d", ErrStaleSnapshot, snapshotID, s.ExpiresAt)
	}

	res := types.SyncResult{
		GroupID:          s.GroupID,
		MemberID:         memberID,
		SnapshotID:       s.SnapshotID,
		MessagesSynced:   s.MessageCount,
		BytesTransferred: s.CompressedSize,
		StartTimestamp:   s.Timestamp,
		EndTimestamp:     started.UnixMilli(),
	}
	err := m.scan(ctx, s.GroupID, func(page []types.Message) bool {
		res.Batches++
		for _, msg := range page {
			if msg.Timestamp > res.EndTimestamp {
				return false
			}
			if msg.Timestamp <= s.Timestamp {
				continue
			}
			res.MessagesSynced++
			res.BytesTransferred += msg.ByteSize()
		}
		return true
	})
	if err != nil {
		return types.SyncResult{}, err
	}
	res.Duration = m.now().Sub(started)

	m.publish(s.GroupID, types.HistoryEvent{
		Type:     types.EventBatchSyncCompleted,
		GroupID:  s.GroupID,
		MemberID: memberID,
		Count:    res.MessagesSynced,
	})
	return res, nil
}

func (m *Manager) dropSnapshot(id string) {
	m.mu.Lock()
	delete(m.snapshots, id)
	m.mu.Unlock()
	if m.snapStore != nil {
		if err := m.snapStore.Delete(id); err != nil {
			m.log.Warn("delete stale snapshot", "snapshot_id", id, "error", err)
		}
	}
}

// checksum is a SHA-256 over every message's id, timestamp and content.
func checksum(msgs []types.Message) string {
	h := sha256.New()
	var ts [8]byte
	for _, msg := range msgs {
		h.Write([]byte(msg.ID))
		binary.BigEndian.PutUint64(ts[:], uint64(msg.Timestamp))
		h.Write(ts[:])
		h.Write([]byte(msg.Content))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ============================================================================
// Gap repair
// ============================================================================

// DetectAndFillMessageGaps compares the timestamps a member observed with
// the authoritative history. Every maximal run of missing timestamps is a
// gap, and each gap is re-fetched from the store.
func (m *Manager) DetectAndFillMessageGaps(ctx context.Context, groupID, memberID string, observed []int64) (types.GapRepairResult, []types.Message, error) {
	all, err := m.all(ctx, groupID)
	if err != nil {
		return types.GapRepairResult{}, nil, err
	}
	gaps := DetectGaps(timestamps(all), observed)
	res := types.GapRepairResult{GroupID: groupID, Gaps: gaps}

	var recovered []types.Message
	for _, g := range gaps {
		msgs, err := m.fetchRange(ctx, groupID, g.StartTimestamp, g.EndTimestamp)
		if err != nil {
			return res, recovered, fmt.Errorf("fill gap %d-%d: %w", g.StartTimestamp, g.EndTimestamp, err)
		}
		recovered = append(recovered, msgs...)
	}
	res.MessagesRecovered = len(recovered)
	if len(gaps) > 0 {
		m.log.Info("message gaps filled",
			"group_id", groupID,
			"member_id", memberID,
			"gaps", len(gaps),
			"recovered", res.MessagesRecovered)
	}
	return res, recovered, nil
}

// DetectGaps returns maximal runs of authoritative timestamps absent from
// observed. authoritative must be sorted ascending.
func DetectGaps(authoritative, observed []int64) []types.MessageGap {
	seen := make(map[int64]struct{}, len(observed))
	for _, ts := range observed {
		seen[ts] = struct{}{}
	}
	var gaps []types.MessageGap
	var cur *types.MessageGap
	for _, ts := range authoritative {
		if _, ok := seen[ts]; ok {
			cur = nil
			continue
		}
		if cur == nil {
			gaps = append(gaps, types.MessageGap{StartTimestamp: ts})
			cur = &gaps[len(gaps)-1]
		}
		cur.EndTimestamp = ts
		cur.MissingCount++
	}
	return gaps
}

func (m *Manager) fetchRange(ctx context.Context, groupID string, start, end int64) ([]types.Message, error) {
	var out []types.Message
	err := m.scan(ctx, groupID, func(page []types.Message) bool {
		for _, msg := range page {
			if msg.Timestamp > end {
				return false
			}
			if msg.Timestamp >= start {
				out = append(out, msg)
			}
		}
		return true
	})
	return out, err
}

// ============================================================================
// Storage and export estimates
// ============================================================================

// OptimizeMessageStorage projects the group's size under a compression level.
func (m *Manager) OptimizeMessageStorage(ctx context.Context, groupID string, level types.CompressionLevel) (types.StorageOptimizationResult, error) {
	ratio, ok := compressionRatios[level]
	if !ok {
		return types.StorageOptimizationResult{}, fmt.Errorf("%w: %q", ErrUnknownCompressionLevel, level)
	}
	all, err := m.all(ctx, groupID)
	if err != nil {
		return types.StorageOptimizationResult{}, err
	}
	var size int64
	for _, msg := range all {
		size += msg.ByteSize()
	}
	optimized := int64(math.Round(float64(size) * ratio))
	return types.StorageOptimizationResult{
		GroupID:       groupID,
		Level:         level,
		OriginalSize:  size,
		OptimizedSize: optimized,
		SavedBytes:    size - optimized,
		Ratio:         ratio,
	}, nil
}

// ExportGroupHistory estimates an export of messages within [from, to]. A
// zero bound is open.
func (m *Manager) ExportGroupHistory(ctx context.Context, groupID string, format types.ExportFormat, from, to int64) (types.ExportResult, error) {
	mult, ok := exportMultipliers[format]
	if !ok {
		return types.ExportResult{}, fmt.Errorf("%w: %q", ErrUnknownExportFormat, format)
	}
	all, err := m.all(ctx, groupID)
	if err != nil {
		return types.ExportResult{}, err
	}
	res := types.ExportResult{GroupID: groupID, Format: format}
	for _, msg := range all {
		if from > 0 && msg.Timestamp < from {
			continue
		}
		if to > 0 && msg.Timestamp > to {
			continue
		}
		res.MessageCount++
		res.RawSize += msg.ByteSize()
	}
	res.EstimatedSize = int64(math.Round(float64(res.RawSize) * mult))
	return res, nil
}

// ============================================================================
// Message events
// ============================================================================

// RecordMessage stores a new message and emits MESSAGE_ADDED.
func (m *Manager) RecordMessage(ctx context.Context, msg types.Message) (types.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = m.now().UnixMilli()
	}
	if msg.Type == "" {
		msg.Type = types.MessageText
	}
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return types.Message{}, err
	}
	m.publish(msg.ChatID, types.HistoryEvent{Type: types.EventMessageAdded, GroupID: msg.ChatID, MessageID: msg.ID})
	return msg, nil
}

// UpdateMessage overwrites a stored message and emits MESSAGE_UPDATED.
func (m *Manager) UpdateMessage(ctx context.Context, msg types.Message) error {
	if err := m.store.SaveMessage(ctx, msg); err != nil {
		return err
	}
	m.publish(msg.ChatID, types.HistoryEvent{Type: types.EventMessageUpdated, GroupID: msg.ChatID, MessageID: msg.ID})
	return nil
}

// DeleteMessage removes one message and emits MESSAGE_DELETED.
func (m *Manager) DeleteMessage(ctx context.Context, groupID, messageID string) error {
	n, err := m.store.DeleteMessages(ctx, []string{messageID})
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	m.publish(groupID, types.HistoryEvent{Type: types.EventMessageDeleted, GroupID: groupID, MessageID: messageID})
	return nil
}

// ObserveHistoryUpdates streams history events for a group. New subscribers
// first receive the group's most recent event.
func (m *Manager) ObserveHistoryUpdates(ctx context.Context, groupID string) <-chan types.HistoryEvent {
	return m.stream(groupID).Subscribe(ctx)
}

func (m *Manager) stream(groupID string) *events.Broker[types.HistoryEvent] {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.streams[groupID]
	if !ok {
		b = events.NewBroker[types.HistoryEvent](events.DefaultBuffer)
		m.streams[groupID] = b
	}
	return b
}

func (m *Manager) publish(groupID string, ev types.HistoryEvent) {
	ev.Timestamp = m.now().UnixMilli()
	m.stream(groupID).Publish(ev)
}

// ============================================================================
// Paging helpers
// ============================================================================

// scan feeds pages of the group's history to fn until the store runs out or
// fn returns false.
func (m *Manager) scan(ctx context.Context, groupID string, fn func(page []types.Message) bool) error {
	for offset := 0; ; offset += m.pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := m.store.GetMessages(ctx, groupID, m.pageSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if !fn(page) || len(page) < m.pageSize {
			return nil
		}
	}
}

// scanSince pages from the first message at or after since. Stores without
// a range query are scanned from the start, and pages wholly before since are
// skipped without being handed to fn.
func (m *Manager) scanSince(ctx context.Context, groupID string, since int64, fn func(page []types.Message) bool) error {
	rs, ok := m.store.(RangeStore)
	if !ok {
		return m.scan(ctx, groupID, func(page []types.Message) bool {
			if page[len(page)-1].Timestamp < since {
				return true
			}
			return fn(page)
		})
	}
	for offset := 0; ; offset += m.pageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := rs.GetMessagesSince(ctx, groupID, since, m.pageSize, offset)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if !fn(page) || len(page) < m.pageSize {
			return nil
		}
	}
}

func (m *Manager) all(ctx context.Context, groupID string) ([]types.Message, error) {
	var out []types.Message
	err := m.scan(ctx, groupID, func(page []types.Message) bool {
		out = append(out, page...)
		return true
	})
	return out, err
}

func timestamps(msgs []types.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Timestamp
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
