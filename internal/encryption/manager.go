// ============================================================================
// GroupEncryptionManager - 群組加密與密鑰輪換
// ============================================================================
//
// Package: internal/encryption
// 功能: 管理每個群組的發送者密鑰生命週期
//
// 生命週期:
//
//	InitializeGroupEncryption → (Add | Remove | Rotate)* → CleanupGroupEncryption
//
// 前向保密:
//   - 新成員加入後，所有成員（含新成員）的密鑰都會被替換，
//     新成員無法解密加入前的訊息
//   - 成員移除後，剩餘成員的密鑰都會被替換，
//     被移除者即使保留舊密鑰也無法解密之後的訊息
//
// 並發:
//   每個群組的變更操作（init/add/remove/rotate/cleanup）在該群組的
//   keylock 上串行；不同群組互不影響。狀態流採單一寫者模式，
//   所有讀改寫都在 groupState.mu 下完成。
// ============================================================================

package encryption

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/groupmesh/internal/crypto"
	"github.com/ChuLiYu/groupmesh/internal/events"
	"github.com/ChuLiYu/groupmesh/internal/keylock"
	"github.com/ChuLiYu/groupmesh/internal/keystore"
	"github.com/ChuLiYu/groupmesh/internal/metrics"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

const (
	// MaxKeyRotationCount bounds key churn per group.
	MaxKeyRotationCount = 1000
	// EncryptionVersion is stamped on group info and distribution messages.
	EncryptionVersion = 1
	// DefaultRotationInterval is the age after which a health check asks for
	// a rotation.
	DefaultRotationInterval = 7 * 24 * time.Hour
	// DefaultDeviceID is the device used for members in group flows.
	DefaultDeviceID = keystore.DefaultDeviceID

	rotationWarnRatio = 0.9
)

var (
	ErrGroupNotInitialized   = errors.New("encryption: group not initialized")
	ErrMaxKeyRotations       = errors.New("encryption: maximum key rotation count reached")
	ErrKeyCreation           = errors.New("encryption: sender key creation failed")
	ErrDistributionMismatch  = errors.New("encryption: distribution message does not match group/sender/device")
	ErrMalformedDistribution = errors.New("encryption: malformed distribution message")
	ErrNoDistributionQueue   = errors.New("encryption: no distribution queue configured")
	ErrNotMember             = errors.New("encryption: not a member of the group")
)

// Rotation reasons reported to metrics.
const (
	reasonMemberAdded   = "member_added"
	reasonMemberRemoved = "member_removed"
	reasonManual        = "manual"
)

type groupState struct {
	mu      sync.Mutex
	info    types.GroupEncryptionInfo
	status  types.GroupEncryptionStatus
	members map[string]struct{}
	broker  *events.Broker[types.GroupEncryptionStatus]
}

// Manager 群組加密管理器
type Manager struct {
	keys  *keystore.Store
	locks *keylock.Manager

	mu     sync.Mutex
	groups map[string]*groupState

	maxRotations     int
	rotationInterval time.Duration
	queue            DistributionQueue
	metrics          *metrics.Collector
	log              *slog.Logger
	now              func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxKeyRotations overrides MaxKeyRotationCount.
func WithMaxKeyRotations(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRotations = n
		}
	}
}

// WithRotationInterval overrides DefaultRotationInterval.
func WithRotationInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.rotationInterval = d
		}
	}
}

// WithDistributionQueue sets where DistributeSenderKeys enqueues messages.
func WithDistributionQueue(q DistributionQueue) Option {
	return func(m *Manager) { m.queue = q }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager 創建群組加密管理器
func NewManager(signal crypto.SignalStore, opts ...Option) *Manager {
	m := &Manager{
		keys:             keystore.New(signal),
		locks:            keylock.New(),
		groups:           make(map[string]*groupState),
		maxRotations:     MaxKeyRotationCount,
		rotationInterval: DefaultRotationInterval,
		log:              slog.With("component", "encryption"),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Keys exposes the key rotation store.
func (m *Manager) Keys() *keystore.Store { return m.keys }

// MaxRotations returns the configured rotation bound.
func (m *Manager) MaxRotations() int { return m.maxRotations }

// state returns the group's state, creating an uninitialized one when create
// is set.
func (m *Manager) state(groupID string, create bool) *groupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.groups[groupID]
	if !ok && create {
		st = &groupState{
			info:    types.GroupEncryptionInfo{GroupID: groupID, EncryptionVersion: EncryptionVersion},
			status:  notInitializedStatus(groupID),
			members: make(map[string]struct{}),
			broker:  events.NewBroker[types.GroupEncryptionStatus](events.DefaultBuffer),
		}
		st.broker.Publish(st.status)
		m.groups[groupID] = st
	}
	return st
}

// initialized returns the state of an initialized group.
func (m *Manager) initialized(groupID string) (*groupState, error) {
	st := m.state(groupID, false)
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotInitialized, groupID)
	}
	st.mu.Lock()
	ok := st.info.Initialized
	st.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotInitialized, groupID)
	}
	return st, nil
}

func notInitializedStatus(groupID string) types.GroupEncryptionStatus {
	return types.GroupEncryptionStatus{
		GroupID: groupID,
		Issues:  []types.EncryptionIssue{{Kind: types.IssueNotInitialized}},
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

// InitializeGroupEncryption creates a sender key for every member and the
// creator. Calling it on an initialized group returns the existing info.
// If any key cannot be created, keys created by this call are removed.
func (m *Manager) InitializeGroupEncryption(ctx context.Context, groupID string, memberIDs []string, creatorID string) (types.GroupEncryptionInfo, error) {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	st := m.state(groupID, true)
	st.mu.Lock()
	if st.info.Initialized {
		info := st.info
		st.mu.Unlock()
		return info, nil
	}
	st.mu.Unlock()

	members := union(memberIDs, []string{creatorID})
	if err := m.createKeys(ctx, groupID, members); err != nil {
		return types.GroupEncryptionInfo{}, err
	}

	now := m.now().UnixMilli()
	st.mu.Lock()
	for _, id := range members {
		st.members[id] = struct{}{}
	}
	st.info = types.GroupEncryptionInfo{
		GroupID:                  groupID,
		MemberCount:              len(members),
		KeyRotationCount:         0,
		LastKeyRotationTimestamp: now,
		EncryptionVersion:        EncryptionVersion,
		Initialized:              true,
	}
	st.status = types.GroupEncryptionStatus{
		GroupID:       groupID,
		IsHealthy:     true,
		MembersSynced: len(members),
		MembersTotal:  len(members),
		LastActivity:  now,
	}
	info := st.info
	m.publishLocked(st)
	st.mu.Unlock()

	m.log.Info("group encryption initialized", "group", groupID, "members", len(members), "creator", creatorID)
	return info, nil
}

// createKeys creates first-generation keys, removing them all if one fails.
func (m *Manager) createKeys(ctx context.Context, groupID string, memberIDs []string) error {
	created := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		if _, err := m.keys.CreateKey(ctx, groupID, id, DefaultDeviceID); err != nil {
			if rbErr := m.keys.RemoveKeys(context.WithoutCancel(ctx), groupID, created); rbErr != nil {
				m.log.Warn("rollback of created keys failed", "group", groupID, "error", rbErr)
			}
			m.log.Warn("sender key creation failed", "group", groupID, "member", id, "rolled_back", len(created), "error", err)
			return fmt.Errorf("%w: member %s: %w", ErrKeyCreation, id, err)
		}
		created = append(created, id)
	}
	return nil
}

// AddMembersToGroupEncryption creates keys for new members and then rotates
// every member's key. If the rotation fails the new members' keys are removed.
func (m *Manager) AddMembersToGroupEncryption(ctx context.Context, groupID string, newMemberIDs, existingMemberIDs []string) (types.GroupEncryptionInfo, error) {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	st, err := m.initialized(groupID)
	if err != nil {
		return types.GroupEncryptionInfo{}, err
	}
	if err := m.checkRotationBudget(st); err != nil {
		return types.GroupEncryptionInfo{}, err
	}

	fresh := make([]string, 0, len(newMemberIDs))
	for _, id := range union(newMemberIDs, nil) {
		if !m.keys.Has(groupID, id) {
			fresh = append(fresh, id)
		}
	}
	if err := m.createKeys(ctx, groupID, fresh); err != nil {
		return types.GroupEncryptionInfo{}, err
	}

	st.mu.Lock()
	all := union(union(existingMemberIDs, newMemberIDs), keysOf(st.members))
	st.mu.Unlock()

	info, err := m.rotate(ctx, st, all, reasonMemberAdded)
	if err != nil {
		// 新成員不在 st.members 中，他們的密鑰不能留下
		if rbErr := m.keys.RemoveKeys(context.WithoutCancel(ctx), groupID, fresh); rbErr != nil {
			m.log.Warn("rollback of new member keys failed", "group", groupID, "error", rbErr)
		}
		return types.GroupEncryptionInfo{}, err
	}
	m.log.Info("members added", "group", groupID, "added", len(newMemberIDs), "members", info.MemberCount, "rotation", info.KeyRotationCount)
	return info, nil
}

// RemoveMembersFromGroupEncryption deletes removed members' keys and then
// rotates the keys of everyone left.
func (m *Manager) RemoveMembersFromGroupEncryption(ctx context.Context, groupID string, removedMemberIDs, remainingMemberIDs []string) (types.GroupEncryptionInfo, error) {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	st, err := m.initialized(groupID)
	if err != nil {
		return types.GroupEncryptionInfo{}, err
	}
	if err := m.checkRotationBudget(st); err != nil {
		return types.GroupEncryptionInfo{}, err
	}

	if err := m.keys.RemoveKeys(ctx, groupID, removedMemberIDs); err != nil {
		return types.GroupEncryptionInfo{}, fmt.Errorf("remove members from %s: %w", groupID, err)
	}

	removed := make(map[string]struct{}, len(removedMemberIDs))
	st.mu.Lock()
	for _, id := range removedMemberIDs {
		removed[id] = struct{}{}
		delete(st.members, id)
	}
	candidates := union(remainingMemberIDs, keysOf(st.members))
	st.mu.Unlock()

	remaining := candidates[:0]
	for _, id := range candidates {
		if _, gone := removed[id]; !gone {
			remaining = append(remaining, id)
		}
	}

	info, err := m.rotate(ctx, st, remaining, reasonMemberRemoved)
	if err != nil {
		return types.GroupEncryptionInfo{}, err
	}
	m.log.Info("members removed", "group", groupID, "removed", len(removedMemberIDs), "members", info.MemberCount, "rotation", info.KeyRotationCount)
	return info, nil
}

// RotateSenderKeys replaces the keys of the listed members, or of every
// member when memberIDs is empty.
func (m *Manager) RotateSenderKeys(ctx context.Context, groupID string, memberIDs []string) (types.GroupEncryptionInfo, error) {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	st, err := m.initialized(groupID)
	if err != nil {
		return types.GroupEncryptionInfo{}, err
	}
	if err := m.checkRotationBudget(st); err != nil {
		return types.GroupEncryptionInfo{}, err
	}

	targets := union(memberIDs, nil)
	st.mu.Lock()
	if len(targets) == 0 {
		targets = keysOf(st.members)
	}
	all := union(targets, keysOf(st.members))
	st.mu.Unlock()

	return m.rotateSubset(ctx, st, targets, all, reasonManual)
}

func (m *Manager) checkRotationBudget(st *groupState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.info.KeyRotationCount >= m.maxRotations {
		return fmt.Errorf("%w: %s has %d rotations", ErrMaxKeyRotations, st.info.GroupID, st.info.KeyRotationCount)
	}
	return nil
}

func (m *Manager) rotate(ctx context.Context, st *groupState, members []string, reason string) (types.GroupEncryptionInfo, error) {
	return m.rotateSubset(ctx, st, members, members, reason)
}

// rotateSubset replaces the keys of targets and sets the membership to
// members. Callers hold the group's keyed lock.
func (m *Manager) rotateSubset(ctx context.Context, st *groupState, targets, members []string, reason string) (types.GroupEncryptionInfo, error) {
	groupID := st.info.GroupID
	if err := m.keys.RotateKeys(ctx, groupID, targets); err != nil {
		m.log.Warn("key rotation failed", "group", groupID, "reason", reason, "error", err)
		return types.GroupEncryptionInfo{}, fmt.Errorf("%w: %w", ErrKeyCreation, err)
	}

	now := m.now().UnixMilli()
	st.mu.Lock()
	st.members = make(map[string]struct{}, len(members))
	for _, id := range members {
		st.members[id] = struct{}{}
	}
	st.info.MemberCount = len(members)
	st.info.KeyRotationCount++
	st.info.LastKeyRotationTimestamp = now
	st.status.MembersTotal = len(members)
	st.status.MembersSynced = len(members)
	st.status.IsHealthy = true
	st.status.Issues = nil
	st.status.LastActivity = now
	info := st.info
	m.publishLocked(st)
	st.mu.Unlock()

	m.metrics.RecordKeyRotation(reason)
	m.log.Debug("sender keys rotated", "group", groupID, "reason", reason, "targets", len(targets), "rotation", info.KeyRotationCount)
	return info, nil
}

// CleanupGroupEncryption removes every key and all state of the group.
// Subscribers receive a final not-initialized status and their streams end.
func (m *Manager) CleanupGroupEncryption(ctx context.Context, groupID string) error {
	unlock := m.locks.Lock(groupID)
	defer unlock()

	if err := m.keys.RemoveGroup(ctx, groupID); err != nil {
		return fmt.Errorf("cleanup %s: %w", groupID, err)
	}

	m.mu.Lock()
	st, ok := m.groups[groupID]
	delete(m.groups, groupID)
	m.mu.Unlock()

	if ok {
		st.mu.Lock()
		st.status = notInitializedStatus(groupID)
		m.publishLocked(st)
		st.mu.Unlock()
		st.broker.Close()
	}
	m.log.Info("group encryption cleaned up", "group", groupID)
	return nil
}

// ============================================================================
// Encrypt / decrypt
// ============================================================================

// EncryptGroupMessage encrypts plaintext under the sender's key.
func (m *Manager) EncryptGroupMessage(ctx context.Context, groupID, senderID string, deviceID uint32, plaintext []byte) ([]byte, error) {
	st, err := m.initialized(groupID)
	if err != nil {
		return nil, err
	}
	ct, err := m.keys.Signal().Encrypt(ctx, keystore.Name(groupID, senderID, deviceID), plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt for %s in %s: %w", senderID, groupID, err)
	}
	m.touch(st)
	return ct, nil
}

// DecryptGroupMessage decrypts a ciphertext produced under the sender's key.
func (m *Manager) DecryptGroupMessage(ctx context.Context, groupID, senderID string, deviceID uint32, ciphertext []byte) ([]byte, error) {
	st, err := m.initialized(groupID)
	if err != nil {
		return nil, err
	}
	pt, err := m.keys.Signal().Decrypt(ctx, keystore.Name(groupID, senderID, deviceID), ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypt from %s in %s: %w", senderID, groupID, err)
	}
	m.touch(st)
	return pt, nil
}

// SenderKeyID returns the id of the key EncryptGroupMessage currently seals
// under for the sender's device.
func (m *Manager) SenderKeyID(groupID, senderID string, deviceID uint32) (uint32, bool) {
	entry, ok := m.keys.Entry(groupID, senderID)
	if !ok || entry.DeviceID != deviceID {
		return 0, false
	}
	return entry.KeyID, true
}

func (m *Manager) touch(st *groupState) {
	st.mu.Lock()
	st.status.LastActivity = m.now().UnixMilli()
	m.publishLocked(st)
	st.mu.Unlock()
}

// publishLocked publishes a copy of the status. Caller holds st.mu.
func (m *Manager) publishLocked(st *groupState) {
	status := st.status
	status.Issues = append([]types.EncryptionIssue(nil), st.status.Issues...)
	st.broker.Publish(status)
}

// ============================================================================
// Sender key distribution
// ============================================================================

// GetSenderKeyDistribution serializes a member's current key for peers.
func (m *Manager) GetSenderKeyDistribution(ctx context.Context, groupID, senderID string, deviceID uint32) (types.SenderKeyDistributionMessage, error) {
	if _, err := m.initialized(groupID); err != nil {
		return types.SenderKeyDistributionMessage{}, err
	}
	rec, err := m.keys.Signal().LoadSenderKey(ctx, keystore.Name(groupID, senderID, deviceID))
	if err != nil {
		return types.SenderKeyDistributionMessage{}, fmt.Errorf("load sender key %s/%s: %w", groupID, senderID, err)
	}
	return types.SenderKeyDistributionMessage{
		GroupID:             groupID,
		SenderID:            senderID,
		DeviceID:            deviceID,
		DistributionPayload: rec.Serialize(),
		Timestamp:           m.now().UnixMilli(),
		Version:             EncryptionVersion,
	}, nil
}

// ProcessSenderKeyDistribution stores a peer's key after checking that the
// message addresses (groupID, senderID, deviceID). Rejected messages leave
// all state untouched.
func (m *Manager) ProcessSenderKeyDistribution(ctx context.Context, groupID, senderID string, deviceID uint32, msg types.SenderKeyDistributionMessage) error {
	if msg.GroupID != groupID || msg.SenderID != senderID || msg.DeviceID != deviceID {
		return fmt.Errorf("%w: got %s/%s/%d, want %s/%s/%d", ErrDistributionMismatch,
			msg.GroupID, msg.SenderID, msg.DeviceID, groupID, senderID, deviceID)
	}
	if msg.Version != EncryptionVersion {
		return fmt.Errorf("%w: version %d", ErrMalformedDistribution, msg.Version)
	}
	name := keystore.Name(groupID, senderID, deviceID)
	rec, err := crypto.DeserializeSenderKeyRecord(name, msg.DistributionPayload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedDistribution, err)
	}

	unlock := m.locks.Lock(groupID)
	defer unlock()

	if err := m.keys.Signal().StoreSenderKey(ctx, name, rec); err != nil {
		return fmt.Errorf("store distributed key %s: %w", name, err)
	}
	m.keys.Import(groupID, rec)
	m.log.Debug("sender key distribution processed", "group", groupID, "sender", senderID, "device", deviceID)
	return nil
}

// DistributeSenderKeys enqueues the sender's distribution message for every
// recipient other than the sender and returns how many were enqueued.
func (m *Manager) DistributeSenderKeys(ctx context.Context, groupID, senderID string, recipients []string) (int, error) {
	if m.queue == nil {
		return 0, ErrNoDistributionQueue
	}
	deviceID := DefaultDeviceID
	if entry, ok := m.keys.Entry(groupID, senderID); ok {
		deviceID = entry.DeviceID
	}
	msg, err := m.GetSenderKeyDistribution(ctx, groupID, senderID, deviceID)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, r := range union(recipients, nil) {
		if r == senderID {
			continue
		}
		if err := m.queue.Enqueue(ctx, r, msg); err != nil {
			return sent, fmt.Errorf("enqueue distribution for %s: %w", r, err)
		}
		sent++
	}
	m.log.Debug("sender keys distributed", "group", groupID, "sender", senderID, "recipients", sent)
	return sent, nil
}

// KeySequence returns the group's key change sequence. Pass it to
// SenderKeysSince to collect only keys installed afterwards.
func (m *Manager) KeySequence(groupID string) uint64 { return m.keys.Seq(groupID) }

// SenderKeysSince returns up to limit distribution messages for keys
// installed after the since cursor, skipping memberID's own key, and the
// cursor to pass next time. A zero since returns every current key.
func (m *Manager) SenderKeysSince(ctx context.Context, groupID, memberID string, since uint64, limit int) ([]types.SenderKeyDistributionMessage, uint64, error) {
	st, err := m.initialized(groupID)
	if err != nil {
		return nil, since, err
	}
	st.mu.Lock()
	_, member := st.members[memberID]
	st.mu.Unlock()
	if !member {
		return nil, since, fmt.Errorf("%w: %s in %s", ErrNotMember, memberID, groupID)
	}

	cursor := since
	out := make([]types.SenderKeyDistributionMessage, 0)
	for _, entry := range m.keys.ChangedSince(groupID, since) {
		if limit > 0 && len(out) >= limit {
			break
		}
		cursor = entry.Seq
		if entry.MemberID == memberID {
			continue
		}
		msg, err := m.GetSenderKeyDistribution(ctx, groupID, entry.MemberID, entry.DeviceID)
		if errors.Is(err, crypto.ErrKeyNotFound) {
			// 併發移除
			continue
		}
		if err != nil {
			return out, cursor, err
		}
		out = append(out, msg)
	}
	return out, cursor, nil
}

// PendingDistributions drains the messages queued for recipientID. When none
// are queued and wait is positive it blocks up to wait for the first one.
func (m *Manager) PendingDistributions(ctx context.Context, recipientID string, wait time.Duration) ([]types.SenderKeyDistributionMessage, error) {
	if m.queue == nil {
		return nil, ErrNoDistributionQueue
	}
	msgs, err := m.queue.Drain(ctx, recipientID)
	if err != nil || len(msgs) > 0 || wait <= 0 {
		return msgs, err
	}

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := m.queue.Wait(wctx, recipientID); err != nil {
		if ctx.Err() == nil && wctx.Err() != nil {
			return msgs, nil
		}
		return nil, err
	}
	return m.queue.Drain(ctx, recipientID)
}

// ============================================================================
// Health
// ============================================================================

// VerifySenderKeyIntegrity reports whether the sender's key record is
// present and loadable.
func (m *Manager) VerifySenderKeyIntegrity(ctx context.Context, groupID, senderID string, deviceID uint32) bool {
	name := keystore.Name(groupID, senderID, deviceID)
	rec, err := m.keys.Signal().LoadSenderKey(ctx, name)
	if err != nil {
		return false
	}
	_, err = crypto.DeserializeSenderKeyRecord(name, rec.Serialize())
	return err == nil
}

// CheckGroupHealth verifies every member's key and publishes the result.
func (m *Manager) CheckGroupHealth(ctx context.Context, groupID string) (types.GroupEncryptionStatus, error) {
	st, err := m.initialized(groupID)
	if err != nil {
		return notInitializedStatus(groupID), err
	}

	st.mu.Lock()
	members := keysOf(st.members)
	info := st.info
	st.mu.Unlock()

	var issues []types.EncryptionIssue
	synced := 0
	for _, id := range members {
		issue, ok := m.checkMember(ctx, groupID, id)
		if !ok {
			issues = append(issues, issue)
			continue
		}
		synced++
	}

	now := m.now()
	age := now.Sub(time.UnixMilli(info.LastKeyRotationTimestamp))
	switch {
	case age > m.rotationInterval:
		issues = append(issues, types.EncryptionIssue{
			Kind:   types.IssueKeyRotationNeeded,
			Detail: fmt.Sprintf("last rotation %s ago", age.Round(time.Second)),
		})
	case float64(info.KeyRotationCount) >= rotationWarnRatio*float64(m.maxRotations):
		issues = append(issues, types.EncryptionIssue{
			Kind:   types.IssueKeyRotationNeeded,
			Detail: fmt.Sprintf("%d of %d rotations used", info.KeyRotationCount, m.maxRotations),
		})
	}

	st.mu.Lock()
	st.status.MembersTotal = len(members)
	st.status.MembersSynced = synced
	st.status.Issues = issues
	st.status.IsHealthy = len(issues) == 0
	st.status.LastActivity = now.UnixMilli()
	status := st.status
	status.Issues = append([]types.EncryptionIssue(nil), issues...)
	m.publishLocked(st)
	st.mu.Unlock()

	if !status.IsHealthy {
		m.log.Warn("group encryption unhealthy", "group", groupID, "issues", len(issues))
	}
	return status, nil
}

func (m *Manager) checkMember(ctx context.Context, groupID, memberID string) (types.EncryptionIssue, bool) {
	entry, ok := m.keys.Entry(groupID, memberID)
	if !ok {
		return types.EncryptionIssue{Kind: types.IssueMissingSenderKey, MemberID: memberID}, false
	}
	rec, err := m.keys.Signal().LoadSenderKey(ctx, keystore.Name(groupID, memberID, entry.DeviceID))
	switch {
	case errors.Is(err, crypto.ErrKeyNotFound):
		return types.EncryptionIssue{Kind: types.IssueMissingSenderKey, MemberID: memberID}, false
	case err != nil:
		return types.EncryptionIssue{Kind: types.IssueCorruptedKey, MemberID: memberID, Detail: err.Error()}, false
	case len(rec.ChainKey) != crypto.ChainKeyLen:
		return types.EncryptionIssue{Kind: types.IssueCorruptedKey, MemberID: memberID, Detail: "bad key length"}, false
	case rec.KeyID != entry.KeyID:
		return types.EncryptionIssue{
			Kind:     types.IssueMemberOutOfSync,
			MemberID: memberID,
			Detail:   fmt.Sprintf("stored key %d, expected %d", rec.KeyID, entry.KeyID),
		}, false
	}
	return types.EncryptionIssue{}, true
}

// ObserveGroupEncryptionStatus streams the group's status. A group with no
// state yet starts with a NOT_INITIALIZED issue.
func (m *Manager) ObserveGroupEncryptionStatus(ctx context.Context, groupID string) <-chan types.GroupEncryptionStatus {
	return m.state(groupID, true).broker.Subscribe(ctx)
}

// GetGroupEncryptionInfo returns a copy of the group's info.
func (m *Manager) GetGroupEncryptionInfo(groupID string) (types.GroupEncryptionInfo, bool) {
	st := m.state(groupID, false)
	if st == nil {
		return types.GroupEncryptionInfo{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.info, st.info.Initialized
}

// Members returns the sorted membership of the group.
func (m *Manager) Members(groupID string) []string {
	st := m.state(groupID, false)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return keysOf(st.members)
}

// Groups lists the initialized groups in sorted order.
func (m *Manager) Groups() []string {
	m.mu.Lock()
	states := make(map[string]*groupState, len(m.groups))
	for id, st := range m.groups {
		states[id] = st
	}
	m.mu.Unlock()

	out := make([]string, 0, len(states))
	for id, st := range states {
		st.mu.Lock()
		ok := st.info.Initialized
		st.mu.Unlock()
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// ============================================================================
// Helpers
// ============================================================================

// union returns the distinct non-empty ids of a then b, in first-seen order.
func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func keysOf(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
