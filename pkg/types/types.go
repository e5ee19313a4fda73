// Package types defines the shared domain model of the groupmesh core.
//
// Records here cross component boundaries by value: the encryption manager
// owns GroupEncryptionInfo/Status, the distributor owns DistributionJob, the
// history manager owns snapshots. Nothing in this package holds locks.
package types

import (
	"bytes"
	"strings"
	"time"
)

// ============================================================================
// Group encryption
// ============================================================================

// GroupEncryptionInfo describes the key state of one group.
type GroupEncryptionInfo struct {
	GroupID                  string `json:"group_id"`
	MemberCount              int    `json:"member_count"`
	KeyRotationCount         int    `json:"key_rotation_count"`          // monotonically non-decreasing
	LastKeyRotationTimestamp int64  `json:"last_key_rotation_timestamp"` // Unix ms
	EncryptionVersion        int    `json:"encryption_version"`
	Initialized              bool   `json:"initialized"`
}

// IssueKind classifies an EncryptionIssue.
type IssueKind string

const (
	IssueNotInitialized    IssueKind = "NOT_INITIALIZED"
	IssueMissingSenderKey  IssueKind = "MISSING_SENDER_KEY"
	IssueKeyRotationNeeded IssueKind = "KEY_ROTATION_NEEDED"
	IssueMemberOutOfSync   IssueKind = "MEMBER_OUT_OF_SYNC"
	IssueCorruptedKey      IssueKind = "CORRUPTED_KEY"
)

// EncryptionIssue is one health problem of a group. MemberID is empty for
// group-wide issues.
type EncryptionIssue struct {
	Kind     IssueKind `json:"kind"`
	MemberID string    `json:"member_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// GroupEncryptionStatus is the live health view of a group.
type GroupEncryptionStatus struct {
	GroupID       string            `json:"group_id"`
	IsHealthy     bool              `json:"is_healthy"`
	MembersSynced int               `json:"members_synced"`
	MembersTotal  int               `json:"members_total"`
	LastActivity  int64             `json:"last_activity"` // Unix ms
	Issues        []EncryptionIssue `json:"issues,omitempty"`
}

// HasIssue reports whether the status carries an issue of the given kind.
func (s GroupEncryptionStatus) HasIssue(kind IssueKind) bool {
	for _, issue := range s.Issues {
		if issue.Kind == kind {
			return true
		}
	}
	return false
}

// SenderKeyDistributionMessage propagates a sender's current key to peers.
type SenderKeyDistributionMessage struct {
	GroupID             string `json:"group_id"`
	SenderID            string `json:"sender_id"`
	DeviceID            uint32 `json:"device_id"`
	DistributionPayload []byte `json:"distribution_payload"`
	Timestamp           int64  `json:"timestamp"`
	Version             int    `json:"version"`
}

// Equal compares two distribution messages by full content.
func (m SenderKeyDistributionMessage) Equal(o SenderKeyDistributionMessage) bool {
	return m.GroupID == o.GroupID &&
		m.SenderID == o.SenderID &&
		m.DeviceID == o.DeviceID &&
		m.Timestamp == o.Timestamp &&
		m.Version == o.Version &&
		bytes.Equal(m.DistributionPayload, o.DistributionPayload)
}

// ============================================================================
// Distribution
// ============================================================================

// DistributionStrategy is the fan-out algorithm chosen for a distribution.
type DistributionStrategy string

const (
	StrategyDirect      DistributionStrategy = "DIRECT"
	StrategyBatched     DistributionStrategy = "BATCHED"
	StrategyTreeRouting DistributionStrategy = "TREE_ROUTING"
	StrategyHybridMesh  DistributionStrategy = "HYBRID_MESH"
)

// DistributionStatus is the lifecycle state of a distribution job.
type DistributionStatus string

const (
	DistributionCreated    DistributionStatus = "CREATED"
	DistributionInProgress DistributionStatus = "IN_PROGRESS"
	DistributionCompleted  DistributionStatus = "COMPLETED"
	DistributionCancelled  DistributionStatus = "CANCELLED"
)

// DistributionJob is the record of one fan-out.
type DistributionJob struct {
	DistributionID string               `json:"distribution_id"`
	GroupID        string               `json:"group_id"`
	MessageID      string               `json:"message_id"`
	Recipients     []string             `json:"recipients"`
	Strategy       DistributionStrategy `json:"strategy"`
	Status         DistributionStatus   `json:"status"`
	CreatedAt      int64                `json:"created_at"`
	UpdatedAt      int64                `json:"updated_at"`
}

// DistributionProgress is recomputed after every recipient outcome.
type DistributionProgress struct {
	DistributionID string  `json:"distribution_id"`
	Delivered      int     `json:"delivered"`
	Failed         int     `json:"failed"`
	Pending        int     `json:"pending"`
	Percent        float64 `json:"percent"`
	ETAMs          int64   `json:"eta_ms"`
	Unbounded      bool    `json:"unbounded"` // ETA unknown: no delivery rate yet
	Attempts       int     `json:"attempts"`  // delivery attempts so far, retries included
}

// DistributionResult is the terminal snapshot of a distribution.
type DistributionResult struct {
	DistributionID       string               `json:"distribution_id"`
	TotalRecipients      int                  `json:"total_recipients"`
	SuccessfulDeliveries int                  `json:"successful_deliveries"`
	FailedDeliveries     int                  `json:"failed_deliveries"`
	FailedRecipients     []string             `json:"failed_recipients,omitempty"`
	Strategy             DistributionStrategy `json:"strategy"`
	Status               DistributionStatus   `json:"status"`
	CompletionTimestamp  int64                `json:"completion_timestamp"`
	Duration             time.Duration        `json:"duration"`
}

// Envelope is what a transport moves for one recipient (or one cluster when
// RecipientID is empty).
type Envelope struct {
	DistributionID string `json:"distribution_id"`
	MessageID      string `json:"message_id"`
	GroupID        string `json:"group_id"`
	SenderID       string `json:"sender_id"`
	DeviceID       uint32 `json:"device_id"`
	RecipientID    string `json:"recipient_id,omitempty"`
	Ciphertext     []byte `json:"ciphertext"`
	Timestamp      int64  `json:"timestamp"`
}

// DeliveryReceipt acknowledges a ledger send.
type DeliveryReceipt struct {
	ReceiptID   string `json:"receipt_id"`
	MessageID   string `json:"message_id"`
	RecipientID string `json:"recipient_id"`
	Timestamp   int64  `json:"timestamp"`
}

// NetworkConditions parameterize batch sizing.
type NetworkConditions struct {
	BandwidthKbps float64 `json:"bandwidth_kbps"`
	LatencyMs     float64 `json:"latency_ms"`
	PacketLoss    float64 `json:"packet_loss"` // 0..1
	Stability     float64 `json:"stability"`   // 0..1
}

// DeliveryThrottling bounds concurrency for one distribution.
type DeliveryThrottling struct {
	MaxConcurrentDeliveries int           `json:"max_concurrent_deliveries"`
	DelayBetweenBatches     time.Duration `json:"delay_between_batches"`
	MaxRetries              int           `json:"max_retries"`
}

// RetryStrategy is the decision returned after a failed attempt.
type RetryStrategy struct {
	ShouldRetry         bool          `json:"should_retry"`
	Delay               time.Duration `json:"delay"`
	UseAlternativeRoute bool          `json:"use_alternative_route"`
	AttemptCount        int           `json:"attempt_count"`
}

// ============================================================================
// History
// ============================================================================

// MessageType classifies stored messages.
type MessageType string

const (
	MessageText   MessageType = "TEXT"
	MessageSystem MessageType = "SYSTEM"
	MessageMedia  MessageType = "MEDIA"
)

// Message is a stored group message.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chat_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"` // Unix ms
	Size      int64       `json:"size"`      // bytes; zero means len(Content)
	Important bool        `json:"important,omitempty"`
}

// ByteSize returns the accounted size of the message.
func (m Message) ByteSize() int64 {
	if m.Size > 0 {
		return m.Size
	}
	return int64(len(m.Content))
}

// IsImportant reports whether pruning must keep the message when asked to
// preserve important history.
func (m Message) IsImportant() bool {
	if m.Important || m.Type == MessageSystem {
		return true
	}
	return strings.Contains(m.Content, "@everyone") || strings.Contains(m.Content, "!important")
}

// SnapshotValidity is how long a HistorySnapshot can seed a sync.
const SnapshotValidity = 24 * time.Hour

// HistorySnapshot is a fast-sync baseline for new members.
type HistorySnapshot struct {
	SnapshotID     string `json:"snapshot_id"`
	GroupID        string `json:"group_id"`
	Timestamp      int64  `json:"timestamp"`
	MessageCount   int    `json:"message_count"`
	CompressedSize int64  `json:"compressed_size"`
	Checksum       string `json:"checksum"`
	ExpiresAt      int64  `json:"expires_at"`
}

// Expired reports whether the snapshot is past its validity window at now.
func (s HistorySnapshot) Expired(now time.Time) bool {
	return now.UnixMilli() >= s.ExpiresAt
}

// MessageGap is a run of authoritative timestamps a member never saw.
type MessageGap struct {
	StartTimestamp int64 `json:"start_timestamp"`
	EndTimestamp   int64 `json:"end_timestamp"`
	MissingCount   int   `json:"missing_count"`
}

// SyncResult summarizes a history synchronization.
type SyncResult struct {
	GroupID          string        `json:"group_id"`
	MemberID         string        `json:"member_id"`
	MessagesSynced   int           `json:"messages_synced"`
	BytesTransferred int64         `json:"bytes_transferred"`
	StartTimestamp   int64         `json:"start_timestamp"`
	EndTimestamp     int64         `json:"end_timestamp"`
	Batches          int           `json:"batches"`
	SnapshotID       string        `json:"snapshot_id,omitempty"`
	Duration         time.Duration `json:"duration"`
}

// PruneResult summarizes a pruning pass.
type PruneResult struct {
	GroupID               string `json:"group_id"`
	MessagesRemoved       int    `json:"messages_removed"`
	ImportantMessagesKept int    `json:"important_messages_kept"`
	MessagesRemaining     int    `json:"messages_remaining"`
	BytesFreed            int64  `json:"bytes_freed"`
	Cutoff                int64  `json:"cutoff"`
}

// GapRepairResult summarizes detectAndFillMessageGaps.
type GapRepairResult struct {
	GroupID           string       `json:"group_id"`
	Gaps              []MessageGap `json:"gaps"`
	MessagesRecovered int          `json:"messages_recovered"`
}

// CompressionLevel selects a storage optimization ratio.
type CompressionLevel string

const (
	CompressionNone    CompressionLevel = "NONE"
	CompressionLow     CompressionLevel = "LOW"
	CompressionMedium  CompressionLevel = "MEDIUM"
	CompressionHigh    CompressionLevel = "HIGH"
	CompressionMaximum CompressionLevel = "MAXIMUM"
)

// StorageOptimizationResult reports projected savings.
type StorageOptimizationResult struct {
	GroupID       string           `json:"group_id"`
	Level         CompressionLevel `json:"level"`
	OriginalSize  int64            `json:"original_size"`
	OptimizedSize int64            `json:"optimized_size"`
	SavedBytes    int64            `json:"saved_bytes"`
	Ratio         float64          `json:"ratio"`
}

// ExportFormat selects an export encoding.
type ExportFormat string

const (
	ExportJSON             ExportFormat = "JSON"
	ExportCSV              ExportFormat = "CSV"
	ExportBinary           ExportFormat = "BINARY"
	ExportEncryptedArchive ExportFormat = "ENCRYPTED_ARCHIVE"
)

// ExportResult describes an export.
type ExportResult struct {
	GroupID       string       `json:"group_id"`
	Format        ExportFormat `json:"format"`
	MessageCount  int          `json:"message_count"`
	RawSize       int64        `json:"raw_size"`
	EstimatedSize int64        `json:"estimated_size"`
}

// HistoryEventType names history notifications.
type HistoryEventType string

const (
	EventMessageAdded       HistoryEventType = "MESSAGE_ADDED"
	EventMessageUpdated     HistoryEventType = "MESSAGE_UPDATED"
	EventMessageDeleted     HistoryEventType = "MESSAGE_DELETED"
	EventBatchSyncCompleted HistoryEventType = "BATCH_SYNC_COMPLETED"
	EventPruningCompleted   HistoryEventType = "PRUNING_COMPLETED"
)

// HistoryEvent is published on the history update stream.
type HistoryEvent struct {
	Type      HistoryEventType `json:"type"`
	GroupID   string           `json:"group_id"`
	MessageID string           `json:"message_id,omitempty"`
	MemberID  string           `json:"member_id,omitempty"`
	Count     int              `json:"count,omitempty"`
	Timestamp int64            `json:"timestamp"`
}
