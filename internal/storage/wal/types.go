package wal

import "github.com/ChuLiYu/groupmesh/pkg/types"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define the distribution journal records
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreated   EventType = "CREATED"   // Distribution job registered
	EventCompleted EventType = "COMPLETED" // Distribution finished (possibly with failures)
	EventCancelled EventType = "CANCELLED" // Distribution cancelled
	EventFailed    EventType = "FAILED"    // Recipients that exhausted their retries
)

// Event represents a WAL event record. No plaintext or ciphertext is
// journaled, only ids and counts.
type Event struct {
	Seq              uint64                     `json:"seq"`  // monotonically increasing
	Type             EventType                  `json:"type"` // event type
	DistributionID   string                     `json:"distribution_id"`
	GroupID          string                     `json:"group_id,omitempty"`
	MessageID        string                     `json:"message_id,omitempty"`
	Strategy         types.DistributionStrategy `json:"strategy,omitempty"`
	Recipients       int                        `json:"recipients,omitempty"`
	Delivered        int                        `json:"delivered,omitempty"`
	Failed           int                        `json:"failed,omitempty"`
	FailedRecipients []string                   `json:"failed_recipients,omitempty"`
	Timestamp        int64                      `json:"timestamp"` // Unix ms
	Checksum         uint32                     `json:"checksum"`  // CRC32
}

// Record is what callers append; Seq, Timestamp and Checksum are assigned
// by the WAL.
type Record struct {
	Type             EventType
	DistributionID   string
	GroupID          string
	MessageID        string
	Strategy         types.DistributionStrategy
	Recipients       int
	Delivered        int
	Failed           int
	FailedRecipients []string
}

// EventHandler is the function type for processing WAL events
// Used during Replay to rebuild the set of unfinished distributions
type EventHandler func(event Event) error
