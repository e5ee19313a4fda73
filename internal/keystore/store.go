// ============================================================================
// KeyRotationStore - 群組發送者密鑰表
// ============================================================================
// Per-group member -> sender key bookkeeping on top of a crypto.SignalStore.
// The SignalStore holds the key material; this store tracks which member
// owns which key, on which device, and in which generation.
//
// The store does no locking across calls. Callers serialize mutations of one
// group (the encryption manager holds the group's keyed lock).
package keystore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/groupmesh/internal/crypto"
)

// DefaultDeviceID is the device every member uses unless told otherwise.
const DefaultDeviceID uint32 = 1

// Entry describes the current key of one member.
type Entry struct {
	MemberID   string `json:"member_id"`
	DeviceID   uint32 `json:"device_id"`
	KeyID      uint32 `json:"key_id"`
	Generation int    `json:"generation"`
	CreatedAt  int64  `json:"created_at"`
	Seq        uint64 `json:"seq"` // group change sequence at install time
}

// Store tracks sender keys per group.
type Store struct {
	signal crypto.SignalStore

	mu     sync.RWMutex
	groups map[string]map[string]Entry // groupID -> memberID -> entry
	seq    map[string]uint64           // groupID -> last change; survives RemoveGroup
}

// New creates a store backed by signal.
func New(signal crypto.SignalStore) *Store {
	return &Store{
		signal: signal,
		groups: make(map[string]map[string]Entry),
		seq:    make(map[string]uint64),
	}
}

// Signal exposes the underlying crypto capability.
func (s *Store) Signal() crypto.SignalStore { return s.signal }

// Name builds the sender key name of a member.
func Name(groupID, memberID string, deviceID uint32) crypto.SenderKeyName {
	return crypto.SenderKeyName{GroupID: groupID, SenderID: memberID, DeviceID: deviceID}
}

// CreateKey generates and persists a first-generation key for memberID.
func (s *Store) CreateKey(ctx context.Context, groupID, memberID string, deviceID uint32) (Entry, error) {
	return s.install(ctx, groupID, memberID, deviceID, 1)
}

func (s *Store) install(ctx context.Context, groupID, memberID string, deviceID uint32, generation int) (Entry, error) {
	name := Name(groupID, memberID, deviceID)
	rec, err := s.signal.CreateSenderKey(ctx, name)
	if err != nil {
		return Entry{}, fmt.Errorf("create sender key %s: %w", name, err)
	}
	if err := s.signal.StoreSenderKey(ctx, name, rec); err != nil {
		return Entry{}, fmt.Errorf("store sender key %s: %w", name, err)
	}

	entry := Entry{
		MemberID:   memberID,
		DeviceID:   deviceID,
		KeyID:      rec.KeyID,
		Generation: generation,
		CreatedAt:  rec.CreatedAt,
	}
	s.mu.Lock()
	members, ok := s.groups[groupID]
	if !ok {
		members = make(map[string]Entry)
		s.groups[groupID] = members
	}
	s.seq[groupID]++
	entry.Seq = s.seq[groupID]
	members[memberID] = entry
	s.mu.Unlock()
	return entry, nil
}

// RotateKeys replaces the key of every listed member. Members without a key
// get a fresh one on DefaultDeviceID. It stops at the first failure; keys
// rotated before it stay rotated.
func (s *Store) RotateKeys(ctx context.Context, groupID string, memberIDs []string) error {
	for _, memberID := range memberIDs {
		deviceID, generation := DefaultDeviceID, 1
		if prev, ok := s.Entry(groupID, memberID); ok {
			deviceID = prev.DeviceID
			generation = prev.Generation + 1
		}
		if _, err := s.install(ctx, groupID, memberID, deviceID, generation); err != nil {
			return fmt.Errorf("rotate %s: %w", memberID, err)
		}
	}
	return nil
}

// Import records a key that was stored directly in the SignalStore (for
// example from a peer's distribution message).
func (s *Store) Import(groupID string, rec *crypto.SenderKeyRecord) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.groups[groupID]
	if !ok {
		members = make(map[string]Entry)
		s.groups[groupID] = members
	}
	generation := 1
	if prev, ok := members[rec.Name.SenderID]; ok {
		generation = prev.Generation + 1
	}
	entry := Entry{
		MemberID:   rec.Name.SenderID,
		DeviceID:   rec.Name.DeviceID,
		KeyID:      rec.KeyID,
		Generation: generation,
		CreatedAt:  rec.CreatedAt,
	}
	s.seq[groupID]++
	entry.Seq = s.seq[groupID]
	members[rec.Name.SenderID] = entry
	return entry
}

// RemoveKeys deletes the keys of the listed members. Unknown members are
// ignored.
func (s *Store) RemoveKeys(ctx context.Context, groupID string, memberIDs []string) error {
	for _, memberID := range memberIDs {
		entry, ok := s.Entry(groupID, memberID)
		deviceID := DefaultDeviceID
		if ok {
			deviceID = entry.DeviceID
		}
		if err := s.signal.RemoveSenderKey(ctx, Name(groupID, memberID, deviceID)); err != nil {
			return fmt.Errorf("remove sender key %s/%s: %w", groupID, memberID, err)
		}
		s.mu.Lock()
		if members, ok := s.groups[groupID]; ok {
			delete(members, memberID)
		}
		s.mu.Unlock()
	}
	return nil
}

// RemoveGroup deletes every key of the group.
func (s *Store) RemoveGroup(ctx context.Context, groupID string) error {
	if err := s.RemoveKeys(ctx, groupID, s.Members(groupID)); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.groups, groupID)
	s.mu.Unlock()
	return nil
}

// Entry returns the key entry of a member.
func (s *Store) Entry(groupID, memberID string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.groups[groupID][memberID]
	return entry, ok
}

// Seq returns the group's change sequence. Every installed or imported key
// takes the next value.
func (s *Store) Seq(groupID string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq[groupID]
}

// ChangedSince returns the current entries installed after since, in
// sequence order. A key replaced twice appears once, at its latest sequence.
func (s *Store) ChangedSince(groupID string, since uint64) []Entry {
	s.mu.RLock()
	out := make([]Entry, 0)
	for _, e := range s.groups[groupID] {
		if e.Seq > since {
			out = append(out, e)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Has reports whether memberID holds a key in groupID.
func (s *Store) Has(groupID, memberID string) bool {
	_, ok := s.Entry(groupID, memberID)
	return ok
}

// Members returns the sorted ids of members holding keys.
func (s *Store) Members(groupID string) []string {
	s.mu.RLock()
	members := make([]string, 0, len(s.groups[groupID]))
	for id := range s.groups[groupID] {
		members = append(members, id)
	}
	s.mu.RUnlock()
	sort.Strings(members)
	return members
}

// Size returns how many members of groupID hold keys.
func (s *Store) Size(groupID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.groups[groupID])
}
