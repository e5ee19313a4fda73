// Package crypto defines the sender-key capability the group core depends on
// and ships an in-memory reference store built on XChaCha20-Poly1305.
//
// The reference store is a stand-in for a real sender-key ratchet: every
// record holds one symmetric chain key, and replacing the record is what a
// rotation means to the rest of the system.
package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Params
const (
	ChainKeyLen   = 32
	recordVersion = 1
	recordLen     = 1 + 4 + 8 + ChainKeyLen
	keyIDLen      = 4
)

var (
	// ErrKeyNotFound indicates no record is stored under the name.
	ErrKeyNotFound = errors.New("crypto: sender key not found")
	// ErrInvalidRecord indicates a serialized record could not be parsed.
	ErrInvalidRecord = errors.New("crypto: invalid sender key record")
	// ErrStaleKey indicates the ciphertext was produced under a replaced key.
	ErrStaleKey = errors.New("crypto: ciphertext key id does not match current sender key")
	// ErrDecrypt indicates authentication of the ciphertext failed.
	ErrDecrypt = errors.New("crypto: decryption failed")
)

// SenderKeyName addresses a sender key: one per (group, sender, device).
type SenderKeyName struct {
	GroupID  string
	SenderID string
	DeviceID uint32
}

func (n SenderKeyName) String() string {
	return fmt.Sprintf("%s:%s:%d", n.GroupID, n.SenderID, n.DeviceID)
}

// SenderKeyRecord is the key material of one sender.
type SenderKeyRecord struct {
	Name      SenderKeyName
	KeyID     uint32
	ChainKey  []byte
	CreatedAt int64 // Unix ms
}

// Serialize encodes the record as version || keyID || createdAt || chainKey.
func (r *SenderKeyRecord) Serialize() []byte {
	out := make([]byte, recordLen)
	out[0] = recordVersion
	binary.BigEndian.PutUint32(out[1:5], r.KeyID)
	binary.BigEndian.PutUint64(out[5:13], uint64(r.CreatedAt))
	copy(out[13:], r.ChainKey)
	return out
}

// DeserializeSenderKeyRecord parses a record produced by Serialize.
func DeserializeSenderKeyRecord(name SenderKeyName, data []byte) (*SenderKeyRecord, error) {
	if len(data) != recordLen {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidRecord, len(data))
	}
	if data[0] != recordVersion {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidRecord, data[0])
	}
	chainKey := make([]byte, ChainKeyLen)
	copy(chainKey, data[13:])
	return &SenderKeyRecord{
		Name:      name,
		KeyID:     binary.BigEndian.Uint32(data[1:5]),
		CreatedAt: int64(binary.BigEndian.Uint64(data[5:13])),
		ChainKey:  chainKey,
	}, nil
}

func (r *SenderKeyRecord) clone() *SenderKeyRecord {
	c := *r
	c.ChainKey = append([]byte(nil), r.ChainKey...)
	return &c
}

// SignalStore is the crypto capability: sender key storage plus group
// encrypt/decrypt keyed by sender key name.
type SignalStore interface {
	CreateSenderKey(ctx context.Context, name SenderKeyName) (*SenderKeyRecord, error)
	StoreSenderKey(ctx context.Context, name SenderKeyName, record *SenderKeyRecord) error
	LoadSenderKey(ctx context.Context, name SenderKeyName) (*SenderKeyRecord, error)
	RemoveSenderKey(ctx context.Context, name SenderKeyName) error
	Encrypt(ctx context.Context, name SenderKeyName, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, name SenderKeyName, ciphertext []byte) ([]byte, error)
}

// MemoryStore is an in-memory SignalStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*SenderKeyRecord
	rand    io.Reader
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*SenderKeyRecord),
		rand:    rand.Reader,
		now:     time.Now,
	}
}

// CreateSenderKey generates fresh key material. It does not store it.
func (s *MemoryStore) CreateSenderKey(ctx context.Context, name SenderKeyName) (*SenderKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, keyIDLen+ChainKeyLen)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return nil, fmt.Errorf("crypto: generate sender key: %w", err)
	}
	return &SenderKeyRecord{
		Name:      name,
		KeyID:     binary.BigEndian.Uint32(buf[:keyIDLen]),
		ChainKey:  buf[keyIDLen:],
		CreatedAt: s.now().UnixMilli(),
	}, nil
}

// StoreSenderKey replaces whatever is stored under name.
func (s *MemoryStore) StoreSenderKey(ctx context.Context, name SenderKeyName, record *SenderKeyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record == nil || len(record.ChainKey) != ChainKeyLen {
		return ErrInvalidRecord
	}
	rec := record.clone()
	rec.Name = name
	s.mu.Lock()
	s.records[name.String()] = rec
	s.mu.Unlock()
	return nil
}

// LoadSenderKey returns a copy so the caller owns it.
func (s *MemoryStore) LoadSenderKey(ctx context.Context, name SenderKeyName) (*SenderKeyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	rec, ok := s.records[name.String()]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}
	return rec.clone(), nil
}

// RemoveSenderKey is a no-op for unknown names.
func (s *MemoryStore) RemoveSenderKey(ctx context.Context, name SenderKeyName) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, name.String())
	s.mu.Unlock()
	return nil
}

// Encrypt seals plaintext under the sender's current key.
// Output layout: keyID(4) || nonce(24) || ciphertext.
func (s *MemoryStore) Encrypt(ctx context.Context, name SenderKeyName, plaintext []byte) ([]byte, error) {
	rec, err := s.LoadSenderKey(ctx, name)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(rec)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(s.rand, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	out := make([]byte, keyIDLen, keyIDLen+len(nonce)+len(plaintext)+aead.Overhead())
	binary.BigEndian.PutUint32(out, rec.KeyID)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, additionalData(rec)), nil
}

// Decrypt opens a ciphertext produced by Encrypt under the same key.
func (s *MemoryStore) Decrypt(ctx context.Context, name SenderKeyName, ciphertext []byte) ([]byte, error) {
	rec, err := s.LoadSenderKey(ctx, name)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < keyIDLen+chacha20poly1305.NonceSizeX {
		return nil, ErrDecrypt
	}
	if binary.BigEndian.Uint32(ciphertext[:keyIDLen]) != rec.KeyID {
		return nil, ErrStaleKey
	}
	aead, err := newAEAD(rec)
	if err != nil {
		return nil, err
	}
	nonce := ciphertext[keyIDLen : keyIDLen+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, ciphertext[keyIDLen+chacha20poly1305.NonceSizeX:], additionalData(rec))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// CiphertextKeyID extracts the key id a ciphertext was sealed under.
func CiphertextKeyID(ciphertext []byte) (uint32, bool) {
	if len(ciphertext) < keyIDLen {
		return 0, false
	}
	return binary.BigEndian.Uint32(ciphertext[:keyIDLen]), true
}

// newAEAD derives the message key from the chain key via HKDF-SHA256 using
// the sender key name as info.
func newAEAD(rec *SenderKeyRecord) (interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	Overhead() int
}, error) {
	r := hkdf.New(sha256.New, rec.ChainKey, nil, []byte("groupmesh/sender-key/"+rec.Name.String()))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return chacha20poly1305.NewX(key)
}

func additionalData(rec *SenderKeyRecord) []byte {
	aad := make([]byte, 0, len(rec.Name.GroupID)+len(rec.Name.SenderID)+8)
	aad = append(aad, rec.Name.GroupID...)
	aad = append(aad, rec.Name.SenderID...)
	var v [8]byte
	binary.BigEndian.PutUint32(v[:4], rec.Name.DeviceID)
	binary.BigEndian.PutUint32(v[4:], rec.KeyID)
	return append(aad, v[:]...)
}
