package history

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// ErrChatNotFound indicates the store has no record of the chat.
var ErrChatNotFound = errors.New("history: chat not found")

// MessageStore is the message repository. GetMessages returns messages in
// ascending timestamp order.
type MessageStore interface {
	GetMessages(ctx context.Context, chatID string, limit, offset int) ([]types.Message, error)
	SaveMessage(ctx context.Context, msg types.Message) error
	DeleteMessages(ctx context.Context, ids []string) (int, error)
}

// RangeStore is implemented by stores that can page from a timestamp on,
// so a sync never reads history older than its window.
type RangeStore interface {
	GetMessagesSince(ctx context.Context, chatID string, since int64, limit, offset int) ([]types.Message, error)
}

// MemoryStore is an in-memory MessageStore. SaveMessage upserts by id.
type MemoryStore struct {
	mu    sync.RWMutex
	chats map[string][]types.Message
	index map[string]string // message id -> chat id
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats: make(map[string][]types.Message),
		index: make(map[string]string),
	}
}

func (s *MemoryStore) GetMessages(ctx context.Context, chatID string, limit, offset int) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return []types.Message{}, nil
	}
	end := len(msgs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]types.Message(nil), msgs[offset:end]...), nil
}

// GetMessagesSince pages the messages with Timestamp >= since.
func (s *MemoryStore) GetMessagesSince(ctx context.Context, chatID string, since int64, limit, offset int) ([]types.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	start := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp >= since })
	msgs = msgs[start:]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return []types.Message{}, nil
	}
	end := len(msgs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]types.Message(nil), msgs[offset:end]...), nil
}

func (s *MemoryStore) SaveMessage(ctx context.Context, msg types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.index[msg.ID]; ok && prev != msg.ChatID {
		s.chats[prev] = without(s.chats[prev], map[string]struct{}{msg.ID: {}})
	}
	msgs := without(s.chats[msg.ChatID], map[string]struct{}{msg.ID: {}})
	msgs = append(msgs, msg)
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	s.chats[msg.ChatID] = msgs
	s.index[msg.ID] = msg.ChatID
	return nil
}

func (s *MemoryStore) DeleteMessages(ctx context.Context, ids []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byChat := make(map[string]map[string]struct{})
	for _, id := range ids {
		chat, ok := s.index[id]
		if !ok {
			continue
		}
		if byChat[chat] == nil {
			byChat[chat] = make(map[string]struct{})
		}
		byChat[chat][id] = struct{}{}
		delete(s.index, id)
	}
	n := 0
	for chat, drop := range byChat {
		before := len(s.chats[chat])
		s.chats[chat] = without(s.chats[chat], drop)
		n += before - len(s.chats[chat])
	}
	return n, nil
}

// Len returns the number of messages stored for chatID.
func (s *MemoryStore) Len(chatID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats[chatID])
}

func without(msgs []types.Message, drop map[string]struct{}) []types.Message {
	out := msgs[:0:0]
	for _, m := range msgs {
		if _, ok := drop[m.ID]; !ok {
			out = append(out, m)
		}
	}
	return out
}
