package encryption

import (
	"context"
	"sync"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

// DistributionQueue holds sender key distribution messages until their
// recipient collects them.
type DistributionQueue interface {
	Enqueue(ctx context.Context, recipientID string, msg types.SenderKeyDistributionMessage) error
	Drain(ctx context.Context, recipientID string) ([]types.SenderKeyDistributionMessage, error)
	// Wait blocks until the recipient has a pending message or ctx ends.
	Wait(ctx context.Context, recipientID string) error
}

// MemoryDistributionQueue is a process-local DistributionQueue.
type MemoryDistributionQueue struct {
	mu      sync.Mutex
	pending map[string][]types.SenderKeyDistributionMessage
	waiters map[string]chan struct{} // closed by the next Enqueue
}

// NewMemoryDistributionQueue creates an empty queue.
func NewMemoryDistributionQueue() *MemoryDistributionQueue {
	return &MemoryDistributionQueue{
		pending: make(map[string][]types.SenderKeyDistributionMessage),
		waiters: make(map[string]chan struct{}),
	}
}

func (q *MemoryDistributionQueue) Enqueue(ctx context.Context, recipientID string, msg types.SenderKeyDistributionMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg.DistributionPayload = append([]byte(nil), msg.DistributionPayload...)
	q.mu.Lock()
	q.pending[recipientID] = append(q.pending[recipientID], msg)
	if ch, ok := q.waiters[recipientID]; ok {
		close(ch)
		delete(q.waiters, recipientID)
	}
	q.mu.Unlock()
	return nil
}

// Drain returns and clears the recipient's pending messages in FIFO order.
func (q *MemoryDistributionQueue) Drain(ctx context.Context, recipientID string) ([]types.SenderKeyDistributionMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	msgs := q.pending[recipientID]
	delete(q.pending, recipientID)
	return msgs, nil
}

func (q *MemoryDistributionQueue) Wait(ctx context.Context, recipientID string) error {
	q.mu.Lock()
	if len(q.pending[recipientID]) > 0 {
		q.mu.Unlock()
		return nil
	}
	ch, ok := q.waiters[recipientID]
	if !ok {
		ch = make(chan struct{})
		q.waiters[recipientID] = ch
	}
	q.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns how many messages wait for recipientID.
func (q *MemoryDistributionQueue) Len(recipientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[recipientID])
}

// Total returns how many messages wait across all recipients.
func (q *MemoryDistributionQueue) Total() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, msgs := range q.pending {
		n += len(msgs)
	}
	return n
}
