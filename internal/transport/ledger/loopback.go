// Package ledger is the ciphertext transport between the distributor and
// recipients: an in-process Loopback and a gRPC service wrapping any Backend.
package ledger

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

var (
	ErrNoRecipient = errors.New("ledger: envelope has no recipient")
	ErrInjected    = errors.New("ledger: injected failure")
)

// InboxLimit caps envelopes kept for a recipient with no subscriber.
const InboxLimit = 1024

const subscriberBuffer = 64

// Backend is what the gRPC server exposes.
type Backend interface {
	Send(ctx context.Context, env types.Envelope) (types.DeliveryReceipt, error)
	Subscribe(ctx context.Context, recipientID string) <-chan types.Envelope
}

// Loopback delivers envelopes to in-process subscribers. Envelopes for a
// recipient nobody listens to are kept in a bounded inbox and replayed on
// the next Subscribe.
type Loopback struct {
	mu    sync.Mutex
	subs  map[string]map[chan types.Envelope]struct{}
	inbox map[string][]types.Envelope
	sent  atomic.Int64
	now   func() time.Time
}

// NewLoopback creates an empty loopback ledger.
func NewLoopback() *Loopback {
	return &Loopback{
		subs:  make(map[string]map[chan types.Envelope]struct{}),
		inbox: make(map[string][]types.Envelope),
		now:   time.Now,
	}
}

func (l *Loopback) Send(ctx context.Context, env types.Envelope) (types.DeliveryReceipt, error) {
	if err := ctx.Err(); err != nil {
		return types.DeliveryReceipt{}, err
	}
	if env.RecipientID == "" {
		return types.DeliveryReceipt{}, ErrNoRecipient
	}

	l.mu.Lock()
	delivered := false
	for ch := range l.subs[env.RecipientID] {
		select {
		case ch <- env:
			delivered = true
		default:
		}
	}
	if !delivered {
		box := append(l.inbox[env.RecipientID], env)
		if len(box) > InboxLimit {
			box = box[len(box)-InboxLimit:]
		}
		l.inbox[env.RecipientID] = box
	}
	l.mu.Unlock()

	l.sent.Add(1)
	return types.DeliveryReceipt{
		ReceiptID:   uuid.NewString(),
		MessageID:   env.MessageID,
		RecipientID: env.RecipientID,
		Timestamp:   l.now().UnixMilli(),
	}, nil
}

// Subscribe streams envelopes for recipientID until ctx ends. Inbox
// contents are delivered first.
func (l *Loopback) Subscribe(ctx context.Context, recipientID string) <-chan types.Envelope {
	l.mu.Lock()
	box := l.inbox[recipientID]
	delete(l.inbox, recipientID)
	ch := make(chan types.Envelope, max(subscriberBuffer, len(box)))
	for _, env := range box {
		ch <- env
	}
	if l.subs[recipientID] == nil {
		l.subs[recipientID] = make(map[chan types.Envelope]struct{})
	}
	l.subs[recipientID][ch] = struct{}{}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.subs[recipientID], ch)
		if len(l.subs[recipientID]) == 0 {
			delete(l.subs, recipientID)
		}
		close(ch)
		l.mu.Unlock()
	}()
	return ch
}

// Pending returns how many envelopes wait in recipientID's inbox.
func (l *Loopback) Pending(recipientID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inbox[recipientID])
}

// Sent is the number of accepted envelopes.
func (l *Loopback) Sent() int64 { return l.sent.Load() }

// Flaky fails a fraction of sends before they reach Next.
type Flaky struct {
	Next Backend
	Rate float64 // 0..1
	Rand func() float64
}

func (f *Flaky) Send(ctx context.Context, env types.Envelope) (types.DeliveryReceipt, error) {
	r := f.Rand
	if r == nil {
		r = rand.Float64
	}
	if r() < f.Rate {
		return types.DeliveryReceipt{}, ErrInjected
	}
	return f.Next.Send(ctx, env)
}

func (f *Flaky) Subscribe(ctx context.Context, recipientID string) <-chan types.Envelope {
	return f.Next.Subscribe(ctx, recipientID)
}
