// Package events implements conflating observable streams.
package events

import (
	"context"
	"sync"
)

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 16

// Broker fans a stream of values out to subscribers. A new subscriber first
// receives the latest published value. Publish never blocks: when a
// subscriber's buffer is full its oldest pending value is dropped.
type Broker[T any] struct {
	mu      sync.Mutex
	subs    map[chan T]struct{}
	last    T
	hasLast bool
	closed  bool
	done    chan struct{} // closed by Close
	buffer  int
}

// NewBroker creates a broker whose subscribers buffer up to buffer values.
func NewBroker[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker[T]{subs: make(map[chan T]struct{}), done: make(chan struct{}), buffer: buffer}
}

// Subscribe returns a channel that is closed when ctx ends or the broker is
// closed. The watcher goroutine exits on whichever happens first.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		if b.hasLast {
			ch <- b.last
		}
		close(ch)
		b.mu.Unlock()
		return ch
	}
	if b.hasLast {
		ch <- b.last
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	if ctx.Done() == nil {
		return ch
	}
	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(ch)
		case <-b.done:
		}
	}()
	return ch
}

func (b *Broker[T]) unsubscribe(ch chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish records v as the latest value and offers it to every subscriber.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last = v
	b.hasLast = true
	for ch := range b.subs {
		offer(ch, v)
	}
}

// offer sends without blocking, evicting the oldest buffered value once.
// Only Publish sends, under b.mu, so a single eviction always makes room.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}

// Latest returns the last published value.
func (b *Broker[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Subscribers reports the current subscriber count.
func (b *Broker[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends every subscription. Values already buffered stay readable.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
