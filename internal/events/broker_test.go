package events

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestSubscribeReplaysLatest(t *testing.T) {
	b := NewBroker[int](4)
	b.Publish(1)
	b.Publish(2)

	ch := b.Subscribe(context.Background())
	assert.Equal(t, 2, recv(t, ch))

	b.Publish(3)
	assert.Equal(t, 3, recv(t, ch))
}

func TestPublishConflatesSlowSubscriber(t *testing.T) {
	b := NewBroker[int](2)
	ch := b.Subscribe(context.Background())
	for i := 1; i <= 10; i++ {
		b.Publish(i)
	}
	assert.Equal(t, 9, recv(t, ch))
	assert.Equal(t, 10, recv(t, ch))
}

func TestCancelUnsubscribes(t *testing.T) {
	b := NewBroker[string](1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := b.Subscribe(ctx)
	assert.Equal(t, 1, b.Subscribers())

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Equal(t, 0, b.Subscribers())
}

func TestCloseKeepsBufferedValues(t *testing.T) {
	b := NewBroker[string](4)
	ch := b.Subscribe(context.Background())
	b.Publish("final")
	b.Close()

	assert.Equal(t, "final", recv(t, ch))
	_, ok := <-ch
	assert.False(t, ok)

	// publishing after close is ignored, late subscribers get the last value
	b.Publish("ignored")
	late := b.Subscribe(context.Background())
	assert.Equal(t, "final", recv(t, late))
	_, ok = <-late
	assert.False(t, ok)
}

func TestCloseReleasesWatchers(t *testing.T) {
	// 長壽 context 的訂閱在 broker 關閉後不應留下 goroutine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	before := runtime.NumGoroutine()
	for i := 0; i < 500; i++ {
		b := NewBroker[int](1)
		b.Publish(i)
		b.Subscribe(ctx)
		b.Close()
	}
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+5
	}, 2*time.Second, 10*time.Millisecond)

	// context.Background 永遠不會結束，不需要 watcher
	for i := 0; i < 500; i++ {
		b := NewBroker[int](1)
		b.Subscribe(context.Background())
		b.Close()
	}
	assert.LessOrEqual(t, runtime.NumGoroutine(), before+5)
}
