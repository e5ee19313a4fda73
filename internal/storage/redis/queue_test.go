package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groupmesh/internal/encryption"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

var _ encryption.DistributionQueue = (*Queue)(nil)

// newTestQueue 以記憶體中的 Redis 建立 Queue
func newTestQueue(t *testing.T, ttl time.Duration) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, ttl), mr
}

func skdm(version int) types.SenderKeyDistributionMessage {
	return types.SenderKeyDistributionMessage{
		GroupID:             "g1",
		SenderID:            "alice",
		DeviceID:            1,
		DistributionPayload: []byte{byte(version), 0xAA},
		Timestamp:           int64(1000 + version),
		Version:             version,
	}
}

func TestQueue_FIFO(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx := context.Background()

	for v := 1; v <= 3; v++ {
		require.NoError(t, q.Enqueue(ctx, "bob", skdm(v)))
	}

	got, err := q.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, m := range got {
		assert.True(t, m.Equal(skdm(i+1)), "message %d", i)
	}

	got, err = q.Drain(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueue_RecipientsAreSeparate(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "bob", skdm(1)))
	require.NoError(t, q.Enqueue(ctx, "carol", skdm(2)))

	got, err := q.Drain(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Version)

	got, err = q.Drain(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Version)
}

func TestQueue_SetsTTL(t *testing.T) {
	q, mr := newTestQueue(t, time.Minute)
	require.NoError(t, q.Enqueue(context.Background(), "bob", skdm(1)))

	assert.Equal(t, time.Minute, mr.TTL(queuePrefix+"bob"))
	keys := mr.Keys()
	assert.Len(t, keys, 2, "one message key and one queue key: %v", keys)
}

func TestQueue_Expired(t *testing.T) {
	q, mr := newTestQueue(t, time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "carol", skdm(1)))
	mr.FastForward(2 * time.Second)

	got, err := q.Drain(ctx, "carol")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// 佇列 id 還在但訊息本體已過期時跳過該筆
func TestQueue_SkipsExpiredMessageBody(t *testing.T) {
	q, mr := newTestQueue(t, time.Minute)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "dave", skdm(1)))
	require.NoError(t, q.Enqueue(ctx, "dave", skdm(2)))

	ids, err := mr.List(queuePrefix + "dave")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	mr.Del(msgPrefix + ids[0])

	got, err := q.Drain(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Version)
}

func TestQueue_WaitReturnsWhenPending(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, "erin", skdm(1)))
	require.NoError(t, q.Wait(ctx, "erin"))
}

func TestQueue_WaitWakesOnEnqueue(t *testing.T) {
	q, mr := newTestQueue(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- q.Wait(ctx, "frank") }()

	// 等訂閱建立後再入隊
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(notifyPrefix + "frank")[notifyPrefix+"frank"] == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, q.Enqueue(ctx, "frank", skdm(1)))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not wake up")
	}
}

func TestQueue_WaitHonoursContext(t *testing.T) {
	q, _ := newTestQueue(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, q.Wait(ctx, "nobody"), context.DeadlineExceeded)
}

func TestNewQueue_DefaultTTL(t *testing.T) {
	q := NewQueue(nil, 0)
	assert.Equal(t, KeyDistributionTTL, q.ttl)
}
