// Package redis keeps pending sender key distribution messages in Redis so
// members on other nodes can collect them.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

const (
	// KeyDistributionTTL bounds how long an uncollected message lives.
	KeyDistributionTTL = 24 * time.Hour

	msgPrefix    = "skdm:msg:"    // skdm:msg:{id} - serialized message
	queuePrefix  = "skdm:queue:"  // skdm:queue:{recipientId} - FIFO of ids
	notifyPrefix = "skdm:notify:" // pub/sub channel per recipient
)

// Queue implements encryption.DistributionQueue on Redis.
type Queue struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewQueue wraps a connected client. ttl <= 0 uses KeyDistributionTTL.
func NewQueue(rdb redis.UniversalClient, ttl time.Duration) *Queue {
	if ttl <= 0 {
		ttl = KeyDistributionTTL
	}
	return &Queue{rdb: rdb, ttl: ttl}
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

type entry struct {
	ID      string                              `json:"id"`
	Message types.SenderKeyDistributionMessage `json:"message"`
}

// Enqueue stores msg with a TTL and appends it to the recipient's queue.
func (q *Queue) Enqueue(ctx context.Context, recipientID string, msg types.SenderKeyDistributionMessage) error {
	e := entry{ID: uuid.NewString(), Message: msg}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal distribution message: %w", err)
	}

	queueKey := queuePrefix + recipientID
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, msgPrefix+e.ID, data, q.ttl)
		p.RPush(ctx, queueKey, e.ID)
		p.Expire(ctx, queueKey, q.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue for %s: %w", recipientID, err)
	}

	// 通知失敗不影響入隊
	q.rdb.Publish(ctx, notifyPrefix+recipientID, e.ID)
	return nil
}

// Drain atomically takes the recipient's queue and returns the messages that
// have not expired, oldest first.
func (q *Queue) Drain(ctx context.Context, recipientID string) ([]types.SenderKeyDistributionMessage, error) {
	queueKey := queuePrefix + recipientID

	var ids *redis.StringSliceCmd
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		ids = p.LRange(ctx, queueKey, 0, -1)
		p.Del(ctx, queueKey)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("drain queue for %s: %w", recipientID, err)
	}

	out := make([]types.SenderKeyDistributionMessage, 0, len(ids.Val()))
	for _, id := range ids.Val() {
		key := msgPrefix + id
		data, err := q.rdb.GetDel(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// 已過期
			continue
		}
		if err != nil {
			return out, fmt.Errorf("get %s: %w", key, err)
		}
		var e entry
		if err := json.Unmarshal(data, &e); err != nil {
			continue
		}
		out = append(out, e.Message)
	}
	return out, nil
}

// Wait blocks until the recipient's queue is non-empty or ctx ends. It
// listens on the recipient's notification channel, so a member on another
// node wakes as soon as a message is queued for it.
func (q *Queue) Wait(ctx context.Context, recipientID string) error {
	sub := q.rdb.Subscribe(ctx, notifyPrefix+recipientID)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe for %s: %w", recipientID, err)
	}

	// 訂閱確認之後再檢查，之前入隊的訊息不會漏掉
	n, err := q.rdb.LLen(ctx, queuePrefix+recipientID).Result()
	if err != nil {
		return fmt.Errorf("queue length for %s: %w", recipientID, err)
	}
	if n > 0 {
		return nil
	}

	select {
	case <-sub.Channel():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
