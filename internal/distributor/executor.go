package distributor

// ============================================================================
// 策略執行器
// 職責：
// 1. DIRECT - 每個收件人一個 goroutine
// 2. BATCHED - 分塊交給 worker.Pool，塊內依序投遞
// 3. TREE_ROUTING - 10 叉樹，節點投遞自己的收件人並並發展開子樹
// 4. HYBRID_MESH - 每 1000 人一個 cluster 交給 mesh 轉發
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/groupmesh/internal/events"
	"github.com/ChuLiYu/groupmesh/internal/optimizer"
	"github.com/ChuLiYu/groupmesh/internal/worker"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

type executor struct {
	d        *Distributor
	run      *run
	broker   *events.Broker[types.DistributionProgress]
	throttle types.DeliveryThrottling
}

func (ex *executor) limit() int64 {
	if ex.throttle.MaxConcurrentDeliveries < 1 {
		return 1
	}
	return int64(ex.throttle.MaxConcurrentDeliveries)
}

// direct fans out to every recipient at once.
func (ex *executor) direct(ctx context.Context, recipients []string) {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range recipients {
		g.Go(func() error {
			ex.deliver(gctx, r)
			return nil
		})
	}
	_ = g.Wait()
}

// batched delivers chunks concurrently through a worker pool sized by the
// rate limit; recipients inside a chunk go one after another.
func (ex *executor) batched(ctx context.Context, recipients []string) {
	size := batchBracket(len(recipients))
	if nc := ex.run.req.Network; nc != nil {
		size = ex.d.opt.CalculateOptimalBatchSize(len(recipients), *nc)
	}
	chunks := chunk(recipients, size)

	pool := worker.NewPool(len(chunks))
	if err := pool.Start(ctx, min(int(ex.limit()), len(chunks))); err != nil {
		ex.d.log.Warn("start worker pool", "distribution_id", ex.run.id, "error", err)
		return
	}

	for i, c := range chunks {
		if i > 0 && ex.throttle.DelayBetweenBatches > 0 {
			if err := sleep(ctx, ex.throttle.DelayBetweenBatches); err != nil {
				break
			}
		}
		task := worker.Task{
			ID: ex.run.id + "/chunk-" + strconv.Itoa(i),
			Run: func(ctx context.Context) error {
				for _, r := range c {
					if err := ctx.Err(); err != nil {
						return err
					}
					ex.deliver(ctx, r)
				}
				return nil
			},
		}
		if err := pool.Submit(ctx, task); err != nil {
			break
		}
	}
	pool.Stop()

	for {
		res, err := pool.ReceiveResult(context.Background())
		if err != nil {
			break
		}
		if !res.Success {
			ex.d.log.Debug("chunk ended early", "task_id", res.TaskID, "error", res.Error)
		}
	}
}

// tree builds heap-ordered nodes of TreeFanout recipients each. A node
// spawns its child subtrees and then delivers to its own recipients, all in
// one errgroup under the in-flight semaphore.
func (ex *executor) tree(ctx context.Context, recipients []string) {
	nodes := chunk(recipients, TreeFanout)
	if len(nodes) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(ex.limit())

	var visit func(i int) error
	visit = func(i int) error {
		for _, c := range treeChildren(i, len(nodes), TreeFanout) {
			g.Go(func() error { return visit(c) })
		}
		for _, r := range nodes[i] {
			if err := sem.Acquire(gctx, 1); err != nil {
				return nil
			}
			g.Go(func() error {
				defer sem.Release(1)
				ex.deliver(gctx, r)
				return nil
			})
		}
		return nil
	}

	ex.d.log.Debug("delivery tree",
		"distribution_id", ex.run.id,
		"nodes", len(nodes),
		"depth", treeDepth(len(nodes), TreeFanout))
	g.Go(func() error { return visit(0) })
	_ = g.Wait()
}

// hybrid hands each cluster to the mesh. Members the mesh could not reach
// fall back to per-recipient delivery with retries.
func (ex *executor) hybrid(ctx context.Context, recipients []string) {
	clusters := chunk(recipients, ClusterSize)
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(ex.limit())

	fallback := func(members []string) {
		for _, r := range members {
			if err := sem.Acquire(gctx, 1); err != nil {
				return
			}
			g.Go(func() error {
				defer sem.Release(1)
				ex.deliver(gctx, r)
				return nil
			})
		}
	}

	for i, cluster := range clusters {
		g.Go(func() error {
			if ex.d.mesh == nil {
				fallback(cluster)
				return nil
			}
			failed, err := ex.relay(gctx, i, cluster)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				ex.d.log.Warn("mesh cluster failed, falling back",
					"distribution_id", ex.run.id, "cluster", i, "members", len(cluster), "error", err)
				fallback(cluster)
				return nil
			}
			fallback(failed)
			return nil
		})
	}
	_ = g.Wait()
}

// relay delivers one cluster through the mesh and records every member it
// reached. It returns the members left to retry.
func (ex *executor) relay(ctx context.Context, index int, cluster []string) ([]string, error) {
	req := ex.run.req
	clusterKey := "mesh:cluster-" + strconv.Itoa(index)
	ciphertext, err := ex.ciphertext(ctx, clusterKey)
	if err != nil {
		return nil, err
	}
	env := ex.envelope("", ciphertext)
	failed, err := ex.d.mesh.Deliver(ctx, cluster, env)
	if err != nil {
		return nil, err
	}

	missed := make(map[string]struct{}, len(failed))
	for _, f := range failed {
		missed[f] = struct{}{}
	}
	var retry []string
	for _, m := range cluster {
		if _, ok := missed[m]; ok {
			retry = append(retry, m)
			continue
		}
		ex.outcome(m, true)
	}
	ex.d.log.Debug("mesh cluster delivered",
		"distribution_id", ex.run.id,
		"group_id", req.GroupID,
		"cluster", index,
		"members", len(cluster),
		"unreached", len(retry))
	return retry, nil
}

// ============================================================================
// 單一收件人
// ============================================================================

// deliver runs the sequential retry loop for one recipient and records the
// final outcome.
func (ex *executor) deliver(ctx context.Context, recipient string) {
	if ctx.Err() != nil {
		return
	}
	opt := ex.d.opt
	attempt := 0
	maxAttempts := min(optimizer.MaxAttempts, ex.throttle.MaxRetries+1)
	if ex.throttle.MaxRetries <= 0 {
		maxAttempts = optimizer.MaxAttempts
	}
	var next time.Duration
	useMesh := false

	backoff := retry.BackoffFunc(func() (time.Duration, bool) {
		return next, false
	})
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := ex.attempt(ctx, recipient, useMesh)
		ex.run.attempted()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		decision := opt.HandleDeliveryFailure(recipient, attempt, err)
		if !decision.ShouldRetry || attempt >= maxAttempts {
			return fmt.Errorf("%w: %s after %d attempts: %w", ErrRetriesExhausted, recipient, attempt, err)
		}
		ex.d.metrics.RecordRetry()
		next = decision.Delay
		useMesh = decision.UseAlternativeRoute && ex.d.mesh != nil
		// 每次失敗的嘗試也更新進度，訂閱者可看到重試中的 ETA
		ex.broker.Publish(ex.run.snapshot(opt, ex.d.now()))
		return retry.RetryableError(err)
	})

	switch {
	case err == nil:
		opt.RecordDeliverySuccess(recipient)
		ex.outcome(recipient, true)
	case ctx.Err() != nil && !errors.Is(err, ErrRetriesExhausted):
		// 取消時不計入失敗，收件人維持 pending
	default:
		ex.d.log.Debug("recipient failed", "distribution_id", ex.run.id, "recipient", recipient, "error", err)
		ex.outcome(recipient, false)
	}
}

// attempt is one cache → encrypt → transport pass.
func (ex *executor) attempt(ctx context.Context, recipient string, viaMesh bool) error {
	ciphertext, err := ex.ciphertext(ctx, recipient)
	if err != nil {
		return err
	}
	env := ex.envelope(recipient, ciphertext)
	if viaMesh {
		failed, err := ex.d.mesh.Deliver(ctx, []string{recipient}, env)
		if err != nil {
			return fmt.Errorf("mesh: %w", err)
		}
		if len(failed) > 0 {
			return fmt.Errorf("mesh: %s unreachable", recipient)
		}
		return nil
	}
	if _, err := ex.d.ledger.Send(ctx, env); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

func (ex *executor) ciphertext(ctx context.Context, key string) ([]byte, error) {
	req := ex.run.req
	key = ex.cacheKey(key)
	if ct, ok := ex.d.opt.GetCachedEncryptedMessage(req.MessageID, key); ok {
		return ct, nil
	}
	ct, err := ex.d.enc.EncryptGroupMessage(ctx, req.GroupID, req.SenderID, req.DeviceID, req.Plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	ex.d.opt.CacheEncryptedMessage(req.MessageID, key, ct)
	return ct, nil
}

// cacheKey qualifies key with the sender's current key id when the encryptor
// reports one, so ciphertext sealed before a rotation is never served after it.
// A rotation racing the encrypt only stores newer ciphertext under the older
// label, which later lookups never ask for.
func (ex *executor) cacheKey(key string) string {
	kv, ok := ex.d.enc.(KeyVersioner)
	if !ok {
		return key
	}
	req := ex.run.req
	id, ok := kv.SenderKeyID(req.GroupID, req.SenderID, req.DeviceID)
	if !ok {
		return key
	}
	return key + "@" + strconv.FormatUint(uint64(id), 10)
}

func (ex *executor) envelope(recipient string, ciphertext []byte) types.Envelope {
	req := ex.run.req
	return types.Envelope{
		DistributionID: ex.run.id,
		MessageID:      req.MessageID,
		GroupID:        req.GroupID,
		SenderID:       req.SenderID,
		DeviceID:       req.DeviceID,
		RecipientID:    recipient,
		Ciphertext:     ciphertext,
		Timestamp:      ex.d.now().UnixMilli(),
	}
}

// outcome records one recipient result and publishes progress.
func (ex *executor) outcome(recipient string, ok bool) {
	ex.run.record(recipient, ok)
	ex.d.metrics.RecordDelivery(ok)
	ex.broker.Publish(ex.run.snapshot(ex.d.opt, ex.d.now()))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
