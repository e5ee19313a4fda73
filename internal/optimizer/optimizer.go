// ============================================================================
// MessageDeliveryOptimizer - 投遞優化
// ============================================================================
//
// Package: internal/optimizer
// 功能: 為分發器提供投遞順序、批次大小、限流參數、重試決策與加密快取
//
// 連通性分數:
//   每個收件人一個分數，預設 0.5，成功 +0.1，失敗 -0.1，限制在 [0,1]。
//   分數高者優先投遞。
//
// 重試退避:
//   delay = base × 2^(attempt-1) + jitter(≤10%)，上限 maxDelay
//   attempt < 5 才重試；attempt > 2 改走替代路由
//
// 快取:
//   (messageID, recipientID) → ciphertext。超過容量時一次丟棄最舊的 20%，
//   不是嚴格的 LRU。
// ============================================================================

package optimizer

import (
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/groupmesh/internal/metrics"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

const (
	DefaultScore = 0.5
	scoreStep    = 0.1

	// MaxAttempts is the attempt count at which retrying stops.
	MaxAttempts = 5
	// alternativeRouteAfter is the attempt after which the alternative route is used.
	alternativeRouteAfter = 2
	maxJitterRatio        = 0.1

	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second

	DefaultCacheSize = 10000
	evictFraction    = 0.2

	MinBatchSize = 10
	MaxBatchSize = 500

	predictionBuffer = 1.2
)

type cacheKey struct {
	messageID   string
	recipientID string
}

type cacheEntry struct {
	ciphertext []byte
	seq        uint64
}

// Optimizer 投遞優化器
type Optimizer struct {
	mu     sync.RWMutex
	scores map[string]float64

	cacheMu   sync.Mutex
	cache     map[cacheKey]cacheEntry
	seq       uint64
	cacheSize int

	baseDelay time.Duration
	maxDelay  time.Duration
	jitter    func() float64 // uniform in [0,1)

	metrics *metrics.Collector
	log     *slog.Logger
}

// Option configures an Optimizer.
type Option func(*Optimizer)

// WithRetryDelays sets the backoff base and cap.
func WithRetryDelays(base, max time.Duration) Option {
	return func(o *Optimizer) {
		if base > 0 {
			o.baseDelay = base
		}
		if max > 0 {
			o.maxDelay = max
		}
	}
}

// WithCacheSize sets the entry count above which eviction runs.
func WithCacheSize(n int) Option {
	return func(o *Optimizer) {
		if n > 0 {
			o.cacheSize = n
		}
	}
}

// WithJitter replaces the jitter source.
func WithJitter(f func() float64) Option {
	return func(o *Optimizer) {
		if f != nil {
			o.jitter = f
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Optimizer) { o.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) {
		if l != nil {
			o.log = l
		}
	}
}

// New 創建投遞優化器
func New(opts ...Option) *Optimizer {
	o := &Optimizer{
		scores:    make(map[string]float64),
		cache:     make(map[cacheKey]cacheEntry),
		cacheSize: DefaultCacheSize,
		baseDelay: DefaultBaseDelay,
		maxDelay:  DefaultMaxDelay,
		jitter:    rand.Float64,
		log:       slog.With("component", "optimizer"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxDelay < o.baseDelay {
		o.maxDelay = o.baseDelay
	}
	return o
}

// ============================================================================
// Connectivity
// ============================================================================

// ConnectivityScore returns the recipient's score.
func (o *Optimizer) ConnectivityScore(recipientID string) float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if s, ok := o.scores[recipientID]; ok {
		return s
	}
	return DefaultScore
}

func (o *Optimizer) adjust(recipientID string, delta float64) {
	o.mu.Lock()
	s, ok := o.scores[recipientID]
	if !ok {
		s = DefaultScore
	}
	o.scores[recipientID] = clamp(s+delta, 0, 1)
	o.mu.Unlock()
}

// RecordDeliverySuccess raises the recipient's score.
func (o *Optimizer) RecordDeliverySuccess(recipientID string) {
	o.adjust(recipientID, scoreStep)
}

// OptimizeDeliveryOrder returns recipients sorted by descending score.
// Ties keep their input order.
func (o *Optimizer) OptimizeDeliveryOrder(recipients []string) []string {
	out := append([]string(nil), recipients...)
	o.mu.RLock()
	score := func(id string) float64 {
		if s, ok := o.scores[id]; ok {
			return s
		}
		return DefaultScore
	}
	sort.SliceStable(out, func(i, j int) bool { return score(out[i]) > score(out[j]) })
	o.mu.RUnlock()
	return out
}

// ============================================================================
// Batching / throttling
// ============================================================================

// CalculateOptimalBatchSize scales a size bracket by network conditions and
// clamps the result to [MinBatchSize, MaxBatchSize].
func (o *Optimizer) CalculateOptimalBatchSize(totalRecipients int, nc types.NetworkConditions) int {
	var base float64
	switch {
	case totalRecipients < 100:
		base = 10
	case totalRecipients < 1000:
		base = 50
	case totalRecipients < 10000:
		base = 100
	default:
		base = 200
	}
	size := int(math.Round(base * networkFactor(nc)))
	return int(clamp(float64(size), MinBatchSize, MaxBatchSize))
}

// networkFactor = bandwidth × latency penalty × loss penalty × stability.
// Zero fields mean unknown and contribute 1.
func networkFactor(nc types.NetworkConditions) float64 {
	bandwidth := 1.0
	if nc.BandwidthKbps > 0 {
		bandwidth = clamp(nc.BandwidthKbps/1000, 0.5, 2.0)
	}

	latency := 1.0
	switch {
	case nc.LatencyMs < 100:
	case nc.LatencyMs < 300:
		latency = 0.8
	case nc.LatencyMs < 1000:
		latency = 0.5
	default:
		latency = 0.3
	}

	loss := 1.0
	switch {
	case nc.PacketLoss < 0.01:
	case nc.PacketLoss < 0.05:
		loss = 0.8
	case nc.PacketLoss < 0.1:
		loss = 0.5
	default:
		loss = 0.3
	}

	stability := 1.0
	if nc.Stability > 0 {
		stability = clamp(nc.Stability, 0, 1)
	}
	return bandwidth * latency * loss * stability
}

// ApplyRateLimiting maps network load (0..1) to throttling parameters.
// Higher load lowers concurrency, lengthens the inter-batch delay and raises
// the retry budget. A positive deliveryRate (deliveries/s) caps concurrency.
func (o *Optimizer) ApplyRateLimiting(deliveryRate, networkLoad float64) types.DeliveryThrottling {
	var t types.DeliveryThrottling
	switch {
	case networkLoad < 0.3:
		t = types.DeliveryThrottling{MaxConcurrentDeliveries: 100, DelayBetweenBatches: 0, MaxRetries: 3}
	case networkLoad < 0.6:
		t = types.DeliveryThrottling{MaxConcurrentDeliveries: 50, DelayBetweenBatches: 100 * time.Millisecond, MaxRetries: 4}
	case networkLoad < 0.8:
		t = types.DeliveryThrottling{MaxConcurrentDeliveries: 20, DelayBetweenBatches: 500 * time.Millisecond, MaxRetries: 5}
	default:
		t = types.DeliveryThrottling{MaxConcurrentDeliveries: 10, DelayBetweenBatches: time.Second, MaxRetries: 5}
	}
	if deliveryRate > 0 {
		if limit := int(math.Ceil(deliveryRate)); limit < t.MaxConcurrentDeliveries {
			t.MaxConcurrentDeliveries = limit
		}
	}
	return t
}

// ============================================================================
// Encrypted payload cache
// ============================================================================

// CacheEncryptedMessage stores ciphertext for (messageID, recipientID).
func (o *Optimizer) CacheEncryptedMessage(messageID, recipientID string, ciphertext []byte) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	o.seq++
	o.cache[cacheKey{messageID, recipientID}] = cacheEntry{
		ciphertext: append([]byte(nil), ciphertext...),
		seq:        o.seq,
	}
	if len(o.cache) > o.cacheSize {
		o.evictLocked()
	}
}

// evictLocked drops the oldest fraction of entries.
func (o *Optimizer) evictLocked() {
	type aged struct {
		key cacheKey
		seq uint64
	}
	all := make([]aged, 0, len(o.cache))
	for k, e := range o.cache {
		all = append(all, aged{k, e.seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	n := int(math.Ceil(float64(len(all)) * evictFraction))
	for _, a := range all[:n] {
		delete(o.cache, a.key)
	}
	o.log.Debug("encrypted cache evicted", "dropped", n, "kept", len(o.cache))
}

// GetCachedEncryptedMessage returns the cached ciphertext, if any.
func (o *Optimizer) GetCachedEncryptedMessage(messageID, recipientID string) ([]byte, bool) {
	o.cacheMu.Lock()
	e, ok := o.cache[cacheKey{messageID, recipientID}]
	o.cacheMu.Unlock()
	o.metrics.RecordCacheLookup(ok)
	if !ok {
		return nil, false
	}
	return e.ciphertext, true
}

// InvalidateMessage drops every cached ciphertext of messageID.
func (o *Optimizer) InvalidateMessage(messageID string) {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	for k := range o.cache {
		if k.messageID == messageID {
			delete(o.cache, k)
		}
	}
}

// CacheLen returns the number of cached entries.
func (o *Optimizer) CacheLen() int {
	o.cacheMu.Lock()
	defer o.cacheMu.Unlock()
	return len(o.cache)
}

// ============================================================================
// Retry / prediction
// ============================================================================

// HandleDeliveryFailure records a failed attempt (1-based) and decides what
// to do next.
func (o *Optimizer) HandleDeliveryFailure(recipientID string, attemptCount int, err error) types.RetryStrategy {
	o.adjust(recipientID, -scoreStep)
	if attemptCount < 1 {
		attemptCount = 1
	}
	rs := types.RetryStrategy{
		ShouldRetry:         attemptCount < MaxAttempts,
		Delay:               o.RetryDelay(attemptCount),
		UseAlternativeRoute: attemptCount > alternativeRouteAfter,
		AttemptCount:        attemptCount,
	}
	o.log.Debug("delivery failed",
		"recipient", recipientID,
		"attempt", attemptCount,
		"retry", rs.ShouldRetry,
		"delay", rs.Delay,
		"alternative_route", rs.UseAlternativeRoute,
		"error", err,
	)
	return rs
}

// RetryDelay is base × 2^(attempt-1) plus up to 10% jitter, capped at the
// maximum delay.
func (o *Optimizer) RetryDelay(attemptCount int) time.Duration {
	if attemptCount < 1 {
		attemptCount = 1
	}
	exp := float64(o.baseDelay) * math.Pow(2, float64(attemptCount-1))
	if exp >= float64(o.maxDelay) {
		return o.maxDelay
	}
	d := exp + exp*maxJitterRatio*o.jitter()
	return time.Duration(math.Min(d, float64(o.maxDelay)))
}

// PredictDeliveryTime extrapolates the time to deliver remaining messages at
// rate deliveries/s, plus a 20% buffer. ok is false when the rate is not
// positive.
func (o *Optimizer) PredictDeliveryTime(remaining int, rate float64) (d time.Duration, ok bool) {
	if rate <= 0 {
		return 0, false
	}
	if remaining <= 0 {
		return 0, true
	}
	seconds := float64(remaining) / rate * predictionBuffer
	return time.Duration(seconds * float64(time.Second)), true
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
