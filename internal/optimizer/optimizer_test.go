package optimizer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/groupmesh/pkg/types"
)

func maxJitter() float64 { return 0.999999 }
func noJitter() float64  { return 0 }

func TestConnectivityScores(t *testing.T) {
	o := New()
	assert.Equal(t, DefaultScore, o.ConnectivityScore("alice"))

	for i := 0; i < 10; i++ {
		o.RecordDeliverySuccess("alice")
	}
	assert.Equal(t, 1.0, o.ConnectivityScore("alice"), "score clamps at 1")

	for i := 0; i < 10; i++ {
		o.HandleDeliveryFailure("bob", 1, errors.New("timeout"))
	}
	assert.Equal(t, 0.0, o.ConnectivityScore("bob"), "score clamps at 0")

	o.RecordDeliverySuccess("carol")
	assert.InDelta(t, 0.6, o.ConnectivityScore("carol"), 1e-9)
}

func TestOptimizeDeliveryOrder(t *testing.T) {
	o := New()
	o.RecordDeliverySuccess("fast")
	o.RecordDeliverySuccess("fast")
	o.HandleDeliveryFailure("slow", 1, nil)

	in := []string{"slow", "a", "fast", "b"}
	out := o.OptimizeDeliveryOrder(in)
	assert.Equal(t, []string{"fast", "a", "b", "slow"}, out)
	assert.Equal(t, []string{"slow", "a", "fast", "b"}, in, "input must not be modified")
}

func TestCalculateOptimalBatchSize(t *testing.T) {
	o := New()
	tests := []struct {
		name  string
		total int
		nc    types.NetworkConditions
		want  int
	}{
		{"small group neutral", 50, types.NetworkConditions{}, 10},
		{"medium group neutral", 500, types.NetworkConditions{}, 50},
		{"large group neutral", 5000, types.NetworkConditions{}, 100},
		{"huge group neutral", 50000, types.NetworkConditions{}, 200},
		{"huge group fast network", 50000, types.NetworkConditions{BandwidthKbps: 5000, LatencyMs: 20, Stability: 1}, 400},
		{"high latency", 5000, types.NetworkConditions{BandwidthKbps: 1000, LatencyMs: 500}, 50},
		{"lossy and unstable clamps to min", 50, types.NetworkConditions{BandwidthKbps: 100, LatencyMs: 2000, PacketLoss: 0.2, Stability: 0.5}, MinBatchSize},
		{"moderate loss", 500, types.NetworkConditions{PacketLoss: 0.03}, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := o.CalculateOptimalBatchSize(tt.total, tt.nc)
			assert.Equal(t, tt.want, got)
			assert.GreaterOrEqual(t, got, MinBatchSize)
			assert.LessOrEqual(t, got, MaxBatchSize)
		})
	}
}

func TestApplyRateLimiting(t *testing.T) {
	o := New()
	tests := []struct {
		load        float64
		concurrency int
		delay       time.Duration
		retries     int
	}{
		{0.1, 100, 0, 3},
		{0.4, 50, 100 * time.Millisecond, 4},
		{0.7, 20, 500 * time.Millisecond, 5},
		{0.95, 10, time.Second, 5},
	}
	prev := types.DeliveryThrottling{MaxConcurrentDeliveries: 1 << 30}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("load=%.2f", tt.load), func(t *testing.T) {
			got := o.ApplyRateLimiting(0, tt.load)
			assert.Equal(t, tt.concurrency, got.MaxConcurrentDeliveries)
			assert.Equal(t, tt.delay, got.DelayBetweenBatches)
			assert.Equal(t, tt.retries, got.MaxRetries)
			assert.LessOrEqual(t, got.MaxConcurrentDeliveries, prev.MaxConcurrentDeliveries)
			assert.GreaterOrEqual(t, got.DelayBetweenBatches, prev.DelayBetweenBatches)
			prev = got
		})
	}

	assert.Equal(t, 8, o.ApplyRateLimiting(7.5, 0).MaxConcurrentDeliveries, "rate caps concurrency")
	assert.Equal(t, 100, o.ApplyRateLimiting(1000, 0).MaxConcurrentDeliveries)
}

func TestEncryptedCache(t *testing.T) {
	o := New()
	_, ok := o.GetCachedEncryptedMessage("msg", "alice")
	assert.False(t, ok)

	ct := []byte{1, 2, 3}
	o.CacheEncryptedMessage("msg", "alice", ct)
	ct[0] = 9
	got, ok := o.GetCachedEncryptedMessage("msg", "alice")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3}, got)

	_, ok = o.GetCachedEncryptedMessage("msg", "bob")
	assert.False(t, ok)

	o.CacheEncryptedMessage("msg", "bob", ct)
	o.CacheEncryptedMessage("other", "bob", ct)
	o.InvalidateMessage("msg")
	assert.Equal(t, 1, o.CacheLen())
}

func TestCacheEvictsOldest(t *testing.T) {
	o := New(WithCacheSize(10))
	for i := 0; i < 11; i++ {
		o.CacheEncryptedMessage(fmt.Sprintf("m%d", i), "r", []byte{byte(i)})
	}
	// 11 entries > 10: ceil(11*0.2) = 3 oldest dropped
	assert.Equal(t, 8, o.CacheLen())
	for i := 0; i < 3; i++ {
		_, ok := o.GetCachedEncryptedMessage(fmt.Sprintf("m%d", i), "r")
		assert.False(t, ok)
	}
	_, ok := o.GetCachedEncryptedMessage("m10", "r")
	assert.True(t, ok)
}

func TestHandleDeliveryFailure(t *testing.T) {
	o := New(WithRetryDelays(100*time.Millisecond, 2*time.Second), WithJitter(noJitter))

	tests := []struct {
		attempt     int
		shouldRetry bool
		alternative bool
		delay       time.Duration
	}{
		{1, true, false, 100 * time.Millisecond},
		{2, true, false, 200 * time.Millisecond},
		{3, true, true, 400 * time.Millisecond},
		{4, true, true, 800 * time.Millisecond},
		{5, false, true, 1600 * time.Millisecond},
		{6, false, true, 2 * time.Second},
		{10, false, true, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt=%d", tt.attempt), func(t *testing.T) {
			rs := o.HandleDeliveryFailure("alice", tt.attempt, errors.New("boom"))
			assert.Equal(t, tt.shouldRetry, rs.ShouldRetry)
			assert.Equal(t, tt.alternative, rs.UseAlternativeRoute)
			assert.Equal(t, tt.delay, rs.Delay)
			assert.Equal(t, tt.attempt, rs.AttemptCount)
		})
	}
}

func TestRetryDelayMonotonic(t *testing.T) {
	for _, jitter := range []func() float64{noJitter, maxJitter} {
		o := New(WithRetryDelays(50*time.Millisecond, 3*time.Second), WithJitter(jitter))
		prev := time.Duration(0)
		for attempt := 1; attempt <= 20; attempt++ {
			d := o.RetryDelay(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			assert.LessOrEqual(t, d, 3*time.Second)
			prev = d
		}
	}

	// random jitter stays within 10%
	o := New(WithRetryDelays(time.Second, time.Minute))
	for i := 0; i < 100; i++ {
		d := o.RetryDelay(1)
		assert.GreaterOrEqual(t, d, time.Second)
		assert.LessOrEqual(t, d, 1100*time.Millisecond)
	}
}

func TestPredictDeliveryTime(t *testing.T) {
	o := New()
	_, ok := o.PredictDeliveryTime(100, 0)
	assert.False(t, ok, "zero rate is unbounded")

	d, ok := o.PredictDeliveryTime(100, 10)
	require.True(t, ok)
	assert.Equal(t, 12*time.Second, d)

	d, ok = o.PredictDeliveryTime(0, 10)
	require.True(t, ok)
	assert.Zero(t, d)
}
