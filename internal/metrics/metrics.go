// ============================================================================
// Groupmesh Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露群組分發、密鑰輪換與歷史同步的運行指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - groupmesh_distributions_total{strategy,status}: 分發任務結束數
//      - groupmesh_deliveries_total{result}: 單一收件人投遞結果
//      - groupmesh_delivery_retries_total: 重試次數
//      - groupmesh_key_rotations_total{reason}: 密鑰輪換次數
//      - groupmesh_cache_lookups_total{result}: 加密快取命中/未命中
//      - groupmesh_history_pruned_messages_total: 修剪刪除的訊息數
//
//   2. 分佈 (Histogram):
//      - groupmesh_distribution_duration_seconds{strategy}
//
//   3. 瞬時值 (Gauge):
//      - groupmesh_active_distributions
//      - groupmesh_recovery_time_seconds: 啟動時 WAL 重放耗時
//
// Prometheus 查詢示例:
//
//   # 投遞失敗率
//   rate(groupmesh_deliveries_total{result="failure"}[5m])
//     / rate(groupmesh_deliveries_total[5m])
//
//   # 95 分位分發耗時
//   histogram_quantile(0.95, groupmesh_distribution_duration_seconds_bucket)
//
// A nil *Collector is valid and records nothing, so components can run
// without metrics in tests.
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "groupmesh"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	distributions  *prometheus.CounterVec
	deliveries     *prometheus.CounterVec
	retries        prometheus.Counter
	keyRotations   *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	prunedMessages prometheus.Counter

	distributionDuration *prometheus.HistogramVec

	activeDistributions prometheus.Gauge
	recoveryTime        prometheus.Gauge
}

// NewCollector 創建並註冊指標收集器。reg 為 nil 時使用新的 Registry。
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		distributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "distributions_total",
			Help:      "Total number of finished distributions by strategy and status",
		}, []string{"strategy", "status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Per-recipient delivery outcomes",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Total number of delivery retries",
		}),
		keyRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "key_rotations_total",
			Help:      "Sender key rotations by reason",
		}, []string{"reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Encrypted payload cache lookups",
		}, []string{"result"}),
		prunedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_pruned_messages_total",
			Help:      "Messages removed by history pruning",
		}),
		distributionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "distribution_duration_seconds",
			Help:      "Wall time of a distribution",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"strategy"}),
		activeDistributions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_distributions",
			Help:      "Distributions currently in progress",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken to replay the distribution journal at startup",
		}),
	}

	reg.MustRegister(
		c.distributions,
		c.deliveries,
		c.retries,
		c.keyRotations,
		c.cacheLookups,
		c.prunedMessages,
		c.distributionDuration,
		c.activeDistributions,
		c.recoveryTime,
	)
	return c
}

// RecordDistribution 記錄分發結束
func (c *Collector) RecordDistribution(strategy, status string, seconds float64) {
	if c == nil {
		return
	}
	c.distributions.WithLabelValues(strategy, status).Inc()
	c.distributionDuration.WithLabelValues(strategy).Observe(seconds)
}

// RecordDelivery 記錄單一收件人投遞結果
func (c *Collector) RecordDelivery(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.deliveries.WithLabelValues("success").Inc()
		return
	}
	c.deliveries.WithLabelValues("failure").Inc()
}

// RecordRetry 記錄一次重試
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// RecordKeyRotation 記錄密鑰輪換
func (c *Collector) RecordKeyRotation(reason string) {
	if c == nil {
		return
	}
	c.keyRotations.WithLabelValues(reason).Inc()
}

// RecordCacheLookup 記錄快取查詢
func (c *Collector) RecordCacheLookup(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	c.cacheLookups.WithLabelValues("miss").Inc()
}

// RecordPruned 記錄修剪刪除的訊息數
func (c *Collector) RecordPruned(n int) {
	if c == nil {
		return
	}
	c.prunedMessages.Add(float64(n))
}

// SetActiveDistributions 設置進行中的分發數
func (c *Collector) SetActiveDistributions(n int) {
	if c == nil {
		return
	}
	c.activeDistributions.Set(float64(n))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(seconds float64) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(seconds)
}

// Registry returns the registry the collector registered with.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
