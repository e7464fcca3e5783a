// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 投稿結果のラベル値。
const (
	OutcomeSuccess       = "success"
	OutcomeRetried       = "retried_success"
	OutcomeRejected      = "rejected"
	OutcomeRefreshFailed = "refresh_failed"
	OutcomeNoSession     = "no_session"
	OutcomeNoPost        = "no_post"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordPublish(outcome string)
	RecordRefresh(success bool)
	RecordProviderStatus(statusCode int)
	RecordPublishLatency(duration time.Duration)
	RecordSchedulerCycle(owners int, published int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	publish        *prometheus.CounterVec
	refresh        *prometheus.CounterVec
	providerStatus *prometheus.CounterVec
	publishLatency prometheus.Histogram
	cycleOwners    prometheus.Gauge
	autoPublished  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		publish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdbrain_publish_total",
			Help: "投稿処理の結果別の合計数",
		}, []string{"outcome"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdbrain_token_refresh_total",
			Help: "トークンリフレッシュの結果別の合計数",
		}, []string{"result"}),
		providerStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "birdbrain_provider_status_total",
			Help: "投稿APIのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "birdbrain_publish_latency_seconds",
			Help:    "投稿処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		cycleOwners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "birdbrain_scheduler_owners",
			Help: "直近の自動投稿サイクルで処理したユーザー数",
		}),
		autoPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "birdbrain_scheduler_published_total",
			Help: "自動投稿で公開された投稿の合計数",
		}),
	}

	reg.MustRegister(
		c.publish,
		c.refresh,
		c.providerStatus,
		c.publishLatency,
		c.cycleOwners,
		c.autoPublished,
	)

	return c
}

// RecordPublish は投稿処理の結果を記録する。
func (c *Collector) RecordPublish(outcome string) {
	c.publish.WithLabelValues(outcome).Inc()
}

// RecordRefresh はトークンリフレッシュの結果を記録する。
func (c *Collector) RecordRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.refresh.WithLabelValues(result).Inc()
}

// RecordProviderStatus は投稿APIのHTTPステータスコードを記録する。
func (c *Collector) RecordProviderStatus(statusCode int) {
	c.providerStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordPublishLatency は投稿処理のレイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// RecordSchedulerCycle は自動投稿サイクルの処理件数を記録する。
func (c *Collector) RecordSchedulerCycle(owners int, published int) {
	c.cycleOwners.Set(float64(owners))
	c.autoPublished.Add(float64(published))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
