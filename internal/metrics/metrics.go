// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 状態遷移の結果ラベル。
const (
	OutcomeApplied  = "applied"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ライフサイクルサービス、リーパー、イベント通知、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordTransition(operation, outcome string)
	RecordClaimConflict()
	RecordExpired(reason string, count int)
	RecordEmitFailure(sink string)
	RecordReaperRun(duration time.Duration)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	transitions    *prometheus.CounterVec
	claimConflicts prometheus.Counter
	expired        *prometheus.CounterVec
	emitFailures   *prometheus.CounterVec
	reaperDuration prometheus.Histogram
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutormatch_transitions_total",
			Help: "状態遷移操作の結果別の合計数",
		}, []string{"operation", "outcome"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tutormatch_claim_conflicts_total",
			Help: "他のチューターに先に確保されたacceptの合計数",
		}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutormatch_expired_total",
			Help: "リーパーが期限切れにしたリクエストの合計数",
		}, []string{"reason"}),
		emitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutormatch_emit_failures_total",
			Help: "通知先別のイベント送信失敗数",
		}, []string{"sink"}),
		reaperDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tutormatch_reaper_duration_seconds",
			Help:    "リーパー1回あたりの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tutormatch_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.transitions,
		c.claimConflicts,
		c.expired,
		c.emitFailures,
		c.reaperDuration,
		c.httpStatus,
	)

	return c
}

// RecordTransition は状態遷移操作の結果を記録する。
func (c *Collector) RecordTransition(operation, outcome string) {
	c.transitions.WithLabelValues(operation, outcome).Inc()
}

// RecordClaimConflict は確保競合を記録する。
func (c *Collector) RecordClaimConflict() {
	c.claimConflicts.Inc()
}

// RecordExpired は期限切れにした件数を理由別に記録する。
func (c *Collector) RecordExpired(reason string, count int) {
	if count <= 0 {
		return
	}
	c.expired.WithLabelValues(reason).Add(float64(count))
}

// RecordEmitFailure はイベント送信の失敗を記録する。
func (c *Collector) RecordEmitFailure(sink string) {
	c.emitFailures.WithLabelValues(sink).Inc()
}

// RecordReaperRun はリーパーの処理時間を記録する。
func (c *Collector) RecordReaperRun(duration time.Duration) {
	c.reaperDuration.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカーモードではAPIルーターを持たないため、このハンドラーを単独で公開する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
