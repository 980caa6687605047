// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// APIクライアントや認証フローから利用する。
type MetricsCollector interface {
	RecordAPIRequest(endpoint string, statusCode int, duration time.Duration)
	RecordAuthFailure()
	RecordHandshake(outcome string)
	RecordSessionChange(authenticated bool)
}

// ハンドシェイク結果のラベル値。
const (
	HandshakeSucceeded = "succeeded"
	HandshakeFailed    = "failed"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	apiRequests  *prometheus.CounterVec
	apiLatency   prometheus.Histogram
	authFailures prometheus.Counter
	handshakes   *prometheus.CounterVec
	sessionState prometheus.Gauge
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saifu_api_requests_total",
			Help: "ウォレットAPIリクエストのエンドポイント・ステータスコード別合計数",
		}, []string{"endpoint", "status_code"}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "saifu_api_request_duration_seconds",
			Help:    "ウォレットAPIリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		authFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saifu_auth_failures_total",
			Help: "認証失敗（401）レスポンスの合計数",
		}),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saifu_oauth_handshakes_total",
			Help: "OAuthハンドシェイクの結果別合計数",
		}, []string{"outcome"}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saifu_session_authenticated",
			Help: "認証済みセッションが存在する場合は1、未認証の場合は0",
		}),
	}

	reg.MustRegister(
		c.apiRequests,
		c.apiLatency,
		c.authFailures,
		c.handshakes,
		c.sessionState,
	)

	return c
}

// RecordAPIRequest はウォレットAPIリクエストの結果を記録する。
// statusCodeが0の場合はネットワーク障害を示す。
func (c *Collector) RecordAPIRequest(endpoint string, statusCode int, duration time.Duration) {
	c.apiRequests.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.apiLatency.Observe(duration.Seconds())
}

// RecordAuthFailure は認証失敗（401）を記録する。
func (c *Collector) RecordAuthFailure() {
	c.authFailures.Inc()
}

// RecordHandshake はOAuthハンドシェイクの結果を記録する。
// outcomeにはHandshakeSucceededまたはHandshakeFailedを渡す。
func (c *Collector) RecordHandshake(outcome string) {
	c.handshakes.WithLabelValues(outcome).Inc()
}

// RecordSessionChange はセッション状態の変化を記録する。
func (c *Collector) RecordSessionChange(authenticated bool) {
	if authenticated {
		c.sessionState.Set(1)
	} else {
		c.sessionState.Set(0)
	}
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
