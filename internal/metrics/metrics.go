// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証操作の結果ラベル
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス・セッションコーディネーター・HTTPミドルウェアから利用する。
type MetricsCollector interface {
	// RecordAuthAttempt は認証操作の試行を記録する。
	// resultはResultSuccessまたはエラーコード。
	RecordAuthAttempt(action, result string)
	RecordAuthLatency(action string, duration time.Duration)
	RecordSessionTransition(state string)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	authAttempts       *prometheus.CounterVec
	authLatency        *prometheus.HistogramVec
	sessionTransitions *prometheus.CounterVec
	httpStatus         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehistory_auth_attempts_total",
			Help: "認証操作（サインアップ・サインイン等）の試行数",
		}, []string{"action", "result"}),
		authLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coursehistory_auth_latency_seconds",
			Help:    "認証操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		sessionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehistory_session_transitions_total",
			Help: "セッション状態の遷移数",
		}, []string{"state"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coursehistory_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.authAttempts,
		c.authLatency,
		c.sessionTransitions,
		c.httpStatus,
	)

	return c
}

// RecordAuthAttempt は認証操作の試行を記録する。
func (c *Collector) RecordAuthAttempt(action, result string) {
	c.authAttempts.WithLabelValues(action, result).Inc()
}

// RecordAuthLatency は認証操作のレイテンシを記録する。
func (c *Collector) RecordAuthLatency(action string, duration time.Duration) {
	c.authLatency.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordSessionTransition はセッション状態の遷移を記録する。
func (c *Collector) RecordSessionTransition(state string) {
	c.sessionTransitions.WithLabelValues(state).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordAuthAttempt(string, string)        {}
func (Nop) RecordAuthLatency(string, time.Duration) {}
func (Nop) RecordSessionTransition(string)          {}
func (Nop) RecordHTTPStatus(int)                    {}

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
var _ MetricsCollector = Nop{}
