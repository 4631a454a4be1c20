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
// 認証サービス、ミドルウェア、ワーカーから利用する。
type MetricsCollector interface {
	RecordLogin(method, outcome string)
	RecordRefresh(outcome string)
	RecordRefreshReuse()
	RecordCSRFRejection(reason string)
	RecordSingleUseConsume(kind, outcome string)
	RecordMailFailure(kind string)
	RecordTokensCleaned(table string, count int64)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins         *prometheus.CounterVec
	refreshes      *prometheus.CounterVec
	refreshReuse   prometheus.Counter
	csrfRejections *prometheus.CounterVec
	singleUse      *prometheus.CounterVec
	mailFailures   *prometheus.CounterVec
	tokensCleaned  *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicman_logins_total",
			Help: "ログイン試行の合計数（方式・結果別）",
		}, []string{"method", "outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicman_refresh_total",
			Help: "リフレッシュトークンのローテーション数（結果別）",
		}, []string{"outcome"}),
		refreshReuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "clinicman_refresh_reuse_total",
			Help: "無効なリフレッシュトークンが提示された回数",
		}),
		csrfRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicman_csrf_rejections_total",
			Help: "CSRF検証で拒否したリクエスト数（理由別）",
		}, []string{"reason"}),
		singleUse: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicman_single_use_token_consume_total",
			Help: "使い捨てトークンの消費結果（用途・結果別）",
		}, []string{"kind", "outcome"}),
		mailFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicman_mail_failures_total",
			Help: "メール送信失敗の合計数（種類別）",
		}, []string{"kind"}),
		tokensCleaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicman_tokens_cleaned_total",
			Help: "クリーンアップで削除したトークン数",
		}, []string{"table"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinicman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "clinicman_request_duration_seconds",
			Help:    "APIリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.refreshReuse,
		c.csrfRejections,
		c.singleUse,
		c.mailFailures,
		c.tokensCleaned,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン結果を記録する。methodは"password"または"google"。
func (c *Collector) RecordLogin(method, outcome string) {
	c.logins.WithLabelValues(method, outcome).Inc()
}

// RecordRefresh はリフレッシュ結果を記録する。
func (c *Collector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

// RecordRefreshReuse はリフレッシュトークンの再利用検知を記録する。
func (c *Collector) RecordRefreshReuse() {
	c.refreshReuse.Inc()
}

// RecordCSRFRejection はCSRF拒否を記録する。
func (c *Collector) RecordCSRFRejection(reason string) {
	c.csrfRejections.WithLabelValues(reason).Inc()
}

// RecordSingleUseConsume は使い捨てトークンの消費結果を記録する。
func (c *Collector) RecordSingleUseConsume(kind, outcome string) {
	c.singleUse.WithLabelValues(kind, outcome).Inc()
}

// RecordMailFailure はメール送信失敗を記録する。
func (c *Collector) RecordMailFailure(kind string) {
	c.mailFailures.WithLabelValues(kind).Inc()
}

// RecordTokensCleaned はクリーンアップで削除した件数を記録する。
func (c *Collector) RecordTokensCleaned(table string, count int64) {
	c.tokensCleaned.WithLabelValues(table).Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエスト処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string, string)            {}
func (Nop) RecordRefresh(string)                  {}
func (Nop) RecordRefreshReuse()                   {}
func (Nop) RecordCSRFRejection(string)            {}
func (Nop) RecordSingleUseConsume(string, string) {}
func (Nop) RecordMailFailure(string)              {}
func (Nop) RecordTokensCleaned(string, int64)     {}
func (Nop) RecordHTTPStatus(int)                  {}
func (Nop) RecordRequestLatency(time.Duration)    {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセスなどAPIルーターを持たないプロセスで使う。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
