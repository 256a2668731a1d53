// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// マジックリンク発行の結果ラベル。
const (
	IssueSent       = "sent"
	IssueNoop       = "noop"
	IssueSendFailed = "send_failed"
)

// マジックリンク利用の結果ラベル。
const (
	RedeemSuccess = "success"
	RedeemInvalid = "invalid"
	RedeemFailed  = "failed"
)

// セッションイベントのラベル。
const (
	SessionCreated   = "created"
	SessionRotated   = "rotated"
	SessionExpired   = "expired"
	SessionDestroyed = "destroyed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ミドルウェア・ワーカーから利用する。
type MetricsCollector interface {
	RecordMagicLinkIssue(outcome string)
	RecordMagicLinkRedeem(outcome string)
	RecordOAuthCallback(provider string, status int)
	RecordProviderLatency(provider string, duration time.Duration)
	RecordRateLimited(scope string)
	RecordSessionEvent(event string)
	RecordCleanup(kind string, deleted int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	magicIssue      *prometheus.CounterVec
	magicRedeem     *prometheus.CounterVec
	oauthCallback   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	sessionEvents   *prometheus.CounterVec
	cleanupDeleted  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		magicIssue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_magic_link_issue_total",
			Help: "マジックリンク発行リクエストの結果別件数",
		}, []string{"outcome"}),
		magicRedeem: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_magic_link_redeem_total",
			Help: "マジックリンク利用の結果別件数",
		}, []string{"outcome"}),
		oauthCallback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_oauth_callback_total",
			Help: "OAuthコールバックのプロバイダー・ステータス別件数",
		}, []string{"provider", "status"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "authflow_provider_request_seconds",
			Help:    "プロバイダーへのトークン交換とプロフィール取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_rate_limited_total",
			Help: "レート制限で拒否したリクエスト数",
		}, []string{"scope"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_session_events_total",
			Help: "セッションの作成・ローテーション・失効・破棄の件数",
		}, []string{"event"}),
		cleanupDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authflow_cleanup_deleted_total",
			Help: "クリーンアップで削除した期限切れ行数",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.magicIssue,
		c.magicRedeem,
		c.oauthCallback,
		c.providerLatency,
		c.rateLimited,
		c.sessionEvents,
		c.cleanupDeleted,
	)

	return c
}

// RecordMagicLinkIssue はマジックリンク発行の結果を記録する。
func (c *Collector) RecordMagicLinkIssue(outcome string) {
	c.magicIssue.WithLabelValues(outcome).Inc()
}

// RecordMagicLinkRedeem はマジックリンク利用の結果を記録する。
func (c *Collector) RecordMagicLinkRedeem(outcome string) {
	c.magicRedeem.WithLabelValues(outcome).Inc()
}

// RecordOAuthCallback はOAuthコールバックの結果ステータスを記録する。
func (c *Collector) RecordOAuthCallback(provider string, status int) {
	c.oauthCallback.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

// RecordProviderLatency はプロバイダー呼び出しのレイテンシを記録する。
func (c *Collector) RecordProviderLatency(provider string, duration time.Duration) {
	c.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(scope string) {
	c.rateLimited.WithLabelValues(scope).Inc()
}

// RecordSessionEvent はセッションイベントを記録する。
func (c *Collector) RecordSessionEvent(event string) {
	c.sessionEvents.WithLabelValues(event).Inc()
}

// RecordCleanup はクリーンアップでの削除件数を記録する。
func (c *Collector) RecordCleanup(kind string, deleted int64) {
	c.cleanupDeleted.WithLabelValues(kind).Add(float64(deleted))
}

// Nop は何も記録しないMetricsCollector。メトリクス不要な経路とテストで使う。
type Nop struct{}

func (Nop) RecordMagicLinkIssue(string)                 {}
func (Nop) RecordMagicLinkRedeem(string)                {}
func (Nop) RecordOAuthCallback(string, int)             {}
func (Nop) RecordProviderLatency(string, time.Duration) {}
func (Nop) RecordRateLimited(string)                    {}
func (Nop) RecordSessionEvent(string)                   {}
func (Nop) RecordCleanup(string, int64)                 {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
