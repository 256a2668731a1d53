package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/authflow/internal/metrics"
	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/ratelimit"
)

// RateLimitConfig はレート制限ミドルウェアの設定。
type RateLimitConfig struct {
	Scope      string                       // メトリクスとログに使う名前
	RetryAfter time.Duration                // Retry-Afterヘッダーに設定する待機時間
	Key        func(r *http.Request) string // 制限キーの算出
}

// NewRateLimitMiddleware は固定ウィンドウのレート制限ミドルウェアを返す。
// 上限を超えたリクエストには429を返す。
// リミッターのストア障害時はリクエストを通す。
func NewRateLimitMiddleware(limiter ratelimit.Limiter, cfg RateLimitConfig, mc metrics.MetricsCollector) func(next http.Handler) http.Handler {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), cfg.Key(r))
			if err != nil {
				slog.Error("rate limiter unavailable",
					slog.String("scope", cfg.Scope),
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				mc.RecordRateLimited(cfg.Scope)
				slog.Warn("rate limit exceeded",
					slog.String("limit_type", cfg.Scope),
				)
				writeRateLimitResponse(w, cfg.RetryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeRateLimitResponse は429 Too Many Requestsレスポンスを書き込む。
func writeRateLimitResponse(w http.ResponseWriter, retryAfter time.Duration) {
	retryAfterSec := int(math.Ceil(retryAfter.Seconds()))
	if retryAfterSec < 1 {
		retryAfterSec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteErrorResponse(w, http.StatusTooManyRequests, model.NewRateLimitedError())
}
