package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/authflow/internal/metrics"
	"github.com/hitoshi/authflow/internal/middleware"
	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/ratelimit"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Sessions          middleware.SessionValidator
	CORSAllowedOrigin string
	CSRF              middleware.CSRFConfig
	HSTS              bool
	TrustProxy        bool

	// OAuth開始のレート制限
	OAuthLimiter    ratelimit.Limiter
	RateLimitWindow time.Duration

	// 認証
	OAuthFlow      OAuthFlow
	SessionService SessionService
	MagicLinks     MagicLinkService
	Padder         ResponsePadder
	BaseURL        string

	// 運用
	HealthChecker  HealthChecker
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → Session
//
// /auth配下は本文サイズを制限したうえで、状態を変更するPOSTにはCSRF検証を、OAuth開始にはレート制限を追加する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware(deps.HSTS))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.OAuthFlow, deps.SessionService, AuthHandlerConfig{BaseURL: deps.BaseURL})
	magicHandler := NewMagicHandler(deps.MagicLinks, deps.SessionService, deps.Padder, MagicHandlerConfig{
		TrustProxy: deps.TrustProxy,
	})

	// --- セッション不要のルート ---
	r.Get("/health", Health(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	oauthLimit := middleware.NewRateLimitMiddleware(deps.OAuthLimiter, middleware.RateLimitConfig{
		Scope:      "oauth",
		RetryAfter: deps.RateLimitWindow,
		Key: func(req *http.Request) string {
			intent := model.AuthIntent(req.URL.Query().Get("auth_intent"))
			return ratelimit.Key(middleware.ClientIP(req, deps.TrustProxy), intent)
		},
	}, deps.Metrics)
	r.With(oauthLimit).Get("/oauth", authHandler.OAuthStart)

	r.Get("/api/github/callback", authHandler.OAuthCallback(model.ProviderGitHub))
	r.Get("/api/google/callback", authHandler.OAuthCallback(model.ProviderGoogle))
	r.Get("/api/magic", magicHandler.Redeem)
	r.Get("/signin/error", SignInError("/signin"))

	// --- セッションを解決するルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBodyLimitMiddleware(maxIssueBodyBytes))
		r.Use(middleware.NewSessionMiddleware(deps.Sessions))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Route("/auth", func(r chi.Router) {
			r.Get("/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF).ServeHTTP)
			r.Post("/magic", magicHandler.Issue)
			r.Post("/logout", authHandler.Logout)
			r.With(middleware.RequireSession).Get("/me", authHandler.Me)
		})
	})

	return r
}
