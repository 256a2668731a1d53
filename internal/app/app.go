// Package app はサブコマンドごとの起動処理と依存関係のワイヤリングを提供する。
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/authflow/internal/auth"
	"github.com/hitoshi/authflow/internal/config"
	"github.com/hitoshi/authflow/internal/database"
	"github.com/hitoshi/authflow/internal/email"
	"github.com/hitoshi/authflow/internal/handler"
	"github.com/hitoshi/authflow/internal/logger"
	"github.com/hitoshi/authflow/internal/magiclink"
	"github.com/hitoshi/authflow/internal/metrics"
	"github.com/hitoshi/authflow/internal/middleware"
	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/oauth"
	"github.com/hitoshi/authflow/internal/ratelimit"
	"github.com/hitoshi/authflow/internal/repository"
	"github.com/hitoshi/authflow/internal/security"
	"github.com/hitoshi/authflow/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップし、環境変数からConfigを読み込み、LOG_LEVELを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetupDefault(w, level)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd, err := ParseCommand(args)
	if err != nil {
		return err
	}

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(fmt.Sprintf("http://localhost:%s/health", port))
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("env", cfg.AppEnv),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDB はDB接続を開いて疎通を確認する。
func openDB(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := database.Open(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// newLimiter はRATE_LIMIT_BACKENDに応じたレート制限ストアを生成する。
// 戻り値のcloseは終了時に必ず呼ぶ。
func newLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, func(), error) {
	rlCfg := ratelimit.Config{Window: cfg.RateLimitWindow, MaxRequests: cfg.RateLimitMax}

	if cfg.RateLimitBackend == config.RateLimitBackendRedis {
		client, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return ratelimit.NewRedisStore(client, rlCfg), func() { client.Close() }, nil
	}

	store := ratelimit.NewMemoryStore(rlCfg)
	return store, store.Stop, nil
}

// newEmailSender はPostmarkのトークンがあればPostmark経由、なければログ出力のみの送信者を生成する。
// どちらもEMAIL_RATE_PER_SECで送信レートを制限し、一時的な失敗は再送する。
func newEmailSender(cfg *config.Config) (email.Sender, error) {
	var sender email.Sender
	if cfg.UsePostmark() {
		pm, err := email.NewPostmarkSender(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, cfg.EmailFrom)
		if err != nil {
			return nil, err
		}
		sender = pm
	} else {
		slog.Warn("POSTMARK_SERVER_TOKEN is not set; magic link emails are only logged")
		sender = email.NewLogSender(slog.Default())
	}
	throttled := email.NewThrottledSender(sender, cfg.EmailRatePerSec)
	return email.NewRetryingSender(throttled, email.DefaultRetryConfig(), slog.Default()), nil
}

// newProviders はGitHubとGoogleのOAuthプロバイダーを生成する。
// トークン交換とプロフィール取得は内部アドレスへの接続を拒否するクライアントで行い、
// 接続先URLが許可されない場合は起動を中止する。
func newProviders(cfg *config.Config) ([]oauth.Provider, error) {
	client := security.NewProviderHTTPClient(cfg.ProviderHTTPTimeout)
	providers := []oauth.Provider{
		oauth.NewGitHubProvider(oauth.ProviderConfig{
			ClientID:     cfg.GitHubClientID,
			ClientSecret: cfg.GitHubClientSecret,
			RedirectURL:  cfg.CallbackURL(string(model.ProviderGitHub)),
			HTTPClient:   client,
		}),
		oauth.NewGoogleProvider(oauth.ProviderConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.CallbackURL(string(model.ProviderGoogle)),
			HTTPClient:   client,
		}),
	}
	if err := validateProviderEndpoints(providers); err != nil {
		return nil, err
	}
	return providers, nil
}

// validateProviderEndpoints はプロバイダーの接続先URLをすべて検証する。
func validateProviderEndpoints(providers []oauth.Provider) error {
	for _, p := range providers {
		for _, endpoint := range p.Endpoints() {
			if err := security.ValidateEndpoint(endpoint); err != nil {
				return fmt.Errorf("invalid %s endpoint %q: %w", p.ID(), endpoint, err)
			}
		}
	}
	return nil
}

// newMetrics はプロセス情報を含むPrometheusレジストリとCollectorを生成する。
func newMetrics() (*prometheus.Registry, *metrics.Collector) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, metrics.NewCollector(reg)
}

// buildRouter はDB以外の全依存関係をワイヤリングしてルーターを構築する。
func buildRouter(
	cfg *config.Config,
	store repository.Store,
	health handler.HealthChecker,
	limiter ratelimit.Limiter,
	sender email.Sender,
	providers []oauth.Provider,
	reg *prometheus.Registry,
	mc metrics.MetricsCollector,
) http.Handler {
	sessions := auth.NewSessionManager(store.Sessions, store.Users, auth.SessionConfig{
		TTL:    cfg.SessionTTL,
		Secure: cfg.CookieSecure(),
		Domain: cfg.CookieDomain,
	}, mc)
	resolver := auth.NewResolver(store.Users, store.Accounts)

	flow := oauth.NewFlow(providers, resolver, sessions, oauth.CookieConfig{
		TTL:    cfg.OAuthCookieTTL,
		Secure: cfg.CookieSecure(),
		Domain: cfg.CookieDomain,
	}, mc)

	links := magiclink.NewService(store.MagicLinks, resolver, sessions, sender, magiclink.Config{
		BaseURL: cfg.BaseURL,
		TTL:     cfg.MagicLinkTTL,
	}, mc, magiclink.WithLimiter(limiter))

	return handler.NewRouter(&handler.RouterDeps{
		Logger:            slog.Default(),
		Sessions:          sessions,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure(),
			CookieDomain: cfg.CookieDomain,
		},
		HSTS:            cfg.IsProduction(),
		TrustProxy:      cfg.TrustProxy,
		OAuthLimiter:    limiter,
		RateLimitWindow: cfg.RateLimitWindow,
		OAuthFlow:       flow,
		SessionService:  sessions,
		MagicLinks:      links,
		Padder:          auth.NewPadder(cfg.ResponseDelayMin, cfg.ResponseDelayMax),
		BaseURL:         cfg.BaseURL,
		HealthChecker:   health,
		Metrics:         mc,
		MetricsHandler:  metrics.Handler(reg),
	})
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx := context.Background()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize rate limiter: %w", err)
	}
	defer closeLimiter()

	sender, err := newEmailSender(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize email sender: %w", err)
	}

	reg, mc := newMetrics()
	providers, err := newProviders(cfg)
	if err != nil {
		return err
	}

	router := buildRouter(cfg, repository.NewPostgresStore(db), db, limiter, sender, providers, reg, mc)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// 応答の均一化で最大RESPONSE_DELAY_MAXだけ待つため、その分を上乗せする
		WriteTimeout: 15*time.Second + cfg.ResponseDelayMax,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("rate_limit_backend", cfg.RateLimitBackend),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server listen error: %w", err)
	case <-stop:
	}
	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れのセッションとマジックリンクをCLEANUP_INTERVAL間隔で削除する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := openDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// ワーカーはスクレイプされないため、メトリクスはプロセス内で集計のみ行う
	_, mc := newMetrics()
	job := cleanup.NewCleanupJob(
		repository.NewPostgresSessionRepo(db),
		repository.NewPostgresMagicLinkRepo(db),
		slog.Default(),
		mc,
	)

	slog.Info("worker starting", slog.Duration("cleanup_interval", cfg.CleanupInterval))
	job.Start(ctx, cfg.CleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(healthURL string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
