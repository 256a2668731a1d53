// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// レート制限カウンタの保存先。
const (
	RateLimitBackendMemory = "memory"
	RateLimitBackendRedis  = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `env:"DATABASE_URL,required,notEmpty"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL,required,notEmpty"`
	AppEnv     string `env:"APP_ENV" envDefault:"development"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	TrustProxy bool   `env:"TRUST_PROXY" envDefault:"false"`

	// OAuth
	GitHubClientID      string        `env:"GITHUB_CLIENT_ID,required,notEmpty"`
	GitHubClientSecret  string        `env:"GITHUB_CLIENT_SECRET,required,notEmpty"`
	GoogleClientID      string        `env:"GOOGLE_CLIENT_ID,required,notEmpty"`
	GoogleClientSecret  string        `env:"GOOGLE_CLIENT_SECRET,required,notEmpty"`
	OAuthCookieTTL      time.Duration `env:"OAUTH_COOKIE_TTL" envDefault:"10m"`
	ProviderHTTPTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT" envDefault:"10s"`

	// Session
	SessionTTL time.Duration `env:"SESSION_TTL" envDefault:"720h"`

	// Magic link
	MagicLinkTTL     time.Duration `env:"MAGIC_LINK_TTL" envDefault:"5m"`
	ResponseDelayMin time.Duration `env:"RESPONSE_DELAY_MIN" envDefault:"2s"`
	ResponseDelayMax time.Duration `env:"RESPONSE_DELAY_MAX" envDefault:"4s"`

	// Email
	EmailFrom            string  `env:"EMAIL_FROM,required,notEmpty"`
	PostmarkServerToken  string  `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string  `env:"POSTMARK_ACCOUNT_TOKEN"`
	EmailRatePerSec      float64 `env:"EMAIL_RATE_PER_SEC" envDefault:"10"`

	// Rate Limit
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"5m"`
	RateLimitMax     int           `env:"RATE_LIMIT_MAX" envDefault:"5"`
	RateLimitBackend string        `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	RedisURL         string        `env:"REDIS_URL"`

	// Worker
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL" envDefault:"1h"`

	// Cookie
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`
}

// Load は環境変数からConfigを読み込む。カレントディレクトリに.envがあれば先に読み込む。
// 必須環境変数が未設定の場合は、未設定の変数名をすべて含むエラーを返す。
func Load() (*Config, error) {
	// .envは任意。既に設定済みの環境変数は上書きしない。
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error

	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("BASE_URL must be an absolute URL: %q", c.BaseURL))
	}

	switch c.RateLimitBackend {
	case RateLimitBackendMemory:
	case RateLimitBackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL is required when RATE_LIMIT_BACKEND=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BACKEND must be %q or %q: %q",
			RateLimitBackendMemory, RateLimitBackendRedis, c.RateLimitBackend))
	}

	if c.RateLimitMax <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.ResponseDelayMax < c.ResponseDelayMin {
		errs = append(errs, errors.New("RESPONSE_DELAY_MAX must not be less than RESPONSE_DELAY_MIN"))
	}
	if c.EmailRatePerSec <= 0 {
		errs = append(errs, errors.New("EMAIL_RATE_PER_SEC must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// IsProduction は本番環境かどうかを返す。本番ではCookieにSecure属性を付けHSTSを返す。
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// CookieSecure はCookieにSecure属性を付けるかを返す。
func (c *Config) CookieSecure() bool {
	return c.IsProduction() || strings.HasPrefix(c.BaseURL, "https://")
}

// CallbackURL はプロバイダーのOAuthコールバックURLを返す。
func (c *Config) CallbackURL(provider string) string {
	return strings.TrimRight(c.BaseURL, "/") + "/api/" + provider + "/callback"
}

// UsePostmark はPostmark経由で送信するかを返す。トークンがない場合はログ出力のみ。
func (c *Config) UsePostmark() bool {
	return c.PostmarkServerToken != ""
}
