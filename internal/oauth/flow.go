package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/authflow/internal/auth"
	"github.com/hitoshi/authflow/internal/metrics"
	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/security"
	"github.com/hitoshi/authflow/internal/token"
)

// コンフリクト系の応答メッセージ。
const (
	accountExistsMessage   = "An account is already linked to this provider. Please sign in instead."
	accountNotFoundMessage = "No account is linked to this provider. Please sign up first."
)

// StartInput はフロー開始リクエストの入力。
type StartInput struct {
	Provider string
	Intent   string
	Name     string
}

// StartResult はフロー開始の結果。呼び出し側はCookieを設定してRedirectURLへ302で遷移させる。
type StartResult struct {
	RedirectURL string
	Cookies     []*http.Cookie
}

// CallbackInput はコールバックリクエストのクエリパラメータ。
type CallbackInput struct {
	Code  string
	State string
	Error string
}

// Message は開始元ウィンドウへ通知する結果。
type Message struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// CallbackResult はコールバック処理の結果。
// Bareがtrueの場合はCSRF検証に失敗しており、本文なしの400を返す。
// Cookiesには一時Cookieの削除と、成功時はセッションCookieが含まれる。
type CallbackResult struct {
	Message Message
	Bare    bool
	Cookies []*http.Cookie
}

// Flow はOAuth認可コードフローを制御する。
// 状態遷移: 開始(リダイレクト) → コールバック検証 → 完了 または 拒否
type Flow struct {
	providers map[model.Provider]Provider
	resolver  *auth.Resolver
	sessions  *auth.SessionManager
	cookies   CookieConfig
	sanitizer *security.NameSanitizer
	metrics   metrics.MetricsCollector

	newState    func() (string, error)
	newVerifier func() string
}

// NewFlow はFlowを生成する。
func NewFlow(
	providers []Provider,
	resolver *auth.Resolver,
	sessions *auth.SessionManager,
	cookies CookieConfig,
	mc metrics.MetricsCollector,
) *Flow {
	if mc == nil {
		mc = metrics.Nop{}
	}
	m := make(map[model.Provider]Provider, len(providers))
	for _, p := range providers {
		m[p.ID()] = p
	}
	return &Flow{
		providers:   m,
		resolver:    resolver,
		sessions:    sessions,
		cookies:     cookies,
		sanitizer:   security.NewNameSanitizer(),
		metrics:     mc,
		newState:    token.State,
		newVerifier: oauth2.GenerateVerifier,
	}
}

// Start は入力を検証し、stateと（PKCE対応プロバイダーでは）コード検証子を生成して
// 一時Cookieとともにリダイレクト先を返す。
// 不正な入力はmodel.ErrInvalidProvider, model.ErrInvalidIntent, model.ErrNameRequiredを返す。
func (f *Flow) Start(in StartInput) (*StartResult, error) {
	providerID, err := model.ParseProvider(in.Provider)
	if err != nil {
		return nil, err
	}
	provider, ok := f.providers[providerID]
	if !ok {
		return nil, model.ErrInvalidProvider
	}

	intent, err := model.ParseAuthIntent(in.Intent)
	if err != nil {
		return nil, err
	}

	name := f.sanitizer.Sanitize(in.Name)
	if intent == model.IntentSignUp && name == "" {
		return nil, model.ErrNameRequired
	}

	state, err := f.newState()
	if err != nil {
		return nil, err
	}

	cookies := []*http.Cookie{
		f.cookies.set(StateCookieName(providerID), state),
		f.cookies.set(AuthIntentCookie, string(intent)),
	}
	if intent == model.IntentSignUp {
		cookies = append(cookies, f.cookies.set(NameCookie, url.QueryEscape(name)))
	}

	var verifier string
	if provider.UsesPKCE() {
		verifier = f.newVerifier()
		cookies = append(cookies, f.cookies.set(CodeVerifierCookie, verifier))
	}

	return &StartResult{
		RedirectURL: provider.AuthCodeURL(state, verifier),
		Cookies:     cookies,
	}, nil
}

// Callback はプロバイダーからのコールバックを処理する。
// どの結果でも一時Cookieを削除する。
func (f *Flow) Callback(ctx context.Context, providerID model.Provider, in CallbackInput, stored TransientState) *CallbackResult {
	result := f.callback(ctx, providerID, in, stored)
	result.Cookies = append(f.cookies.clearAll(), result.Cookies...)

	status := result.Message.Status
	if result.Bare {
		status = http.StatusBadRequest
	}
	f.metrics.RecordOAuthCallback(string(providerID), status)
	return result
}

func (f *Flow) callback(ctx context.Context, providerID model.Provider, in CallbackInput, stored TransientState) *CallbackResult {
	provider, ok := f.providers[providerID]
	if !ok {
		return &CallbackResult{Bare: true}
	}

	if in.Error != "" {
		resp := MapProviderError(providerID, in.Error)
		slog.Warn("oauth provider returned error",
			slog.String("provider", string(providerID)),
			slog.String("error", in.Error),
		)
		return failure(resp.Status, resp.Message)
	}

	intent, err := f.validateCallback(provider, in, stored)
	if err != nil {
		slog.Warn("oauth callback rejected",
			slog.String("provider", string(providerID)),
			slog.String("error", err.Error()),
		)
		return &CallbackResult{Bare: true}
	}

	start := time.Now()
	profile, res := f.fetchProfile(ctx, provider, in.Code, stored.CodeVerifier)
	f.metrics.RecordProviderLatency(string(providerID), time.Since(start))
	if res != nil {
		return res
	}

	userID, err := f.resolver.ResolveAccount(ctx, providerID, profile.ProviderUserID, intent, stored.Name)
	switch {
	case errors.Is(err, model.ErrAccountExists):
		return failure(http.StatusConflict, accountExistsMessage)
	case errors.Is(err, model.ErrAccountNotFound):
		return failure(http.StatusNotFound, accountNotFoundMessage)
	case err != nil:
		slog.Error("failed to resolve oauth account",
			slog.String("provider", string(providerID)),
			slog.String("error", err.Error()),
		)
		return failure(http.StatusInternalServerError, model.GenericFailureMessage)
	}

	session, err := f.sessions.Create(ctx, userID)
	if err != nil {
		slog.Error("failed to create session",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return failure(http.StatusInternalServerError, model.GenericFailureMessage)
	}

	slog.Info("user authenticated",
		slog.String("user_id", userID),
		slog.String("method", "oauth"),
		slog.String("provider", string(providerID)),
		slog.String("intent", string(intent)),
	)

	return &CallbackResult{
		Message: Message{Success: true, Status: http.StatusOK},
		Cookies: []*http.Cookie{f.sessions.Cookie(session)},
	}
}

// validateCallback は認可コード・state・intent・name・コード検証子が揃っていることを確認する。
func (f *Flow) validateCallback(provider Provider, in CallbackInput, stored TransientState) (model.AuthIntent, error) {
	if in.Code == "" || in.State == "" || stored.State == "" {
		return "", model.ErrStateMismatch
	}
	if subtle.ConstantTimeCompare([]byte(in.State), []byte(stored.State)) != 1 {
		return "", model.ErrStateMismatch
	}
	if provider.UsesPKCE() && stored.CodeVerifier == "" {
		return "", model.ErrStateMismatch
	}

	intent, err := model.ParseAuthIntent(stored.Intent)
	if err != nil {
		return "", err
	}
	if intent == model.IntentSignUp && stored.Name == "" {
		return "", model.ErrNameRequired
	}
	return intent, nil
}

// fetchProfile はコード交換とプロフィール取得を行う。失敗時は応答を返す。
func (f *Flow) fetchProfile(ctx context.Context, provider Provider, code, verifier string) (*Profile, *CallbackResult) {
	providerID := string(provider.ID())

	tok, err := provider.Exchange(ctx, code, verifier)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			slog.Warn("oauth code exchange rejected",
				slog.String("provider", providerID),
				slog.String("error_code", rErr.ErrorCode),
				slog.String("error_description", rErr.ErrorDescription),
			)
			return nil, failure(http.StatusBadRequest, model.GenericFailureMessage)
		}
		slog.Error("oauth code exchange failed",
			slog.String("provider", providerID),
			slog.String("error", err.Error()),
		)
		return nil, failure(http.StatusInternalServerError, model.GenericFailureMessage)
	}

	profile, err := provider.FetchProfile(ctx, tok)
	if err != nil {
		slog.Error("oauth profile fetch failed",
			slog.String("provider", providerID),
			slog.String("error", err.Error()),
		)
		return nil, failure(http.StatusInternalServerError, model.GenericFailureMessage)
	}
	return profile, nil
}

func failure(status int, message string) *CallbackResult {
	return &CallbackResult{Message: Message{Success: false, Status: status, Message: message}}
}
