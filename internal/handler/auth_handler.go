// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/hitoshi/authflow/internal/middleware"
	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/oauth"
)

// OAuthFlow はOAuthハンドラーが必要とするフロー制御のインターフェース。
type OAuthFlow interface {
	Start(in oauth.StartInput) (*oauth.StartResult, error)
	Callback(ctx context.Context, provider model.Provider, in oauth.CallbackInput, stored oauth.TransientState) *oauth.CallbackResult
}

// SessionService はログアウトに必要なセッション操作のインターフェース。
type SessionService interface {
	Destroy(ctx context.Context, sessionID string) error
	Cookie(session *model.Session) *http.Cookie
	BlankCookie() *http.Cookie
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// BaseURL はアプリの公開URL。ポップアップからのpostMessageの宛先オリジンに使う。
	BaseURL string
}

// AuthHandler はOAuthフローとセッション関連のHTTPハンドラー。
type AuthHandler struct {
	flow     OAuthFlow
	sessions SessionService
	origin   string
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(flow OAuthFlow, sessions SessionService, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		flow:     flow,
		sessions: sessions,
		origin:   originOf(config.BaseURL),
	}
}

// OAuthStart はOAuthフローを開始する。
// GET /oauth?provider={github|google}&auth_intent={signin|signup}&name=
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	result, err := h.flow.Start(oauth.StartInput{
		Provider: q.Get("provider"),
		Intent:   q.Get("auth_intent"),
		Name:     q.Get("name"),
	})
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidProvider):
			http.Error(w, "Invalid provider", http.StatusBadRequest)
		case errors.Is(err, model.ErrInvalidIntent):
			http.Error(w, "Invalid auth intent", http.StatusBadRequest)
		case errors.Is(err, model.ErrNameRequired):
			http.Error(w, "name is required for sign up", http.StatusBadRequest)
		default:
			slog.Error("failed to start oauth flow", slog.String("error", err.Error()))
			middleware.WriteInternalServerError(w)
		}
		return
	}

	for _, c := range result.Cookies {
		http.SetCookie(w, c)
	}
	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

// OAuthCallback はプロバイダーごとのコールバックハンドラーを返す。
// GET /api/{provider}/callback?code=&state=&error=
//
// CSRF検証に失敗した場合は本文なしの400を返す。それ以外は開始元ウィンドウへ
// 結果を通知して自身を閉じるHTMLを返す。
func (h *AuthHandler) OAuthCallback(provider model.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		result := h.flow.Callback(r.Context(), provider, oauth.CallbackInput{
			Code:  q.Get("code"),
			State: q.Get("state"),
			Error: q.Get("error"),
		}, oauth.ReadTransientState(r, provider))

		for _, c := range result.Cookies {
			http.SetCookie(w, c)
		}

		if result.Bare {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		err := callbackTmpl.Execute(w, struct {
			Result oauth.Message
			Origin string
		}{
			Result: result.Message,
			Origin: h.origin,
		})
		if err != nil {
			slog.Error("failed to render callback page", slog.String("error", err.Error()))
		}
	}
}

// Logout はセッションを破棄してCookieを削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if session, ok := middleware.SessionFromContext(r.Context()); ok {
		if err := h.sessions.Destroy(r.Context(), session.ID); err != nil {
			// 破棄に失敗してもCookieは削除する
			slog.Error("failed to destroy session", slog.String("error", err.Error()))
		}
	}

	http.SetCookie(w, h.sessions.BlankCookie())
	w.WriteHeader(http.StatusNoContent)
}

// meResponse はGET /auth/meのレスポンス。
type meResponse struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Email *string `json:"email"`
}

// Me は現在のログインユーザー情報を返す。RequireSessionの後に配置する。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(meResponse{
		ID:    user.ID,
		Name:  user.Name,
		Email: user.Email,
	})
}

// originOf はURLのスキームとホスト部分を返す。解釈できない場合は"/"を返し、同一オリジンに限定する。
func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "/"
	}
	return u.Scheme + "://" + u.Host
}
