// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authflow/internal/auth"
	"github.com/hitoshi/authflow/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	userContextKey    = contextKey("user")
	sessionContextKey = contextKey("session")
)

// SessionValidator はセッション検証とCookie生成に必要なインターフェース。
// auth.SessionManagerが実装する。
type SessionValidator interface {
	Validate(ctx context.Context, sessionID string) (*auth.ValidateResult, error)
	Cookie(session *model.Session) *http.Cookie
	BlankCookie() *http.Cookie
}

// NewSessionMiddleware はセッションCookieを検証し、ユーザーとセッションをコンテキストに注入する。
// 未認証のリクエストもそのまま通す。認証必須のルートはRequireSessionと組み合わせる。
//
// ローテーションされた場合は新しいCookieを、無効なCookieには削除用のCookieを設定する。
func NewSessionMiddleware(validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cookie, err := r.Cookie(auth.SessionCookieName)
			if err != nil || cookie.Value == "" {
				next.ServeHTTP(w, r)
				return
			}

			result, err := validator.Validate(r.Context(), cookie.Value)
			if err != nil {
				// ストア障害時はCookieを残したまま未認証として扱う
				slog.Error("failed to validate session",
					slog.String("error", err.Error()),
				)
				next.ServeHTTP(w, r)
				return
			}
			if result == nil {
				http.SetCookie(w, validator.BlankCookie())
				next.ServeHTTP(w, r)
				return
			}
			if result.Rotated {
				http.SetCookie(w, validator.Cookie(result.Session))
			}

			annotateUserID(r.Context(), result.User.ID)
			ctx := ContextWithSession(r.Context(), result.User, result.Session)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireSession は認証済みでないリクエストに401を返す。
// NewSessionMiddlewareの後に配置する。
func RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := UserFromContext(r.Context()); !ok {
			WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	return user, ok && user != nil
}

// SessionFromContext はリクエストコンテキストから現在のセッションを取得する。
func SessionFromContext(ctx context.Context) (*model.Session, bool) {
	session, ok := ctx.Value(sessionContextKey).(*model.Session)
	return session, ok && session != nil
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithSession はコンテキストにユーザーとセッションを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithSession(ctx context.Context, user *model.User, session *model.Session) context.Context {
	ctx = context.WithValue(ctx, userContextKey, user)
	return context.WithValue(ctx, sessionContextKey, session)
}
