package oauth

import (
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/authflow/internal/model"
)

// 一時Cookie名。stateのCookieはプロバイダーごとに分ける。
const (
	CodeVerifierCookie = "code_verifier"
	AuthIntentCookie   = "auth_intent"
	NameCookie         = "name"
)

// StateCookieName はプロバイダーのstateを保持するCookie名を返す。
func StateCookieName(provider model.Provider) string {
	return string(provider) + "_oauth_state"
}

// transientCookieNames はコールバックで必ず削除する一時Cookie。
func transientCookieNames() []string {
	return []string{
		StateCookieName(model.ProviderGitHub),
		StateCookieName(model.ProviderGoogle),
		CodeVerifierCookie,
		AuthIntentCookie,
		NameCookie,
	}
}

// CookieConfig は一時Cookieの属性。
type CookieConfig struct {
	TTL    time.Duration
	Secure bool
	Domain string
}

// TransientState はフロー開始時にCookieへ保存し、コールバックで読み戻す値。
type TransientState struct {
	State        string
	CodeVerifier string
	Intent       string
	Name         string
}

// ReadTransientState はリクエストのCookieからproviderの一時状態を読み出す。
func ReadTransientState(r *http.Request, provider model.Provider) TransientState {
	return TransientState{
		State:        cookieValue(r, StateCookieName(provider)),
		CodeVerifier: cookieValue(r, CodeVerifierCookie),
		Intent:       cookieValue(r, AuthIntentCookie),
		Name:         unescapeName(cookieValue(r, NameCookie)),
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}

// 表示名は非ASCII文字を含むためURLエンコードして保存する。
func unescapeName(v string) string {
	name, err := url.QueryUnescape(v)
	if err != nil {
		return ""
	}
	return name
}

func (c CookieConfig) set(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(c.TTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c CookieConfig) clear(name string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (c CookieConfig) clearAll() []*http.Cookie {
	names := transientCookieNames()
	cookies := make([]*http.Cookie, 0, len(names))
	for _, name := range names {
		cookies = append(cookies, c.clear(name))
	}
	return cookies
}
