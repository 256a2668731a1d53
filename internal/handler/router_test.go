package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/hitoshi/authflow/internal/auth"
	"github.com/hitoshi/authflow/internal/email"
	"github.com/hitoshi/authflow/internal/magiclink"
	"github.com/hitoshi/authflow/internal/middleware"
	"github.com/hitoshi/authflow/internal/oauth"
	"github.com/hitoshi/authflow/internal/ratelimit"
	"github.com/hitoshi/authflow/internal/repository/repotest"
)

// capturingSender は送信したメールを保持する。
type capturingSender struct {
	mu   sync.Mutex
	sent []email.Message
}

func (s *capturingSender) Send(_ context.Context, msg email.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *capturingSender) last() (email.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return email.Message{}, false
	}
	return s.sent[len(s.sent)-1], true
}

var tokenPattern = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)

// testApp は実装一式をメモリストアで組み立てたテスト用サーバー。
type testApp struct {
	server *httptest.Server
	router http.Handler
	store  *repotest.Store
	sender *capturingSender
}

// newFakeGitHub はトークン交換とプロフィール取得を模擬するサーバーを起動する。
func newFakeGitHub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.PostForm.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"bad_verification_code"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"gh-token","token_type":"bearer"}`)
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":4242,"login":"octo"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()

	store := repotest.NewStore()
	sender := &capturingSender{}
	gh := newFakeGitHub(t)

	limiter := ratelimit.NewMemoryStore(ratelimit.DefaultConfig())
	t.Cleanup(limiter.Stop)

	app := &testApp{store: store, sender: sender}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.router.ServeHTTP(w, r)
	})
	app.server = httptest.NewServer(handler)
	t.Cleanup(app.server.Close)
	baseURL := app.server.URL

	sessions := auth.NewSessionManager(store.Sessions(), store.Users(), auth.DefaultSessionConfig(), nil)
	resolver := auth.NewResolver(store.Users(), store.Accounts())
	github := oauth.NewGitHubProvider(oauth.ProviderConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  baseURL + "/api/github/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  gh.URL + "/login/oauth/authorize",
			TokenURL: gh.URL + "/login/oauth/access_token",
		},
		ProfileURL: gh.URL + "/user",
		HTTPClient: gh.Client(),
	})
	flow := oauth.NewFlow([]oauth.Provider{github}, resolver, sessions, oauth.CookieConfig{TTL: 10 * time.Minute}, nil)
	links := magiclink.NewService(store.MagicLinks(), resolver, sessions, sender,
		magiclink.Config{BaseURL: baseURL, TTL: 10 * time.Minute}, nil, magiclink.WithLimiter(limiter))

	app.router = NewRouter(&RouterDeps{
		Sessions:        sessions,
		CSRF:            middleware.CSRFConfig{},
		OAuthLimiter:    limiter,
		RateLimitWindow: ratelimit.DefaultConfig().Window,
		OAuthFlow:       flow,
		SessionService:  sessions,
		MagicLinks:      links,
		Padder:          auth.NewPadder(0, 0),
		BaseURL:         baseURL,
		HealthChecker:   mockPinger{},
	})
	return app
}

// newClient はCookieを保持し、リダイレクトを追跡しないクライアントを返す。
func (a *testApp) newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func (a *testApp) csrfToken(t *testing.T, client *http.Client) string {
	t.Helper()
	resp, err := client.Get(a.server.URL + "/auth/csrf-token")
	if err != nil {
		t.Fatalf("GET csrf-token: %v", err)
	}
	defer resp.Body.Close()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode csrf token: %v", err)
	}
	return body["token"]
}

func (a *testApp) postMagic(t *testing.T, client *http.Client, csrf, payload string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, a.server.URL+"/auth/magic", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if csrf != "" {
		req.Header.Set(middleware.CSRFHeaderName, csrf)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST /auth/magic: %v", err)
	}
	return resp
}

func TestRouter_MagicLinkLifecycle(t *testing.T) {
	app := newTestApp(t)
	client := app.newClient(t)
	csrf := app.csrfToken(t, client)

	resp := app.postMagic(t, client, csrf, `{"name":"Ann","email":"Ann@Example.com","authIntent":"signup"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("issue status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	msg, ok := app.sender.last()
	if !ok {
		t.Fatal("expected an email to be sent")
	}
	if msg.To != "ann@example.com" {
		t.Errorf("To = %q, want normalized address", msg.To)
	}
	m := tokenPattern.FindStringSubmatch(msg.HTMLBody)
	if m == nil {
		t.Fatalf("no token in email body: %s", msg.HTMLBody)
	}

	resp, err := client.Get(app.server.URL + "/api/magic?token=" + m[1])
	if err != nil {
		t.Fatalf("GET /api/magic: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound || resp.Header.Get("Location") != "/" {
		t.Fatalf("redeem = %d %q, want 302 /", resp.StatusCode, resp.Header.Get("Location"))
	}

	resp, err = client.Get(app.server.URL + "/auth/me")
	if err != nil {
		t.Fatalf("GET /auth/me: %v", err)
	}
	var me map[string]any
	json.NewDecoder(resp.Body).Decode(&me)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || me["email"] != "ann@example.com" || me["name"] != "Ann" {
		t.Fatalf("me = %d %v", resp.StatusCode, me)
	}

	// 使用済みリンクはエラーページへ
	resp, err = client.Get(app.server.URL + "/api/magic?token=" + m[1])
	if err != nil {
		t.Fatalf("GET /api/magic: %v", err)
	}
	resp.Body.Close()
	if loc := resp.Header.Get("Location"); loc != "/signin/error" {
		t.Errorf("second redeem Location = %q, want /signin/error", loc)
	}

	req, _ := http.NewRequest(http.MethodPost, app.server.URL+"/auth/logout", nil)
	req.Header.Set(middleware.CSRFHeaderName, csrf)
	resp, err = client.Do(req)
	if err != nil {
		t.Fatalf("POST /auth/logout: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("logout status = %d, want %d", resp.StatusCode, http.StatusNoContent)
	}
	if app.store.SessionCount() != 0 {
		t.Errorf("sessions = %d, want 0", app.store.SessionCount())
	}

	resp, err = client.Get(app.server.URL + "/auth/me")
	if err != nil {
		t.Fatalf("GET /auth/me: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("me after logout = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestRouter_MagicLinkRequiresCSRF(t *testing.T) {
	app := newTestApp(t)
	client := app.newClient(t)
	app.csrfToken(t, client)

	resp := app.postMagic(t, client, "", `{"email":"ann@example.com","authIntent":"signin"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if _, ok := app.sender.last(); ok {
		t.Error("no email should be sent without CSRF token")
	}
}

func TestRouter_MagicLinkFormBodyIsCapped(t *testing.T) {
	app := newTestApp(t)
	client := app.newClient(t)
	csrf := app.csrfToken(t, client)

	form := url.Values{
		"email":      {"ann@example.com"},
		"authIntent": {"signin"},
		"padding":    {strings.Repeat("x", maxIssueBodyBytes)},
		"csrf_token": {csrf},
	}
	req, err := http.NewRequest(http.MethodPost, app.server.URL+"/auth/magic", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("POST /auth/magic: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
	if _, ok := app.sender.last(); ok {
		t.Error("no email should be sent for an oversized form")
	}
}

func TestRouter_MagicLinkRateLimit(t *testing.T) {
	app := newTestApp(t)
	client := app.newClient(t)
	csrf := app.csrfToken(t, client)

	for i := 0; i < 5; i++ {
		resp := app.postMagic(t, client, csrf, `{"email":"nobody@example.com","authIntent":"signin"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want %d", i+1, resp.StatusCode, http.StatusOK)
		}
	}

	resp := app.postMagic(t, client, csrf, `{"email":"nobody@example.com","authIntent":"signin"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	var body IssueResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Errors.Limited == "" {
		t.Errorf("errors = %+v, want limited message", body.Errors)
	}
}

func TestRouter_GitHubSignUp(t *testing.T) {
	app := newTestApp(t)
	client := app.newClient(t)

	resp, err := client.Get(app.server.URL + "/oauth?provider=github&auth_intent=signup&name=" + url.QueryEscape("Octo Cat"))
	if err != nil {
		t.Fatalf("GET /oauth: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("start status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
	loc, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatal("authorize URL has no state")
	}

	resp, err = client.Get(app.server.URL + "/api/github/callback?code=good-code&state=" + url.QueryEscape(state))
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if !strings.Contains(string(body), `"success":true`) {
		t.Errorf("callback body = %s", body)
	}
	if app.store.UserCount() != 1 || app.store.AccountCount() != 1 {
		t.Errorf("users = %d accounts = %d, want 1 and 1", app.store.UserCount(), app.store.AccountCount())
	}

	resp, err = client.Get(app.server.URL + "/auth/me")
	if err != nil {
		t.Fatalf("GET /auth/me: %v", err)
	}
	var me map[string]any
	json.NewDecoder(resp.Body).Decode(&me)
	resp.Body.Close()
	if me["name"] != "Octo Cat" {
		t.Errorf("me = %v", me)
	}
}

func TestRouter_CallbackStateMismatch(t *testing.T) {
	app := newTestApp(t)
	client := app.newClient(t)

	resp, err := client.Get(app.server.URL + "/oauth?provider=github&auth_intent=signin")
	if err != nil {
		t.Fatalf("GET /oauth: %v", err)
	}
	resp.Body.Close()

	resp, err = client.Get(app.server.URL + "/api/github/callback?code=good-code&state=forged")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest || len(body) != 0 {
		t.Errorf("callback = %d %q, want bare 400", resp.StatusCode, body)
	}
	if app.store.SessionCount() != 0 {
		t.Error("no session should be created on state mismatch")
	}
}

func TestRouter_OAuthStartRateLimit(t *testing.T) {
	app := newTestApp(t)
	client := app.newClient(t)

	for i := 0; i < 5; i++ {
		resp, err := client.Get(app.server.URL + "/oauth?provider=github&auth_intent=signin")
		if err != nil {
			t.Fatalf("GET /oauth: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusFound {
			t.Fatalf("request %d status = %d, want %d", i+1, resp.StatusCode, http.StatusFound)
		}
	}

	resp, err := client.Get(app.server.URL + "/oauth?provider=github&auth_intent=signin")
	if err != nil {
		t.Fatalf("GET /oauth: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// 意図が異なれば別のキー
	resp, err = client.Get(app.server.URL + "/oauth?provider=github&auth_intent=signup&name=A")
	if err != nil {
		t.Fatalf("GET /oauth: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Errorf("signup status = %d, want %d", resp.StatusCode, http.StatusFound)
	}
}

func TestRouter_HealthAndSignInError(t *testing.T) {
	app := newTestApp(t)
	client := app.newClient(t)

	for _, path := range []string{"/health", "/signin/error"} {
		resp, err := client.Get(app.server.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s status = %d, want %d", path, resp.StatusCode, http.StatusOK)
		}
		if resp.Header.Get("Cache-Control") != "no-store" {
			t.Errorf("%s missing security headers", path)
		}
	}
}
