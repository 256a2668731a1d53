package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/authflow/internal/auth"
	"github.com/hitoshi/authflow/internal/model"
)

// --- モック定義 ---

type mockSessionValidator struct {
	validateFn func(ctx context.Context, id string) (*auth.ValidateResult, error)
}

func (m *mockSessionValidator) Validate(ctx context.Context, id string) (*auth.ValidateResult, error) {
	if m.validateFn != nil {
		return m.validateFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionValidator) Cookie(session *model.Session) *http.Cookie {
	return &http.Cookie{Name: auth.SessionCookieName, Value: session.ID, Path: "/"}
}

func (m *mockSessionValidator) BlankCookie() *http.Cookie {
	return &http.Cookie{Name: auth.SessionCookieName, Value: "", Path: "/", MaxAge: -1}
}

func validResult(sessionID string, rotated bool) *auth.ValidateResult {
	return &auth.ValidateResult{
		User:    &model.User{ID: "user-123", Name: "Alice"},
		Session: &model.Session{ID: sessionID, UserID: "user-123", ExpiresAt: time.Now().Add(time.Hour)},
		Rotated: rotated,
	}
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// --- テスト ---

func TestSessionMiddleware_ValidSession_InjectsUser(t *testing.T) {
	validator := &mockSessionValidator{
		validateFn: func(ctx context.Context, id string) (*auth.ValidateResult, error) {
			if id == "valid-session-id" {
				return validResult("valid-session-id", false), nil
			}
			return nil, nil
		},
	}

	var capturedUserID, capturedSessionID string
	handler := NewSessionMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, err := UserIDFromContext(r.Context())
		if err != nil {
			t.Errorf("expected no error, got %v", err)
		}
		capturedUserID = userID
		if s, ok := SessionFromContext(r.Context()); ok {
			capturedSessionID = s.ID
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "valid-session-id"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if capturedUserID != "user-123" {
		t.Errorf("userID = %q, want %q", capturedUserID, "user-123")
	}
	if capturedSessionID != "valid-session-id" {
		t.Errorf("sessionID = %q, want %q", capturedSessionID, "valid-session-id")
	}
	if c := findCookie(w.Result(), "session"); c != nil {
		t.Errorf("unexpected Set-Cookie for fresh session: %+v", c)
	}
}

func TestSessionMiddleware_RotatedSession_SetsNewCookie(t *testing.T) {
	validator := &mockSessionValidator{
		validateFn: func(ctx context.Context, id string) (*auth.ValidateResult, error) {
			return validResult("rotated-id", true), nil
		},
	}

	handler := NewSessionMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "old-id"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	c := findCookie(w.Result(), "session")
	if c == nil {
		t.Fatal("expected rotated session cookie")
	}
	if c.Value != "rotated-id" {
		t.Errorf("cookie value = %q, want %q", c.Value, "rotated-id")
	}
}

func TestSessionMiddleware_InvalidSession_ClearsCookie(t *testing.T) {
	validator := &mockSessionValidator{}

	handlerCalled := false
	handler := NewSessionMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		if _, ok := UserFromContext(r.Context()); ok {
			t.Error("expected no user in context")
		}
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "expired-id"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !handlerCalled {
		t.Fatal("handler should be called for unauthenticated request")
	}
	c := findCookie(w.Result(), "session")
	if c == nil || c.MaxAge >= 0 {
		t.Errorf("expected blank session cookie, got %+v", c)
	}
}

func TestSessionMiddleware_NoCookie_PassesThrough(t *testing.T) {
	called := false
	validator := &mockSessionValidator{
		validateFn: func(ctx context.Context, id string) (*auth.ValidateResult, error) {
			called = true
			return nil, nil
		},
	}

	handler := NewSessionMiddleware(validator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if called {
		t.Error("validator should not be called without a cookie")
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("expected no cookies")
	}
}

func TestSessionMiddleware_ValidatorError_KeepsCookie(t *testing.T) {
	validator := &mockSessionValidator{
		validateFn: func(ctx context.Context, id string) (*auth.ValidateResult, error) {
			return nil, errors.New("db down")
		},
	}

	handler := NewSessionMiddleware(validator)(RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: "session", Value: "some-id"})
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Result().StatusCode, http.StatusUnauthorized)
	}
	if c := findCookie(w.Result(), "session"); c != nil {
		t.Errorf("cookie should not be touched on store failure: %+v", c)
	}
}

func TestRequireSession_Unauthenticated_Returns401JSON(t *testing.T) {
	handler := RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/auth/me", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestRequireSession_Authenticated_PassesThrough(t *testing.T) {
	called := false
	handler := RequireSession(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req = req.WithContext(ContextWithSession(req.Context(), &model.User{ID: "u1"}, &model.Session{ID: "s1"}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("handler should be called for authenticated request")
	}
}

func TestUserIDFromContext_NoValue_ReturnsError(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}
}
