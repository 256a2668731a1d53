// Package auth はセッション管理、認証結果からのユーザー解決、応答時間の均一化を提供する。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/authflow/internal/metrics"
	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/repository"
	"github.com/hitoshi/authflow/internal/token"
)

// SessionCookieName はセッションIDを保持するCookie名。
const SessionCookieName = "session"

// SessionConfig はセッション管理の設定。
type SessionConfig struct {
	TTL    time.Duration // セッション有効期間
	Secure bool          // CookieのSecure属性（本番環境でtrue）
	Domain string        // CookieのDomain属性（空の場合はホスト限定）
}

// DefaultSessionConfig は有効期間30日の設定を返す。
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{TTL: 30 * 24 * time.Hour}
}

// ValidateResult はValidateの結果。
// Rotatedがtrueの場合、Sessionは新しいIDで発行し直されており、呼び出し側はCookieを更新する。
type ValidateResult struct {
	User    *model.User
	Session *model.Session
	Rotated bool
}

// SessionManager はセッションの作成・検証・ローテーション・破棄を行う。
//
// 残り有効期間がTTLの半分を切ったセッションは検証時にローテーションする。
// 同じセッションの並行ローテーションは直列化せず、後に書いた方が残る。
type SessionManager struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	config   SessionConfig
	metrics  metrics.MetricsCollector

	now   func() time.Time
	newID func() (string, error)
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(
	sessions repository.SessionRepository,
	users repository.UserRepository,
	config SessionConfig,
	mc metrics.MetricsCollector,
) *SessionManager {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &SessionManager{
		sessions: sessions,
		users:    users,
		config:   config,
		metrics:  mc,
		now:      time.Now,
		newID:    token.SessionID,
	}
}

// Create は新しいセッションを発行して永続化する。
func (m *SessionManager) Create(ctx context.Context, userID string) (*model.Session, error) {
	session, err := m.newSession(userID)
	if err != nil {
		return nil, err
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	m.metrics.RecordSessionEvent(metrics.SessionCreated)
	return session, nil
}

// Validate はセッションIDを検証し、ユーザーとセッションを返す。
// 存在しない・期限切れ・ユーザー不在の場合は(nil, nil)を返す。期限切れの行は削除する。
func (m *SessionManager) Validate(ctx context.Context, sessionID string) (*ValidateResult, error) {
	if sessionID == "" {
		return nil, nil
	}

	session, err := m.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil
	}

	now := m.now()
	if session.IsExpired(now) {
		if err := m.sessions.DeleteByID(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("failed to delete expired session: %w", err)
		}
		m.metrics.RecordSessionEvent(metrics.SessionExpired)
		return nil, nil
	}

	user, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		if err := m.sessions.DeleteByID(ctx, session.ID); err != nil {
			return nil, fmt.Errorf("failed to delete orphan session: %w", err)
		}
		return nil, nil
	}

	result := &ValidateResult{User: user, Session: session}

	if session.ExpiresAt.Sub(now) < m.config.TTL/2 {
		rotated, err := m.newSession(session.UserID)
		if err != nil {
			return nil, err
		}
		if err := m.sessions.Replace(ctx, session.ID, rotated); err != nil {
			// ローテーションに失敗しても元のセッションは有効なまま使う
			slog.Warn("session rotation failed",
				slog.String("user_id", session.UserID),
				slog.String("error", err.Error()),
			)
			return result, nil
		}
		m.metrics.RecordSessionEvent(metrics.SessionRotated)
		result.Session = rotated
		result.Rotated = true
	}

	return result, nil
}

// Destroy はセッションを削除する。
func (m *SessionManager) Destroy(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	if err := m.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.metrics.RecordSessionEvent(metrics.SessionDestroyed)
	return nil
}

// Cookie はセッションIDを保持するCookieを返す。
// 有効期限はサーバー側で管理するため、Expires/MaxAgeは設定しない。
func (m *SessionManager) Cookie(session *model.Session) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    session.ID,
		Path:     "/",
		Domain:   m.config.Domain,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// BlankCookie はセッションCookieを削除するCookieを返す。
func (m *SessionManager) BlankCookie() *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   m.config.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.config.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (m *SessionManager) newSession(userID string) (*model.Session, error) {
	id, err := m.newID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	return &model.Session{
		ID:        id,
		UserID:    userID,
		ExpiresAt: m.now().Add(m.config.TTL),
	}, nil
}
