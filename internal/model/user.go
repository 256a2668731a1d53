// Package model はドメインモデルを定義する。
package model

import "time"

// User はサービス利用ユーザーを表す。
// Emailはマジックリンク経由の作成時に設定される。OAuthのみのユーザーはnil。
type User struct {
	ID              string
	Name            string
	Email           *string
	EmailVerifiedAt *time.Time
}

// Account は外部IdPとの紐付け情報を表す。
// (ProviderID, ProviderUserID) が主キーで、1つのユーザーにのみ紐付く。
type Account struct {
	ProviderID     Provider
	ProviderUserID string
	UserID         string
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
}

// IsExpired はセッションが時刻nowの時点で期限切れかどうかを返す。
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// MagicLink はメールで送信されるワンタイムログインリンクを表す。
// メールアドレスごとに最大1行しか存在しない。
type MagicLink struct {
	ID        string
	Name      string
	Email     string
	Token     string
	ExpiresAt time.Time
}

// IsExpired はマジックリンクが時刻nowの時点で期限切れかどうかを返す。
func (m *MagicLink) IsExpired(now time.Time) bool {
	return !now.Before(m.ExpiresAt)
}
