// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/authflow/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByEmail はメールアドレスでユーザーを検索する。見つからない場合はnilを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はmodel.ErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// CreateWithAccount はユーザーとアカウント紐付けを同一トランザクションで作成する。
	// (provider_id, provider_user_id) が重複する場合はmodel.ErrDuplicateを返す。
	CreateWithAccount(ctx context.Context, user *model.User, account *model.Account) error
}

// AccountRepository は外部IdP紐付け情報の永続化インターフェース。
type AccountRepository interface {
	// FindByProviderAndProviderUserID はproviderとprovider_user_idでアカウントを検索する。
	// 見つからない場合はnilを返す。
	FindByProviderAndProviderUserID(ctx context.Context, provider model.Provider, providerUserID string) (*model.Account, error)
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れでも返し、判定は呼び出し側で行う。
	// 見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// Replace は旧セッションを削除し新セッションを作成する。同一トランザクションで実行する。
	Replace(ctx context.Context, oldID string, session *model.Session) error
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteExpired はnow時点で期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// MagicLinkRepository はマジックリンクの永続化インターフェース。
type MagicLinkRepository interface {
	// UpsertIfExpired はemailをキーにマジックリンクを単一のSQL文でUPSERTする。
	// 既存行がnow時点で有効な場合は何も変更せずfalseを返す。
	UpsertIfExpired(ctx context.Context, link *model.MagicLink, now time.Time) (bool, error)

	// Consume はトークンに一致する行を削除し、削除した行を返す。
	// 見つからない場合はnilを返す。同一トークンを返すのは最大1回。
	Consume(ctx context.Context, token string) (*model.MagicLink, error)

	// DeleteByToken はトークンに一致する行を削除する。
	DeleteByToken(ctx context.Context, token string) error

	// DeleteExpired はnow時点で期限切れの行を削除し、削除件数を返す。
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Store はリポジトリ一式をまとめた構造体。
type Store struct {
	Users      UserRepository
	Accounts   AccountRepository
	Sessions   SessionRepository
	MagicLinks MagicLinkRepository
}
