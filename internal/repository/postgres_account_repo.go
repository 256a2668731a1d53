package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/authflow/internal/model"
)

// PostgresAccountRepo はPostgreSQLを使用したアカウント紐付けリポジトリ。
type PostgresAccountRepo struct {
	db *sql.DB
}

// NewPostgresAccountRepo はPostgresAccountRepoを生成する。
func NewPostgresAccountRepo(db *sql.DB) *PostgresAccountRepo {
	return &PostgresAccountRepo{db: db}
}

// FindByProviderAndProviderUserID はproviderとprovider_user_idでアカウントを検索する。
// 見つからない場合はnilを返す。
func (r *PostgresAccountRepo) FindByProviderAndProviderUserID(ctx context.Context, provider model.Provider, providerUserID string) (*model.Account, error) {
	account := &model.Account{}
	var providerID string
	err := r.db.QueryRowContext(ctx,
		`SELECT provider_id, provider_user_id, user_id
		 FROM accounts
		 WHERE provider_id = $1 AND provider_user_id = $2`,
		string(provider), providerUserID,
	).Scan(&providerID, &account.ProviderUserID, &account.UserID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	account.ProviderID = model.Provider(providerID)
	return account, nil
}

// compile-time interface check
var _ AccountRepository = (*PostgresAccountRepo)(nil)
