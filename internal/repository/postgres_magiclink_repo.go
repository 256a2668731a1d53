package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/authflow/internal/model"
)

// PostgresMagicLinkRepo はPostgreSQLを使用したマジックリンクリポジトリ。
type PostgresMagicLinkRepo struct {
	db *sql.DB
}

// NewPostgresMagicLinkRepo はPostgresMagicLinkRepoを生成する。
func NewPostgresMagicLinkRepo(db *sql.DB) *PostgresMagicLinkRepo {
	return &PostgresMagicLinkRepo{db: db}
}

// UpsertIfExpired はemailの一意制約を使って1文でUPSERTする。
// ON CONFLICT ... WHERE により、既存行が有効な間はトークンを差し替えない。
// 挿入または更新が行われた場合のみtrueを返す。
func (r *PostgresMagicLinkRepo) UpsertIfExpired(ctx context.Context, link *model.MagicLink, now time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO magic_links (id, name, email, token, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (email) DO UPDATE
		   SET name = EXCLUDED.name, token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		   WHERE magic_links.expires_at <= $6`,
		link.ID, link.Name, link.Email, link.Token, link.ExpiresAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert magic link: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// Consume はトークンに一致する行をDELETE ... RETURNINGで削除して返す。
// 並行して同じトークンを使った場合、行を受け取れるのは1リクエストのみ。
func (r *PostgresMagicLinkRepo) Consume(ctx context.Context, token string) (*model.MagicLink, error) {
	link := &model.MagicLink{}
	err := r.db.QueryRowContext(ctx,
		`DELETE FROM magic_links WHERE token = $1
		 RETURNING id, name, email, token, expires_at`,
		token,
	).Scan(&link.ID, &link.Name, &link.Email, &link.Token, &link.ExpiresAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume magic link: %w", err)
	}
	return link, nil
}

// DeleteByToken はトークンに一致する行を削除する。
func (r *PostgresMagicLinkRepo) DeleteByToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM magic_links WHERE token = $1`,
		token,
	)
	if err != nil {
		return fmt.Errorf("failed to delete magic link: %w", err)
	}
	return nil
}

// DeleteExpired はnow時点で期限切れの行を削除する。
func (r *PostgresMagicLinkRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM magic_links WHERE expires_at <= $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired magic links: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ MagicLinkRepository = (*PostgresMagicLinkRepo)(nil)
