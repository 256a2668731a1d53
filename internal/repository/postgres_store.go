package repository

import "database/sql"

// NewPostgresStore は同一のDB接続を共有するPostgreSQL実装のリポジトリ一式を返す。
func NewPostgresStore(db *sql.DB) Store {
	return Store{
		Users:      NewPostgresUserRepo(db),
		Accounts:   NewPostgresAccountRepo(db),
		Sessions:   NewPostgresSessionRepo(db),
		MagicLinks: NewPostgresMagicLinkRepo(db),
	}
}
