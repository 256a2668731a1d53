// Package repotest はテスト用のインメモリリポジトリ実装を提供する。
// PostgreSQL実装と同じ一意制約・原子性の振る舞いを再現する。
package repotest

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/repository"
)

// Store はusers, accounts, sessions, magic_linksをまとめて保持するインメモリストア。
// 各テーブルのリポジトリはStoreのメソッドから取得する。
type Store struct {
	mu         sync.Mutex
	users      map[string]model.User
	accounts   map[accountKey]model.Account
	sessions   map[string]model.Session
	magicLinks map[string]model.MagicLink // key: email
}

type accountKey struct {
	provider model.Provider
	subject  string
}

// NewStore は空のStoreを生成する。
func NewStore() *Store {
	return &Store{
		users:      make(map[string]model.User),
		accounts:   make(map[accountKey]model.Account),
		sessions:   make(map[string]model.Session),
		magicLinks: make(map[string]model.MagicLink),
	}
}

// Repositories はrepository.Storeとしてまとめたリポジトリ一式を返す。
func (s *Store) Repositories() repository.Store {
	return repository.Store{
		Users:      s.Users(),
		Accounts:   s.Accounts(),
		Sessions:   s.Sessions(),
		MagicLinks: s.MagicLinks(),
	}
}

// Users はUserRepositoryを返す。
func (s *Store) Users() repository.UserRepository { return userRepo{s} }

// Accounts はAccountRepositoryを返す。
func (s *Store) Accounts() repository.AccountRepository { return accountRepo{s} }

// Sessions はSessionRepositoryを返す。
func (s *Store) Sessions() repository.SessionRepository { return sessionRepo{s} }

// MagicLinks はMagicLinkRepositoryを返す。
func (s *Store) MagicLinks() repository.MagicLinkRepository { return magicLinkRepo{s} }

// UserCount は保存済みユーザー数を返す。
func (s *Store) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// AccountCount は保存済みアカウント数を返す。
func (s *Store) AccountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accounts)
}

// SessionCount は保存済みセッション数を返す。
func (s *Store) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// MagicLinkFor はemailのマジックリンク行を返す。
func (s *Store) MagicLinkFor(email string) (model.MagicLink, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.magicLinks[email]
	return l, ok
}

// PutSession はセッション行を直接書き込む。
func (s *Store) PutSession(session model.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session
}

// PutUser はユーザー行を直接書き込む。
func (s *Store) PutUser(user model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.ID] = user
}

// PutAccount はアカウント行を直接書き込む。
func (s *Store) PutAccount(account model.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[accountKey{account.ProviderID, account.ProviderUserID}] = account
}

// PutMagicLink はマジックリンク行を直接書き込む。
func (s *Store) PutMagicLink(link model.MagicLink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.magicLinks[link.Email] = link
}

type userRepo struct{ s *Store }

func (r userRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (r userRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Email != nil && *u.Email == email {
			return &u, nil
		}
	}
	return nil, nil
}

func (r userRepo) Create(_ context.Context, user *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.checkUserLocked(user); err != nil {
		return err
	}
	r.s.users[user.ID] = *user
	return nil
}

func (r userRepo) CreateWithAccount(_ context.Context, user *model.User, account *model.Account) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.checkUserLocked(user); err != nil {
		return err
	}
	key := accountKey{account.ProviderID, account.ProviderUserID}
	if _, exists := r.s.accounts[key]; exists {
		return model.ErrDuplicate
	}
	r.s.users[user.ID] = *user
	r.s.accounts[key] = *account
	return nil
}

func (s *Store) checkUserLocked(user *model.User) error {
	if _, exists := s.users[user.ID]; exists {
		return model.ErrDuplicate
	}
	if user.Email == nil {
		return nil
	}
	for _, u := range s.users {
		if u.Email != nil && *u.Email == *user.Email {
			return model.ErrDuplicate
		}
	}
	return nil
}

type accountRepo struct{ s *Store }

func (r accountRepo) FindByProviderAndProviderUserID(_ context.Context, provider model.Provider, providerUserID string) (*model.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accounts[accountKey{provider, providerUserID}]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

type sessionRepo struct{ s *Store }

func (r sessionRepo) Create(_ context.Context, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, exists := r.s.sessions[session.ID]; exists {
		return model.ErrDuplicate
	}
	r.s.sessions[session.ID] = *session
	return nil
}

func (r sessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, nil
	}
	return &sess, nil
}

func (r sessionRepo) Replace(_ context.Context, oldID string, session *model.Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, oldID)
	r.s.sessions[session.ID] = *session
	return nil
}

func (r sessionRepo) DeleteByID(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.sessions, id)
	return nil
}

func (r sessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.sessions {
		if sess.IsExpired(now) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

type magicLinkRepo struct{ s *Store }

func (r magicLinkRepo) UpsertIfExpired(_ context.Context, link *model.MagicLink, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.magicLinks[link.Email]; ok && !existing.IsExpired(now) {
		return false, nil
	}
	for email, l := range r.s.magicLinks {
		if l.Token == link.Token && email != link.Email {
			return false, model.ErrDuplicate
		}
	}
	r.s.magicLinks[link.Email] = *link
	return true, nil
}

func (r magicLinkRepo) Consume(_ context.Context, token string) (*model.MagicLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for email, l := range r.s.magicLinks {
		if l.Token == token {
			delete(r.s.magicLinks, email)
			return &l, nil
		}
	}
	return nil, nil
}

func (r magicLinkRepo) DeleteByToken(_ context.Context, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for email, l := range r.s.magicLinks {
		if l.Token == token {
			delete(r.s.magicLinks, email)
		}
	}
	return nil
}

func (r magicLinkRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for email, l := range r.s.magicLinks {
		if l.IsExpired(now) {
			delete(r.s.magicLinks, email)
			n++
		}
	}
	return n, nil
}
