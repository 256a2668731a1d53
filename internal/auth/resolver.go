package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/repository"
)

// Resolver は検証済みの外部シグナル（メールアドレス、プロバイダーの利用者ID）と認証意図から、
// ローカルユーザーを決定する。
type Resolver struct {
	users    repository.UserRepository
	accounts repository.AccountRepository
	now      func() time.Time
}

// NewResolver はResolverを生成する。
func NewResolver(users repository.UserRepository, accounts repository.AccountRepository) *Resolver {
	return &Resolver{
		users:    users,
		accounts: accounts,
		now:      time.Now,
	}
}

// MagicLinkEligibility はマジックリンク発行の可否を返す。
// サインインで未登録、またはサインアップで登録済みの場合はfalseを返し、existingは登録済みユーザー。
func (r *Resolver) MagicLinkEligibility(ctx context.Context, email string, intent model.AuthIntent) (existing *model.User, eligible bool, err error) {
	existing, err = r.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("failed to find user by email: %w", err)
	}

	switch intent {
	case model.IntentSignIn:
		return existing, existing != nil, nil
	case model.IntentSignUp:
		return existing, existing == nil, nil
	default:
		return nil, false, model.ErrInvalidIntent
	}
}

// ResolveEmail はメールアドレスのユーザーを返す。存在しない場合はメール確認済みとして作成する。
// 並行作成で一意制約に当たった場合は作成済みのユーザーを返す。
func (r *Resolver) ResolveEmail(ctx context.Context, email, name string) (*model.User, error) {
	user, err := r.users.FindByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if user != nil {
		return user, nil
	}

	verifiedAt := r.now()
	user = &model.User{
		ID:              uuid.New().String(),
		Name:            name,
		Email:           &email,
		EmailVerifiedAt: &verifiedAt,
	}
	if err := r.users.Create(ctx, user); err != nil {
		if !errors.Is(err, model.ErrDuplicate) {
			return nil, fmt.Errorf("failed to create user: %w", err)
		}
		user, err = r.users.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("failed to find user by email: %w", err)
		}
		if user == nil {
			return nil, fmt.Errorf("user vanished after duplicate insert: %w", model.ErrDuplicate)
		}
		return user, nil
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("method", "magic_link"),
	)
	return user, nil
}

// ResolveAccount はプロバイダーの利用者IDと認証意図からユーザーIDを決定する。
//
//   - 紐付けあり・サインアップ: model.ErrAccountExists
//   - 紐付けなし・サインイン: model.ErrAccountNotFound
//   - 紐付けなし・サインアップ: ユーザーとアカウントを同一トランザクションで作成
//   - 紐付けあり・サインイン: 紐付け先のユーザー
func (r *Resolver) ResolveAccount(ctx context.Context, provider model.Provider, providerUserID string, intent model.AuthIntent, name string) (string, error) {
	account, err := r.accounts.FindByProviderAndProviderUserID(ctx, provider, providerUserID)
	if err != nil {
		return "", fmt.Errorf("failed to find account: %w", err)
	}

	switch {
	case account != nil && intent == model.IntentSignUp:
		return "", model.ErrAccountExists
	case account == nil && intent == model.IntentSignIn:
		return "", model.ErrAccountNotFound
	case account != nil:
		return account.UserID, nil
	}

	if name == "" {
		return "", model.ErrNameRequired
	}

	verifiedAt := r.now()
	user := &model.User{
		ID:              uuid.New().String(),
		Name:            name,
		EmailVerifiedAt: &verifiedAt,
	}
	newAccount := &model.Account{
		ProviderID:     provider,
		ProviderUserID: providerUserID,
		UserID:         user.ID,
	}
	if err := r.users.CreateWithAccount(ctx, user, newAccount); err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return "", model.ErrAccountExists
		}
		return "", fmt.Errorf("failed to create user and account: %w", err)
	}

	slog.Info("new user created",
		slog.String("user_id", user.ID),
		slog.String("method", "oauth"),
		slog.String("provider", string(provider)),
	)
	return user.ID, nil
}
