package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/repository/repotest"
)

func newTestResolver(store *repotest.Store) *Resolver {
	r := NewResolver(store.Users(), store.Accounts())
	r.now = func() time.Time { return baseTime }
	return r
}

func TestResolver_MagicLinkEligibility(t *testing.T) {
	store := repotest.NewStore()
	store.PutUser(model.User{ID: "u1", Name: "Ann", Email: strPtr("ann@example.com")})
	r := newTestResolver(store)

	tests := []struct {
		name     string
		email    string
		intent   model.AuthIntent
		eligible bool
	}{
		{"登録済み・サインイン", "ann@example.com", model.IntentSignIn, true},
		{"未登録・サインイン", "new@example.com", model.IntentSignIn, false},
		{"登録済み・サインアップ", "ann@example.com", model.IntentSignUp, false},
		{"未登録・サインアップ", "new@example.com", model.IntentSignUp, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, eligible, err := r.MagicLinkEligibility(context.Background(), tt.email, tt.intent)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if eligible != tt.eligible {
				t.Errorf("eligible = %v, want %v", eligible, tt.eligible)
			}
		})
	}

	if _, _, err := r.MagicLinkEligibility(context.Background(), "x@example.com", "other"); !errors.Is(err, model.ErrInvalidIntent) {
		t.Errorf("expected ErrInvalidIntent, got %v", err)
	}
}

func TestResolver_ResolveEmail_CreatesVerifiedUser(t *testing.T) {
	store := repotest.NewStore()
	r := newTestResolver(store)

	user, err := r.ResolveEmail(context.Background(), "new@example.com", "Ann")
	if err != nil {
		t.Fatalf("ResolveEmail returned error: %v", err)
	}
	if user.Email == nil || *user.Email != "new@example.com" {
		t.Errorf("Email = %v, want new@example.com", user.Email)
	}
	if user.EmailVerifiedAt == nil || !user.EmailVerifiedAt.Equal(baseTime) {
		t.Errorf("EmailVerifiedAt = %v, want %v", user.EmailVerifiedAt, baseTime)
	}

	again, err := r.ResolveEmail(context.Background(), "new@example.com", "Other")
	if err != nil {
		t.Fatalf("second ResolveEmail returned error: %v", err)
	}
	if again.ID != user.ID {
		t.Error("existing user should be reused")
	}
	if store.UserCount() != 1 {
		t.Errorf("user count = %d, want 1", store.UserCount())
	}
}

func TestResolver_ResolveEmail_ConcurrentCreatesOneUser(t *testing.T) {
	store := repotest.NewStore()
	r := newTestResolver(store)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := r.ResolveEmail(context.Background(), "race@example.com", "R")
			if err != nil {
				t.Errorf("ResolveEmail returned error: %v", err)
				return
			}
			ids[i] = u.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("concurrent resolves returned different users: %v", ids)
		}
	}
	if store.UserCount() != 1 {
		t.Errorf("user count = %d, want 1", store.UserCount())
	}
}

func TestResolver_ResolveAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("紐付けあり・サインアップは衝突", func(t *testing.T) {
		store := repotest.NewStore()
		store.PutUser(model.User{ID: "u1", Name: "Ann"})
		store.PutAccount(model.Account{ProviderID: model.ProviderGitHub, ProviderUserID: "42", UserID: "u1"})

		_, err := newTestResolver(store).ResolveAccount(ctx, model.ProviderGitHub, "42", model.IntentSignUp, "Ann")
		if !errors.Is(err, model.ErrAccountExists) {
			t.Errorf("expected ErrAccountExists, got %v", err)
		}
		if store.UserCount() != 1 || store.AccountCount() != 1 {
			t.Error("conflict must not create rows")
		}
	})

	t.Run("紐付けなし・サインインは未検出", func(t *testing.T) {
		store := repotest.NewStore()
		_, err := newTestResolver(store).ResolveAccount(ctx, model.ProviderGoogle, "sub-1", model.IntentSignIn, "")
		if !errors.Is(err, model.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}
		if store.UserCount() != 0 {
			t.Error("not-found must not create rows")
		}
	})

	t.Run("紐付けなし・サインアップは作成", func(t *testing.T) {
		store := repotest.NewStore()
		userID, err := newTestResolver(store).ResolveAccount(ctx, model.ProviderGoogle, "sub-1", model.IntentSignUp, "Ann")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		acc, _ := store.Accounts().FindByProviderAndProviderUserID(ctx, model.ProviderGoogle, "sub-1")
		if acc == nil || acc.UserID != userID {
			t.Fatalf("account not linked to new user: %+v", acc)
		}
		user, _ := store.Users().FindByID(ctx, userID)
		if user == nil || user.Name != "Ann" || user.EmailVerifiedAt == nil {
			t.Errorf("unexpected user: %+v", user)
		}
	})

	t.Run("紐付けあり・サインインは既存ユーザー", func(t *testing.T) {
		store := repotest.NewStore()
		store.PutUser(model.User{ID: "u1", Name: "Ann"})
		store.PutAccount(model.Account{ProviderID: model.ProviderGitHub, ProviderUserID: "42", UserID: "u1"})

		userID, err := newTestResolver(store).ResolveAccount(ctx, model.ProviderGitHub, "42", model.IntentSignIn, "")
		if err != nil || userID != "u1" {
			t.Errorf("ResolveAccount = %q, %v; want u1", userID, err)
		}
	})

	t.Run("同じIDでも別プロバイダーは別アカウント", func(t *testing.T) {
		store := repotest.NewStore()
		store.PutUser(model.User{ID: "u1", Name: "Ann"})
		store.PutAccount(model.Account{ProviderID: model.ProviderGitHub, ProviderUserID: "42", UserID: "u1"})

		_, err := newTestResolver(store).ResolveAccount(ctx, model.ProviderGoogle, "42", model.IntentSignIn, "")
		if !errors.Is(err, model.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}
	})
}

func TestResolver_ResolveAccount_ConcurrentSignUpCreatesOne(t *testing.T) {
	store := repotest.NewStore()
	r := newTestResolver(store)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		conflict int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.ResolveAccount(context.Background(), model.ProviderGitHub, "7", model.IntentSignUp, "N")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, model.ErrAccountExists):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflict != 9 {
		t.Errorf("created=%d conflict=%d, want 1 and 9", created, conflict)
	}
	if store.AccountCount() != 1 || store.UserCount() != 1 {
		t.Errorf("accounts=%d users=%d, want 1 each", store.AccountCount(), store.UserCount())
	}
}
