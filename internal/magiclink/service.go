// Package magiclink はメールで送るワンタイムログインリンクの発行と利用を提供する。
package magiclink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/authflow/internal/auth"
	"github.com/hitoshi/authflow/internal/email"
	"github.com/hitoshi/authflow/internal/metrics"
	"github.com/hitoshi/authflow/internal/model"
	"github.com/hitoshi/authflow/internal/ratelimit"
	"github.com/hitoshi/authflow/internal/repository"
	"github.com/hitoshi/authflow/internal/security"
	"github.com/hitoshi/authflow/internal/token"
)

// ErrInvalidEmail はメールアドレスの形式が不正な場合のエラー。
var ErrInvalidEmail = errors.New("invalid email address")

// Outcome は発行リクエストの結果。呼び出し側にはどちらも同じ応答を返す。
type Outcome int

const (
	// OutcomeSent はメールを送信した。
	OutcomeSent Outcome = iota
	// OutcomeNoop は登録状態と意図が合わない、または有効なリンクが既にあるため何もしなかった。
	OutcomeNoop
)

// Config はマジックリンクの設定。
type Config struct {
	BaseURL string        // リンクの組み立てに使う公開URL
	TTL     time.Duration // リンクの有効期間
}

// IssueInput は発行リクエストの入力。
type IssueInput struct {
	Name     string
	Email    string
	Intent   string
	ClientIP string // レート制限キーに使う
}

// Service はマジックリンクの発行と利用を行う。
type Service struct {
	links     repository.MagicLinkRepository
	resolver  *auth.Resolver
	sessions  *auth.SessionManager
	sender    email.Sender
	sanitizer *security.NameSanitizer
	limiter   ratelimit.Limiter
	config    Config
	metrics   metrics.MetricsCollector

	now      func() time.Time
	newToken func() (string, error)
}

// Option はServiceの任意設定。
type Option func(*Service)

// WithLimiter は発行リクエストに固定ウィンドウのレート制限をかける。
// キーはクライアントIPと認証の意図。
func WithLimiter(limiter ratelimit.Limiter) Option {
	return func(s *Service) {
		s.limiter = limiter
	}
}

// NewService はServiceを生成する。
func NewService(
	links repository.MagicLinkRepository,
	resolver *auth.Resolver,
	sessions *auth.SessionManager,
	sender email.Sender,
	config Config,
	mc metrics.MetricsCollector,
	opts ...Option,
) *Service {
	if mc == nil {
		mc = metrics.Nop{}
	}
	s := &Service{
		links:     links,
		resolver:  resolver,
		sessions:  sessions,
		sender:    sender,
		sanitizer: security.NewNameSanitizer(),
		config:    config,
		metrics:   mc,
		now:       time.Now,
		newToken:  token.MagicLink,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeEmail はメールアドレスを検証し、小文字化して返す。
func NormalizeEmail(raw string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(raw))
	if err != nil || addr.Name != "" {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(addr.Address), nil
}

// Issue はマジックリンクを発行してメールで送る。
//
// サインインで未登録、サインアップで登録済み、または有効なリンクが既にある場合はOutcomeNoopを返し、
// メールは送らない。送信に失敗した場合は作成した行を削除してmodel.ErrEmailDeliveryを返す。
// 入力が不正な場合はErrInvalidEmail, model.ErrInvalidIntent, model.ErrNameRequiredを返す。
// 入力検証の後にレート制限を確認し、超過時はmodel.ErrRateLimitedを返す。
func (s *Service) Issue(ctx context.Context, in IssueInput) (Outcome, error) {
	addr, err := NormalizeEmail(in.Email)
	if err != nil {
		return OutcomeNoop, err
	}
	intent, err := model.ParseAuthIntent(in.Intent)
	if err != nil {
		return OutcomeNoop, err
	}
	name := s.sanitizer.Sanitize(in.Name)
	if intent == model.IntentSignUp && name == "" {
		return OutcomeNoop, model.ErrNameRequired
	}

	if err := s.checkRateLimit(ctx, in.ClientIP, intent); err != nil {
		return OutcomeNoop, err
	}

	existing, eligible, err := s.resolver.MagicLinkEligibility(ctx, addr, intent)
	if err != nil {
		return OutcomeNoop, err
	}
	if !eligible {
		s.metrics.RecordMagicLinkIssue(metrics.IssueNoop)
		return OutcomeNoop, nil
	}
	if existing != nil {
		name = existing.Name
	}

	tok, err := s.newToken()
	if err != nil {
		return OutcomeNoop, err
	}

	now := s.now()
	link := &model.MagicLink{
		ID:        uuid.New().String(),
		Name:      name,
		Email:     addr,
		Token:     tok,
		ExpiresAt: now.Add(s.config.TTL),
	}

	// 有効なリンクが残っている間は置き換えず、再送もしない
	applied, err := s.links.UpsertIfExpired(ctx, link, now)
	if err != nil {
		return OutcomeNoop, err
	}
	if !applied {
		s.metrics.RecordMagicLinkIssue(metrics.IssueNoop)
		return OutcomeNoop, nil
	}

	if err := s.send(ctx, existing == nil, link); err != nil {
		if delErr := s.links.DeleteByToken(context.WithoutCancel(ctx), link.Token); delErr != nil {
			slog.Error("failed to remove unsent magic link",
				slog.String("error", delErr.Error()),
			)
		}
		s.metrics.RecordMagicLinkIssue(metrics.IssueSendFailed)
		return OutcomeNoop, err
	}

	s.metrics.RecordMagicLinkIssue(metrics.IssueSent)
	return OutcomeSent, nil
}

func (s *Service) checkRateLimit(ctx context.Context, clientIP string, intent model.AuthIntent) error {
	if s.limiter == nil {
		return nil
	}
	allowed, err := s.limiter.Allow(ctx, ratelimit.Key(clientIP, intent))
	if err != nil {
		// ストア障害時は制限しない
		slog.Error("rate limiter unavailable",
			slog.String("scope", "magic_link"),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if !allowed {
		s.metrics.RecordRateLimited("magic_link")
		return model.ErrRateLimited
	}
	return nil
}

func (s *Service) send(ctx context.Context, newUser bool, link *model.MagicLink) error {
	subject, body, err := renderEmail(newUser, link.Name, s.LinkURL(link.Token), s.config.TTL)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrEmailDelivery, err)
	}

	tag := "magic-link-signin"
	if newUser {
		tag = "magic-link-signup"
	}

	err = s.sender.Send(ctx, email.Message{
		To:       link.Email,
		Subject:  subject,
		HTMLBody: body,
		Tag:      tag,
	})
	if err != nil {
		slog.Error("failed to send magic link email",
			slog.String("tag", tag),
			slog.String("error", err.Error()),
		)
		if !errors.Is(err, model.ErrEmailDelivery) {
			err = fmt.Errorf("%w: %w", model.ErrEmailDelivery, err)
		}
		return err
	}
	return nil
}

// LinkURL はトークンを含むリンクURLを返す。
func (s *Service) LinkURL(tok string) string {
	return strings.TrimRight(s.config.BaseURL, "/") + "/api/magic?token=" + url.QueryEscape(tok)
}

// Redeem はトークンを消費してセッションを発行する。
// トークンが存在しない・期限切れの場合は(nil, nil)を返す。
// 行は最初に削除するため、同じトークンで成功するのは最大1回。
func (s *Service) Redeem(ctx context.Context, tok string) (*model.Session, error) {
	link, err := s.links.Consume(ctx, tok)
	if err != nil {
		return nil, err
	}
	if link == nil || link.IsExpired(s.now()) {
		s.metrics.RecordMagicLinkRedeem(metrics.RedeemInvalid)
		return nil, nil
	}

	user, err := s.resolver.ResolveEmail(ctx, link.Email, link.Name)
	if err != nil {
		s.metrics.RecordMagicLinkRedeem(metrics.RedeemFailed)
		return nil, err
	}

	session, err := s.sessions.Create(ctx, user.ID)
	if err != nil {
		s.metrics.RecordMagicLinkRedeem(metrics.RedeemFailed)
		return nil, err
	}

	slog.Info("user authenticated",
		slog.String("user_id", user.ID),
		slog.String("method", "magic_link"),
	)
	s.metrics.RecordMagicLinkRedeem(metrics.RedeemSuccess)
	return session, nil
}
