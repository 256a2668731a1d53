package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
)

// ErrRejected は送信先サービスがメッセージを受理しなかったことを表す。再送しても結果は変わらない。
var ErrRejected = errors.New("email rejected by provider")

// SendResult は送信エラーの分類。
type SendResult int

const (
	// SendResultOK は送信成功。
	SendResultOK SendResult = iota
	// SendResultPermanent は再送しても成功しない失敗（入力不正・拒否・キャンセル）。
	SendResultPermanent
	// SendResultTransient は再送で回復しうる失敗（通信エラー等）。
	SendResultTransient
)

// ClassifySendError は送信エラーを再送可否で分類する。
func ClassifySendError(err error) SendResult {
	switch {
	case err == nil:
		return SendResultOK
	case errors.Is(err, ErrInvalidMessage), errors.Is(err, ErrRejected):
		return SendResultPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return SendResultPermanent
	default:
		return SendResultTransient
	}
}

// RetryConfig は再送の設定。
type RetryConfig struct {
	MaxAttempts    int           // 初回を含む最大試行回数
	InitialBackoff time.Duration // 初回の再送待ち
	MaxBackoff     time.Duration // 再送待ちの上限
}

// DefaultRetryConfig は3回まで、250ms から倍々で最大1秒待つ設定を返す。
// 発行リクエストの応答に収まる範囲に抑える。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     time.Second,
	}
}

// Backoff は再送待ちの列を返す。初回InitialBackoff、2倍ずつ増加、最大MaxBackoff、再送はMaxAttempts-1回まで。
func (c RetryConfig) Backoff() retry.Backoff {
	b := retry.NewExponential(c.InitialBackoff)
	b = retry.WithCappedDuration(c.MaxBackoff, b)
	retries := c.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return retry.WithMaxRetries(uint64(retries), b)
}

// RetryingSender は一時的な失敗を指数バックオフで再送する。
type RetryingSender struct {
	next       Sender
	config     RetryConfig
	logger     *slog.Logger
	newBackoff func() retry.Backoff
}

// NewRetryingSender はRetryingSenderを生成する。
func NewRetryingSender(next Sender, config RetryConfig, logger *slog.Logger) *RetryingSender {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultRetryConfig().InitialBackoff
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingSender{
		next:       next,
		config:     config,
		logger:     logger,
		newBackoff: config.Backoff,
	}
}

// Send は送信し、一時的な失敗の場合はMaxAttemptsまで再送する。最後のエラーを返す。
func (s *RetryingSender) Send(ctx context.Context, msg Message) error {
	var (
		attempt int
		lastErr error
	)
	err := retry.Do(ctx, s.newBackoff(), func(ctx context.Context) error {
		attempt++
		err := s.next.Send(ctx, msg)
		if ClassifySendError(err) != SendResultTransient {
			return err
		}
		lastErr = err
		s.logger.WarnContext(ctx, "email send failed, will retry",
			slog.Int("attempt", attempt),
			slog.String("tag", msg.Tag),
			slog.String("error", err.Error()),
		)
		return retry.RetryableError(err)
	})
	// 再送待ちの間にキャンセルされた場合は直前の送信エラーも返す
	if err != nil && lastErr != nil && err == ctx.Err() {
		return fmt.Errorf("%w (retry aborted: %w)", lastErr, err)
	}
	return err
}

// compile-time interface check
var _ Sender = (*RetryingSender)(nil)
