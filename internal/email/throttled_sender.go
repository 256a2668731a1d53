package email

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/hitoshi/authflow/internal/model"
)

// ThrottledSender は送信レートを制限して下位のSenderに委譲する。
// 上限を超えた場合はトークンが補充されるまで待機する。
type ThrottledSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewThrottledSender は毎秒perSec通（バーストは同数）まで送信するThrottledSenderを生成する。
func NewThrottledSender(next Sender, perSec float64) *ThrottledSender {
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	return &ThrottledSender{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
	}
}

// Send は送信枠を待ってから委譲する。待機中にctxがキャンセルされた場合はエラーを返す。
func (s *ThrottledSender) Send(ctx context.Context, msg Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: throttled: %w", model.ErrEmailDelivery, err)
	}
	return s.next.Send(ctx, msg)
}

// compile-time interface check
var _ Sender = (*ThrottledSender)(nil)
