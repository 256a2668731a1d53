package email

import (
	"context"
	"errors"
	"fmt"

	"github.com/mrz1836/postmark"

	"github.com/hitoshi/authflow/internal/model"
)

// PostmarkSender はPostmarkのトランザクションAPIでメールを送信する。
type PostmarkSender struct {
	client *postmark.Client
	from   string
}

// NewPostmarkSender はPostmarkSenderを生成する。
func NewPostmarkSender(serverToken, accountToken, from string) (*PostmarkSender, error) {
	if serverToken == "" {
		return nil, errors.New("postmark server token is required")
	}
	if from == "" {
		return nil, errors.New("sender address is required")
	}
	return &PostmarkSender{
		client: postmark.NewClient(serverToken, accountToken),
		from:   from,
	}, nil
}

// Send はメールを送信する。Postmarkがエラーコードを返した場合はErrRejectedを含むエラーとする。
func (s *PostmarkSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.from,
		To:       msg.To,
		Subject:  msg.Subject,
		HTMLBody: msg.HTMLBody,
		Tag:      msg.Tag,
	})
	if code, message := rejection(resp, err); code > 0 {
		return fmt.Errorf("%w: %w: postmark error %d: %s", model.ErrEmailDelivery, ErrRejected, code, message)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrEmailDelivery, err)
	}
	return nil
}

// rejection はPostmarkが返したエラーコードを取り出す。
// 2xx応答ではEmailResponseに、4xx/5xx応答ではAPIErrorとしてerrに入る。
// どちらの場合もerrは非nilになるため、errより先に判定する必要がある。
func rejection(resp postmark.EmailResponse, err error) (int64, string) {
	if resp.ErrorCode > 0 {
		return resp.ErrorCode, resp.Message
	}
	var apiErr postmark.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode > 0 {
		return apiErr.ErrorCode, apiErr.Message
	}
	return 0, ""
}

// compile-time interface check
var _ Sender = (*PostmarkSender)(nil)
