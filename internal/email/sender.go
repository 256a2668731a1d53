// Package email はメール送信の抽象と実装（Postmark、ログ出力、送信レート制御）を提供する。
package email

import (
	"context"
	"errors"
)

// ErrInvalidMessage はメッセージの必須項目が欠けている場合のエラー。
var ErrInvalidMessage = errors.New("invalid email message")

// Message は送信するメール1通を表す。
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Tag      string
}

// Validate は必須項目を検証する。
func (m Message) Validate() error {
	switch {
	case m.To == "":
		return errors.Join(ErrInvalidMessage, errors.New("recipient is required"))
	case m.Subject == "":
		return errors.Join(ErrInvalidMessage, errors.New("subject is required"))
	case m.HTMLBody == "":
		return errors.Join(ErrInvalidMessage, errors.New("body is required"))
	}
	return nil
}

// Sender はメール送信のインターフェース。送信成功時のみnilを返す。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}
