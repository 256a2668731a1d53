package email

import (
	"context"
	"log/slog"
)

// LogSender は実際には送信せず、宛先と件名を構造化ログに出力する開発用Sender。
// 本文はDebugレベルでのみ出力する。
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender はLogSenderを生成する。loggerがnilの場合はslog.Default()を使う。
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send はメール内容をログに出力する。
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "email not sent (log sender)",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("tag", msg.Tag),
	)
	s.logger.DebugContext(ctx, "email body", slog.String("html", msg.HTMLBody))
	return nil
}

// compile-time interface check
var _ Sender = (*LogSender)(nil)
