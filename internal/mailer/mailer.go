// Package mailer defines the delivery hook for verification codes.
// Actual transport (SMTP, SES, SMS) lives behind CodeSender; the core
// only generates and validates codes.
package mailer

import (
	"context"
	"log/slog"
)

type CodeSender interface {
	SendVerificationCode(ctx context.Context, email, code string) error
}

// LogSender writes codes to the structured log instead of delivering
// them. Default for development and tests.
type LogSender struct {
	Logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{Logger: logger}
}

func (s *LogSender) SendVerificationCode(ctx context.Context, email, code string) error {
	s.Logger.InfoContext(ctx, "verification code issued", "email", email, "code", code)
	return nil
}
