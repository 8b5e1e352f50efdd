// Package mailer delivers transactional email. Delivery is best-effort: the
// caller treats failures as log-only events.
package mailer

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Mailer sends account email to users.
type Mailer interface {
	// SendPasswordResetOTP delivers a single-use password reset code.
	SendPasswordResetOTP(ctx context.Context, to, otp string) error
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTP is a Mailer backed by a plain SMTP relay.
type SMTP struct {
	cfg SMTPConfig
}

// NewSMTP creates an SMTP mailer.
func NewSMTP(cfg SMTPConfig) *SMTP {
	return &SMTP{cfg: cfg}
}

// SendPasswordResetOTP delivers the reset code over SMTP.
func (m *SMTP) SendPasswordResetOTP(_ context.Context, to, otp string) error {
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Password reset code\r\n\r\n"+
		"Your password reset code is %s. It expires in 10 minutes.\r\n",
		m.cfg.From, to, otp)

	if err := smtp.SendMail(addr, auth, m.cfg.From, []string{to}, []byte(msg)); err != nil {
		return errors.Wrap(err, "send mail")
	}
	return nil
}

// Log is a Mailer that writes codes to the log instead of sending email.
// Used when no SMTP relay is configured (development, tests).
type Log struct {
	lg *zap.Logger
}

// NewLog creates a log-only mailer.
func NewLog(lg *zap.Logger) *Log {
	return &Log{lg: lg.Named("mailer")}
}

// SendPasswordResetOTP logs the reset code.
func (m *Log) SendPasswordResetOTP(_ context.Context, to, otp string) error {
	m.lg.Info("password reset code issued",
		zap.String("to", to),
		zap.String("otp", otp),
	)
	return nil
}
