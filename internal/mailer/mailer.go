package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"go.uber.org/zap"

	"github.com/quillmarket/quill/pkg/metrics"
)

// Mailer sends transactional mail to marketplace users.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends mail through a plain SMTP relay.
type SMTPMailer struct {
	logger *zap.Logger
	addr   string
	from   string
	auth   smtp.Auth
}

// NewSMTPMailer creates a mailer against the given relay. Username may
// be empty for an unauthenticated relay.
func NewSMTPMailer(logger *zap.Logger, host string, port int, username, password, from string) *SMTPMailer {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &SMTPMailer{
		logger: logger,
		addr:   fmt.Sprintf("%s:%d", host, port),
		from:   from,
		auth:   auth,
	}
}

// Send delivers a single plain-text message
func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var msg strings.Builder
	msg.WriteString("From: " + m.from + "\r\n")
	msg.WriteString("To: " + to + "\r\n")
	msg.WriteString("Subject: " + subject + "\r\n")
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(msg.String())); err != nil {
		metrics.MailSent.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to send mail to %s: %w", to, err)
	}

	metrics.MailSent.WithLabelValues("ok").Inc()
	m.logger.Debug("Mail sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

// NopMailer drops all mail. Used when mail delivery is disabled and in tests.
type NopMailer struct {
	logger *zap.Logger
}

// NewNopMailer creates a mailer that only logs
func NewNopMailer(logger *zap.Logger) *NopMailer {
	return &NopMailer{logger: logger}
}

// Send logs the message and discards it
func (m *NopMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.Debug("Mail suppressed", zap.String("to", to), zap.String("subject", subject))
	return nil
}
