package notify

import (
	"context"
	"crypto/tls"
	"fmt"

	mail "github.com/go-mail/mail"
	"go.uber.org/zap"
)

// Message is a composed email.
type Message struct {
	To       string
	Subject  string
	TextBody string
}

// Mailer delivers composed messages.
type Mailer interface {
	Send(ctx context.Context, message Message) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	TLSMode  string // "auto" | "starttls" | "ssl" | "none"
}

// SMTPMailer sends mail through an SMTP relay.
type SMTPMailer struct {
	cfg    SMTPConfig
	logger *zap.Logger
}

// NewSMTPMailer constructs an SMTP mailer.
func NewSMTPMailer(cfg SMTPConfig, logger *zap.Logger) *SMTPMailer {
	if cfg.TLSMode == "" {
		cfg.TLSMode = "auto"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPMailer{cfg: cfg, logger: logger}
}

// Send implements Mailer. go-mail dials synchronously; ctx only short-circuits
// sends that were cancelled before dialing.
func (m *SMTPMailer) Send(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", message.To)
	msg.SetHeader("Subject", message.Subject)
	msg.SetBody("text/plain", message.TextBody)

	dialer := mail.NewDialer(m.cfg.Host, m.cfg.Port, m.cfg.Username, m.cfg.Password)
	dialer.TLSConfig = &tls.Config{ServerName: m.cfg.Host}
	switch m.cfg.TLSMode {
	case "ssl":
		dialer.SSL = true
	case "none":
		dialer.StartTLSPolicy = mail.NoStartTLS
	case "starttls":
		dialer.StartTLSPolicy = mail.MandatoryStartTLS
	}

	if err := dialer.DialAndSend(msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	m.logger.Debug("email sent", zap.String("to", message.To), zap.String("subject", message.Subject))
	return nil
}

// LogMailer records messages in the log instead of sending them. It backs
// deployments without an SMTP relay.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a log-only mailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send implements Mailer.
func (m *LogMailer) Send(_ context.Context, message Message) error {
	m.logger.Info("email suppressed: smtp disabled",
		zap.String("to", message.To),
		zap.String("subject", message.Subject))
	return nil
}
