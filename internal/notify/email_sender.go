package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	gomail "gopkg.in/mail.v2"

	"github.com/shanehull/bsescraper/internal/config"
)

// EmailConfig holds SMTP configuration for sending emails.
type EmailConfig struct {
	SMTPServer string
	SMTPPort   int
	SMTPUser   string
	SMTPPass   string
	FromEmail  string
	ToEmail    string
	Enabled    bool
}

func EmailConfigFrom(c config.SMTPConfig) EmailConfig {
	return EmailConfig{
		SMTPServer: c.Server,
		SMTPPort:   c.Port,
		SMTPUser:   c.User,
		SMTPPass:   c.Pass,
		FromEmail:  c.From,
		ToEmail:    c.To,
		Enabled:    c.Enabled(),
	}
}

// Dialer is satisfied by *gomail.Dialer.
type Dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailSender struct {
	cfg    EmailConfig
	dialer Dialer
	logger zerolog.Logger
}

func NewEmailSender(cfg EmailConfig, logger zerolog.Logger) *EmailSender {
	d := gomail.NewDialer(cfg.SMTPServer, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass)
	d.Timeout = 10 * time.Second
	return &EmailSender{cfg: cfg, dialer: d, logger: logger}
}

// WithDialer replaces the SMTP dialer.
func (s *EmailSender) WithDialer(d Dialer) *EmailSender {
	s.dialer = d
	return s
}

// Send delivers an email with HTML body and plain text fallback. It is a no-op when the
// sender is disabled.
func (s *EmailSender) Send(msg *RenderedMessage) error {
	if !s.cfg.Enabled {
		return nil
	}
	if msg == nil {
		return errors.New("nothing to send")
	}

	m := s.message(msg)
	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.Error().Err(err).Str("to", s.cfg.ToEmail).Str("subject", msg.Subject).Msg("failed to send email")
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info().Str("to", s.cfg.ToEmail).Str("subject", msg.Subject).Msg("email sent")
	return nil
}

func (s *EmailSender) message(msg *RenderedMessage) *gomail.Message {
	m := gomail.NewMessage()
	from := s.cfg.FromEmail
	if from == "" {
		from = s.cfg.SMTPUser
	}
	m.SetHeader("From", from)
	m.SetHeader("To", s.cfg.ToEmail)
	m.SetHeader("Subject", msg.Subject)

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBody("text/plain", msg.Text)
		m.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		m.SetBody("text/html", msg.HTML)
	default:
		m.SetBody("text/plain", msg.Text)
	}
	return m
}
