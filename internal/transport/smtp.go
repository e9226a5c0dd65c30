package transport

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

// SMTPConfig configures the SMTP relay transport.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
}

// SMTP delivers messages through a relay via gomail. Each send dials a
// fresh connection; the engine's throttle keeps the rate low enough
// that connection reuse buys nothing.
type SMTP struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTP creates the relay transport.
func NewSMTP(cfg SMTPConfig) *SMTP {
	from := cfg.From
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.From)
	}
	return &SMTP{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   from,
	}
}

// Send delivers one message. gomail has no context support, so the dial
// runs in a goroutine and a cancelled context abandons the wait; the
// item is then retried or reset by the resume path.
func (s *SMTP) Send(ctx context.Context, req *Request) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", req.Contact.Email)
	m.SetHeader("Subject", req.Message.Subject)
	m.SetHeader("X-Idempotency-Key", req.Key)
	if req.Message.HTML {
		m.SetBody("text/html", req.Message.Body)
	} else {
		m.SetBody("text/plain", req.Message.Body)
	}
	for _, path := range req.Message.Attachments {
		m.Attach(path)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.dialer.DialAndSend(m)
	}()

	select {
	case <-ctx.Done():
		return &SendError{Temporary: true, Message: fmt.Sprintf("send to %s: %v", req.Contact.Email, ctx.Err())}
	case err := <-done:
		if err != nil {
			return Classify(fmt.Errorf("send to %s: %w", req.Contact.Email, err))
		}
		return nil
	}
}
