// Package email delivers digests over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"lotwatch/internal/notifier"
	logx "lotwatch/pkg/logx"
)

const defaultTimeout = 15 * time.Second

type Config struct {
	Host string
	Port int
	// StartTLS upgrades a plain connection (587); false dials implicit TLS (465).
	StartTLS bool
	Username string
	Password string
	From     string
	To       string
	Timeout  time.Duration
}

// Sender implements notifier.DigestSender.
type Sender struct {
	cfg Config
	log logx.Logger

	// deliver is swapped in tests.
	deliver func(ctx context.Context, m *mail.Msg) error
}

var _ notifier.DigestSender = (*Sender)(nil)

func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("email: smtp host required")
	}
	if strings.TrimSpace(cfg.From) == "" || strings.TrimSpace(cfg.To) == "" {
		return nil, errors.New("email: from and to addresses required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
		if !cfg.StartTLS {
			cfg.Port = 465
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sender{cfg: cfg, log: log}
	s.deliver = s.dialAndSend
	return s, nil
}

func (s *Sender) Name() string { return "email" }

func (s *Sender) SendDigest(ctx context.Context, d notifier.Digest) error {
	m, err := s.message(d)
	if err != nil {
		return err
	}
	if err := s.deliver(ctx, m); err != nil {
		return fmt.Errorf("email: send to %s: %w", s.cfg.To, err)
	}
	s.log.Debug("digest mailed", logx.String("to", s.cfg.To), logx.Int("count", len(d.Listings)))
	return nil
}

func (s *Sender) message(d notifier.Digest) (*mail.Msg, error) {
	m := mail.NewMsg()
	if err := m.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("email: from: %w", err)
	}
	if err := m.To(s.cfg.To); err != nil {
		return nil, fmt.Errorf("email: to: %w", err)
	}
	m.Subject(d.Subject)
	if !d.At.IsZero() {
		m.SetDateWithValue(d.At)
	} else {
		m.SetDate()
	}
	m.SetBodyString(mail.TypeTextPlain, d.Body)
	return m, nil
}

func (s *Sender) dialAndSend(ctx context.Context, m *mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.StartTLS {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithSSL())
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	c, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return c.DialAndSendWithContext(ctx, m)
}
