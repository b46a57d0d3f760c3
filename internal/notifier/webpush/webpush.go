// Package webpush sends VAPID-signed Web Push messages.
package webpush

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	wp "github.com/SherClockHolmes/webpush-go"

	"lotwatch/internal/model"
	"lotwatch/internal/notifier"
)

const defaultTTL = 86400

type Config struct {
	PublicKey  string
	PrivateKey string
	// Subscriber is the VAPID contact ("mailto:ops@example.com" or an https URL).
	Subscriber string
	TTL        int
}

// Sender implements notifier.PushSender.
type Sender struct {
	cfg    Config
	client *http.Client
}

var _ notifier.PushSender = (*Sender)(nil)

// New returns a sender. client may be nil.
func New(cfg Config, client *http.Client) (*Sender, error) {
	if strings.TrimSpace(cfg.PublicKey) == "" || strings.TrimSpace(cfg.PrivateKey) == "" {
		return nil, errors.New("webpush: vapid key pair required")
	}
	if strings.TrimSpace(cfg.Subscriber) == "" {
		return nil, errors.New("webpush: subscriber required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Sender{cfg: cfg, client: client}, nil
}

// PublicKey is served to browsers as the applicationServerKey.
func (s *Sender) PublicKey() string { return s.cfg.PublicKey }

func (s *Sender) Send(ctx context.Context, sub model.Subscription, payload []byte) error {
	resp, err := wp.SendNotificationWithContext(ctx, payload, &wp.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     wp.Keys{Auth: sub.Keys.Auth, P256dh: sub.Keys.P256dh},
	}, &wp.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subscriber,
		TTL:             s.cfg.TTL,
		Urgency:         wp.UrgencyNormal,
		VAPIDPublicKey:  s.cfg.PublicKey,
		VAPIDPrivateKey: s.cfg.PrivateKey,
	})
	if err != nil {
		return fmt.Errorf("webpush: %w", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classifyStatus(resp.StatusCode, strings.TrimSpace(string(detail)))
}

// classifyStatus maps a push service response to nil, a permanent error
// (404/410: the subscription expired or was unsubscribed) or a transient one.
func classifyStatus(code int, detail string) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := fmt.Sprintf("push service returned %d", code)
	if detail != "" {
		msg += ": " + detail
	}
	switch code {
	case http.StatusNotFound, http.StatusGone:
		return fmt.Errorf("%s: %w", msg, notifier.ErrPermanent)
	}
	return errors.New(msg)
}

// GenerateKeys returns a new VAPID key pair, base64url encoded.
func GenerateKeys() (publicKey, privateKey string, err error) {
	privateKey, publicKey, err = wp.GenerateVAPIDKeys()
	return publicKey, privateKey, err
}
