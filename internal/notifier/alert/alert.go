// Package alert sends one-line new-listing alerts to Pushover and ntfy.
//
// Both channels carry notifier.Summary rather than the full digest body; they
// are phone notifications, not mail.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"lotwatch/internal/notifier"
	logx "lotwatch/pkg/logx"
)

const (
	DefaultPushoverURL = "https://api.pushover.net/1/messages.json"
	alertTitle         = "lotwatch alert"
	defaultTimeout     = 10 * time.Second
)

type PushoverConfig struct {
	APIToken string
	UserKey  string
	// Endpoint overrides DefaultPushoverURL (tests).
	Endpoint string
	Timeout  time.Duration
}

// Pushover implements notifier.DigestSender.
type Pushover struct {
	cfg    PushoverConfig
	client *http.Client
	log    logx.Logger
}

var _ notifier.DigestSender = (*Pushover)(nil)

func NewPushover(cfg PushoverConfig, log logx.Logger) (*Pushover, error) {
	cfg.APIToken = strings.TrimSpace(cfg.APIToken)
	cfg.UserKey = strings.TrimSpace(cfg.UserKey)
	if cfg.APIToken == "" || cfg.UserKey == "" {
		return nil, errors.New("pushover: api_token and user_key required")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultPushoverURL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pushover{cfg: cfg, client: &http.Client{Timeout: orDefault(cfg.Timeout)}, log: log}, nil
}

func (p *Pushover) Name() string { return "pushover" }

func (p *Pushover) SendDigest(ctx context.Context, d notifier.Digest) error {
	form := url.Values{
		"token":   {p.cfg.APIToken},
		"user":    {p.cfg.UserKey},
		"title":   {alertTitle},
		"message": {notifier.Summary(d.Listings)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("pushover: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pushover: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	// The API answers {"status":1} on success and lists errors otherwise.
	var out struct {
		Status int      `json:"status"`
		Errors []string `json:"errors"`
	}
	_ = json.Unmarshal(body, &out)
	if resp.StatusCode/100 != 2 || out.Status != 1 {
		if len(out.Errors) > 0 {
			return fmt.Errorf("pushover: status %d: %s", resp.StatusCode, strings.Join(out.Errors, "; "))
		}
		return fmt.Errorf("pushover: status %d", resp.StatusCode)
	}
	p.log.Debug("alert sent", logx.Int("count", len(d.Listings)))
	return nil
}

type NtfyConfig struct {
	// URL is the full topic URL, e.g. https://ntfy.sh/my-topic.
	URL string
	// Token is sent as a bearer token for protected topics.
	Token   string
	Timeout time.Duration
}

// Ntfy implements notifier.DigestSender.
type Ntfy struct {
	cfg    NtfyConfig
	client *http.Client
	log    logx.Logger
}

var _ notifier.DigestSender = (*Ntfy)(nil)

func NewNtfy(cfg NtfyConfig, log logx.Logger) (*Ntfy, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("ntfy: url must be an http(s) topic URL")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Ntfy{cfg: cfg, client: &http.Client{Timeout: orDefault(cfg.Timeout)}, log: log}, nil
}

func (n *Ntfy) Name() string { return "ntfy" }

func (n *Ntfy) SendDigest(ctx context.Context, d notifier.Digest) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.URL, strings.NewReader(notifier.Summary(d.Listings)))
	if err != nil {
		return fmt.Errorf("ntfy: %w", err)
	}
	req.Header.Set("Title", alertTitle)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if len(d.Listings) > 0 && d.Listings[0].URL != "" {
		req.Header.Set("Click", d.Listings[0].URL)
	}
	if tok := strings.TrimSpace(n.cfg.Token); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("ntfy: status %d", resp.StatusCode)
	}
	n.log.Debug("alert sent", logx.Int("count", len(d.Listings)))
	return nil
}

func orDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return defaultTimeout
	}
	return d
}
