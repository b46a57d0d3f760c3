package config

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DefaultStoragePath   = "./lotwatch.db"
	DefaultHour          = 8
	DefaultKeyword       = "thinkpad"
	DefaultGovDealsURL   = "https://www.govdeals.com"
	DefaultMisfireGrace  = 6 * time.Hour
	DefaultCheckInterval = 30 * time.Second
	DefaultWebAddr       = "127.0.0.1:8080"
	DefaultLeaseTTL      = 30 * time.Minute
	DefaultPushTTL       = 86400
	DefaultSendTimeout   = 10 * time.Second
	DefaultFetchTimeout  = 30 * time.Second
	DefaultUserAgent     = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
)

var (
	DefaultDays   = []string{"tue", "fri"}
	DefaultBrands = []string{"lenovo", "thinkpad"}
	DefaultStates = []string{"CA"}
)

// applyEnv overlays secrets from the environment. Set variables win over the file.
func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

// ApplyDefaults fills omitted fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(cfg.GovDeals.BaseURL) == "" {
		cfg.GovDeals.BaseURL = DefaultGovDealsURL
	}
	if len(cfg.GovDeals.States) == 0 {
		cfg.GovDeals.States = append([]string(nil), DefaultStates...)
	}
	if strings.TrimSpace(cfg.GovDeals.Keyword) == "" {
		cfg.GovDeals.Keyword = DefaultKeyword
	}
	if strings.TrimSpace(cfg.GovDeals.UserAgent) == "" {
		cfg.GovDeals.UserAgent = DefaultUserAgent
	}
	if len(cfg.Filter.Brands) == 0 {
		cfg.Filter.Brands = append([]string(nil), DefaultBrands...)
	}
	if len(cfg.Schedule.Days) == 0 {
		cfg.Schedule.Days = append([]string(nil), DefaultDays...)
	}
	if cfg.Schedule.Hour == nil {
		h := DefaultHour
		cfg.Schedule.Hour = &h
	}
	if cfg.Email.SMTPPort == 0 {
		cfg.Email.SMTPPort = 587
		if !cfg.Email.StartTLS() {
			cfg.Email.SMTPPort = 465
		}
	}
	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = DefaultPushTTL
	}
	if strings.TrimSpace(cfg.Web.Addr) == "" {
		cfg.Web.Addr = DefaultWebAddr
	}
}

func (c ScheduleConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

func (c EmailConfig) StartTLS() bool { return c.UseTLS == nil || *c.UseTLS }

func (c ScheduleConfig) HourOrDefault() int {
	if c.Hour == nil {
		return DefaultHour
	}
	return *c.Hour
}

// Grace returns the parsed misfire grace (default 6h). "0s" disables late fires.
func (c ScheduleConfig) Grace() (time.Duration, error) {
	if strings.TrimSpace(c.MisfireGrace) == "" {
		return DefaultMisfireGrace, nil
	}
	return ParseDurationField("schedule.misfire_grace", c.MisfireGrace)
}

// Validate reports every invalid field at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn: required for driver %q", cfg.Storage.Driver)
		}
	default:
		add("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}

	if u, err := url.Parse(cfg.GovDeals.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		add("govdeals.base_url: must be an http(s) URL")
	}
	if cfg.GovDeals.MinPrice < 0 {
		add("govdeals.min_price: must be >= 0")
	}
	if cfg.GovDeals.MaxPrice > 0 && cfg.GovDeals.MaxPrice < cfg.GovDeals.MinPrice {
		add("govdeals.max_price: must be >= min_price")
	}
	if _, err := ParseDurationField("govdeals.timeout", cfg.GovDeals.Timeout); err != nil {
		errs = append(errs, err)
	}
	if len(nonEmpty(cfg.Filter.Models)) == 0 {
		add("filter.models: at least one model required")
	}

	if h := cfg.Schedule.HourOrDefault(); h < 0 || h > 23 {
		add("schedule.hour: must be 0..23")
	}
	if cfg.Schedule.Minute < 0 || cfg.Schedule.Minute > 59 {
		add("schedule.minute: must be 0..59")
	}
	if tz := strings.TrimSpace(cfg.Schedule.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("schedule.timezone: %v", err)
		}
	}
	if _, err := cfg.Schedule.Grace(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("schedule.check_interval", cfg.Schedule.CheckInterval); err != nil {
		errs = append(errs, err)
	}

	if cfg.Email.Enabled {
		if strings.TrimSpace(cfg.Email.SMTPHost) == "" {
			add("email.smtp_host: required when email is enabled")
		}
		if _, err := mail.ParseAddress(cfg.Email.FromAddr); err != nil {
			add("email.from_addr: %v", err)
		}
		if _, err := mail.ParseAddress(cfg.Email.ToAddr); err != nil {
			add("email.to_addr: %v", err)
		}
	}

	if cfg.Push.Enabled {
		if strings.TrimSpace(cfg.Push.VAPIDPublicKey) == "" || strings.TrimSpace(cfg.Push.VAPIDPrivateKey) == "" {
			add("push: vapid_public_key and vapid_private_key required when push is enabled")
		}
		if strings.TrimSpace(cfg.Push.Subscriber) == "" {
			add("push.subscriber: required when push is enabled")
		}
	}
	if cfg.Push.RatePerSec < 0 {
		add("push.rate_per_sec: must be >= 0")
	}
	if _, err := ParseDurationField("push.send_timeout", cfg.Push.SendTimeout); err != nil {
		errs = append(errs, err)
	}

	if cfg.Telegram.Enabled {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			add("telegram.token: required when telegram is enabled")
		}
		if cfg.Telegram.ChatID == 0 {
			add("telegram.chat_id: required when telegram is enabled")
		}
	}

	if cfg.Pushover.Enabled && (strings.TrimSpace(cfg.Pushover.APIToken) == "" || strings.TrimSpace(cfg.Pushover.UserKey) == "") {
		add("pushover: api_token and user_key required when pushover is enabled")
	}
	if cfg.Ntfy.Enabled {
		if p, err := url.Parse(strings.TrimSpace(cfg.Ntfy.URL)); err != nil || (p.Scheme != "http" && p.Scheme != "https") || p.Host == "" {
			add("ntfy.url: must be an http(s) topic URL when ntfy is enabled")
		}
	}

	if u := strings.TrimSpace(cfg.Lease.RedisURL); u != "" {
		if p, err := url.Parse(u); err != nil || (p.Scheme != "redis" && p.Scheme != "rediss") {
			add("lease.redis_url: must be a redis:// or rediss:// URL")
		}
	}
	if _, err := ParseDurationField("lease.ttl", cfg.Lease.TTL); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
