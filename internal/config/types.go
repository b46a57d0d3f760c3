package config

// Config is one immutable snapshot of the process configuration.
// Durations are Go duration strings ("6h", "30s").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	GovDeals GovDealsConfig `json:"govdeals"`
	Filter   FilterConfig   `json:"filter"`
	Schedule ScheduleConfig `json:"schedule"`
	Email    EmailConfig    `json:"email"`
	Push     PushConfig     `json:"push"`
	Telegram TelegramConfig `json:"telegram"`
	Pushover PushoverConfig `json:"pushover"`
	Ntfy     NtfyConfig     `json:"ntfy"`
	Web      WebConfig      `json:"web"`
	Lease    LeaseConfig    `json:"lease"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	// WarnPerSec caps warn+ lines per second in the file sink (0 = unlimited).
	WarnPerSec int `json:"warn_per_sec,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./lotwatch.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	DSN         string `json:"dsn,omitempty" env:"LOTWATCH_DATABASE_URL"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type GovDealsConfig struct {
	BaseURL   string   `json:"base_url"`
	States    []string `json:"states"`
	Keyword   string   `json:"keyword,omitempty"` // search term, default "thinkpad"
	MinPrice  float64  `json:"min_price"`
	MaxPrice  float64  `json:"max_price"` // <= 0 means unbounded
	Timeout   string   `json:"timeout,omitempty"`
	UserAgent string   `json:"user_agent,omitempty"`
}

type FilterConfig struct {
	Brands []string `json:"brands"`
	Models []string `json:"models"`
}

type ScheduleConfig struct {
	Enabled *bool    `json:"enabled,omitempty"` // default true
	Days    []string `json:"days"`
	Hour    *int     `json:"hour,omitempty"` // default 8
	Minute  int      `json:"minute"`
	// Timezone is an IANA name. Empty means process local time.
	Timezone      string `json:"timezone,omitempty"`
	MisfireGrace  string `json:"misfire_grace,omitempty"`
	CheckInterval string `json:"check_interval,omitempty"`
}

// EmailConfig controls the SMTP digest channel. UseTLS (default true)
// negotiates STARTTLS, usually on port 587; false dials implicit TLS, usually 465.
type EmailConfig struct {
	Enabled  bool   `json:"enabled"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	UseTLS   *bool  `json:"use_tls,omitempty"`
	Username string `json:"username"`
	Password string `json:"password,omitempty" env:"LOTWATCH_SMTP_PASSWORD"`
	FromAddr string `json:"from_addr"`
	ToAddr   string `json:"to_addr"`
}

type PushConfig struct {
	Enabled         bool   `json:"enabled"`
	VAPIDPublicKey  string `json:"vapid_public_key,omitempty" env:"LOTWATCH_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `json:"vapid_private_key,omitempty" env:"LOTWATCH_VAPID_PRIVATE_KEY"`
	// Subscriber is the VAPID "sub" claim (mailto: or https: URL).
	Subscriber  string `json:"subscriber"`
	TTL         int    `json:"ttl,omitempty"` // seconds
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	TargetURL   string `json:"target_url,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty" env:"LOTWATCH_TELEGRAM_TOKEN"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// PushoverConfig sends a one-line alert per cycle through the Pushover API.
type PushoverConfig struct {
	Enabled  bool   `json:"enabled"`
	APIToken string `json:"api_token,omitempty" env:"LOTWATCH_PUSHOVER_TOKEN"`
	UserKey  string `json:"user_key,omitempty" env:"LOTWATCH_PUSHOVER_USER"`
}

// NtfyConfig posts a one-line alert per cycle to an ntfy topic URL.
type NtfyConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Token   string `json:"token,omitempty" env:"LOTWATCH_NTFY_TOKEN"`
}

// WebConfig controls the HTTP API.
//
// Security note: Token protects /api/run and /debug/pprof when set (do not log it).
type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty" env:"LOTWATCH_WEB_TOKEN"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// LeaseConfig enables a Redis lease around each cycle so two instances
// sharing a database never run concurrently.
type LeaseConfig struct {
	RedisURL string `json:"redis_url,omitempty" env:"LOTWATCH_REDIS_URL"`
	TTL      string `json:"ttl,omitempty"`
}
