package app

import (
	"fmt"
	"strings"
	"time"

	"lotwatch/internal/collector"
	"lotwatch/internal/config"
	"lotwatch/internal/notifier"
	"lotwatch/internal/notifier/alert"
	"lotwatch/internal/notifier/email"
	"lotwatch/internal/notifier/telegram"
	"lotwatch/internal/notifier/webpush"
	"lotwatch/internal/storage"
	"lotwatch/internal/task/scheduler"
	"lotwatch/internal/web"
	logx "lotwatch/pkg/logx"
)

// CycleJobID is the scheduler id of the collection cycle.
const CycleJobID = "cycle"

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			WarnPerSec: cfg.Logging.File.WarnPerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		return storage.Config{Driver: "postgres", DSN: strings.TrimSpace(sc.DSN)}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	check, err := config.ParseDurationOrDefault("schedule.check_interval", cfg.Schedule.CheckInterval, config.DefaultCheckInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{Enabled: cfg.Schedule.IsEnabled(), CheckInterval: check}, nil
}

func mapTrigger(cfg *config.Config) (scheduler.Trigger, time.Duration, error) {
	days, err := scheduler.ParseDays(cfg.Schedule.Days)
	if err != nil {
		return scheduler.Trigger{}, 0, fmt.Errorf("schedule.days: %w", err)
	}
	t := scheduler.Trigger{
		Days:     days,
		Hour:     cfg.Schedule.HourOrDefault(),
		Minute:   cfg.Schedule.Minute,
		Timezone: strings.TrimSpace(cfg.Schedule.Timezone),
	}
	if err := t.Validate(); err != nil {
		return scheduler.Trigger{}, 0, err
	}
	grace, err := cfg.Schedule.Grace()
	if err != nil {
		return scheduler.Trigger{}, 0, err
	}
	return t, grace, nil
}

func mapCollectorConfig(cfg *config.Config) (collector.Config, error) {
	timeout, err := config.ParseDurationOrDefault("govdeals.timeout", cfg.GovDeals.Timeout, config.DefaultFetchTimeout)
	if err != nil {
		return collector.Config{}, err
	}
	g := cfg.GovDeals
	return collector.Config{
		BaseURL:   g.BaseURL,
		States:    append([]string(nil), g.States...),
		Keyword:   g.Keyword,
		MinPrice:  g.MinPrice,
		MaxPrice:  g.MaxPrice,
		Timeout:   timeout,
		UserAgent: g.UserAgent,
	}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	timeout, err := config.ParseDurationOrDefault("push.send_timeout", cfg.Push.SendTimeout, config.DefaultSendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		PushEnabled: cfg.Push.Enabled,
		RatePerSec:  cfg.Push.RatePerSec,
		SendTimeout: timeout,
		TargetURL:   cfg.Push.TargetURL,
	}, nil
}

func mapWebConfig(cfg *config.Config) web.Config {
	return web.Config{
		Enabled: cfg.Web.Enabled,
		Addr:    cfg.Web.Addr,
		Token:   cfg.Web.Token,
		Pprof:   cfg.Web.Pprof,
	}
}

func mapLeaseTTL(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("lease.ttl", cfg.Lease.TTL, config.DefaultLeaseTTL)
}

// buildDigestSenders returns the enabled digest channels in delivery order.
func buildDigestSenders(cfg *config.Config, log logx.Logger) ([]notifier.DigestSender, error) {
	timeout, err := config.ParseDurationOrDefault("push.send_timeout", cfg.Push.SendTimeout, config.DefaultSendTimeout)
	if err != nil {
		return nil, err
	}
	var out []notifier.DigestSender
	if cfg.Email.Enabled {
		s, err := email.New(email.Config{
			Host:     cfg.Email.SMTPHost,
			Port:     cfg.Email.SMTPPort,
			StartTLS: cfg.Email.StartTLS(),
			Username: cfg.Email.Username,
			Password: cfg.Email.Password,
			From:     cfg.Email.FromAddr,
			To:       cfg.Email.ToAddr,
			Timeout:  timeout,
		}, log.With(logx.String("comp", "email")))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.Telegram.Enabled {
		s, err := telegram.New(telegram.Config{
			Token:    cfg.Telegram.Token,
			ChatID:   cfg.Telegram.ChatID,
			ThreadID: cfg.Telegram.ThreadID,
		}, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.Pushover.Enabled {
		s, err := alert.NewPushover(alert.PushoverConfig{
			APIToken: cfg.Pushover.APIToken,
			UserKey:  cfg.Pushover.UserKey,
			Timeout:  timeout,
		}, log.With(logx.String("comp", "pushover")))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if cfg.Ntfy.Enabled {
		s, err := alert.NewNtfy(alert.NtfyConfig{
			URL:     cfg.Ntfy.URL,
			Token:   cfg.Ntfy.Token,
			Timeout: timeout,
		}, log.With(logx.String("comp", "ntfy")))
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// buildPushSender returns nil when push is disabled.
func buildPushSender(cfg *config.Config) (*webpush.Sender, error) {
	if !cfg.Push.Enabled {
		return nil, nil
	}
	return webpush.New(webpush.Config{
		PublicKey:  cfg.Push.VAPIDPublicKey,
		PrivateKey: cfg.Push.VAPIDPrivateKey,
		Subscriber: cfg.Push.Subscriber,
		TTL:        cfg.Push.TTL,
	}, nil)
}

// validate rejects configs that parse but cannot be wired (hot reload).
func validate(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapTrigger(cfg); err != nil {
		return err
	}
	if _, err := mapCollectorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapLeaseTTL(cfg); err != nil {
		return err
	}
	if _, err := buildPushSender(cfg); err != nil {
		return err
	}
	return nil
}
