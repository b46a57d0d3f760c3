package config

import (
	"reflect"
	"sort"
	"strings"

	logx "lotwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a sorted list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage is only applied at startup; still surface the change.
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", secretSet(newCfg.Storage.DSN)),
		)
	}

	if !reflect.DeepEqual(oldCfg.GovDeals, newCfg.GovDeals) {
		changed = append(changed, "govdeals")
		attrs = append(attrs,
			logx.String("govdeals.states", strings.Join(newCfg.GovDeals.States, ",")),
			logx.Float64("govdeals.min_price", newCfg.GovDeals.MinPrice),
			logx.Float64("govdeals.max_price", newCfg.GovDeals.MaxPrice),
		)
	}

	if !reflect.DeepEqual(oldCfg.Filter, newCfg.Filter) {
		changed = append(changed, "filter")
		attrs = append(attrs,
			logx.Int("filter.brands", len(newCfg.Filter.Brands)),
			logx.Int("filter.models", len(newCfg.Filter.Models)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedule, newCfg.Schedule) {
		changed = append(changed, "schedule")
		attrs = append(attrs,
			logx.Bool("schedule.enabled", newCfg.Schedule.IsEnabled()),
			logx.String("schedule.days", strings.Join(newCfg.Schedule.Days, ",")),
			logx.Int("schedule.hour", newCfg.Schedule.HourOrDefault()),
			logx.Int("schedule.minute", newCfg.Schedule.Minute),
			logx.String("schedule.timezone", strings.TrimSpace(newCfg.Schedule.Timezone)),
			logx.String("schedule.misfire_grace", strings.TrimSpace(newCfg.Schedule.MisfireGrace)),
		)
	}

	// Email (never log password)
	if !reflect.DeepEqual(oldCfg.Email, newCfg.Email) {
		changed = append(changed, "email")
		attrs = append(attrs,
			logx.Bool("email.enabled", newCfg.Email.Enabled),
			logx.String("email.smtp_host", newCfg.Email.SMTPHost),
			logx.Int("email.smtp_port", newCfg.Email.SMTPPort),
			logx.Bool("email.password_set", secretSet(newCfg.Email.Password)),
		)
	}

	// Push (never log the private key)
	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.enabled", newCfg.Push.Enabled),
			logx.Bool("push.vapid_set", secretSet(newCfg.Push.VAPIDPrivateKey)),
			logx.Int("push.rate_per_sec", newCfg.Push.RatePerSec),
		)
	}

	// Telegram (never log token)
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram.Enabled),
			logx.Bool("telegram.token_set", secretSet(newCfg.Telegram.Token)),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}

	if oldCfg.Pushover != newCfg.Pushover {
		changed = append(changed, "pushover")
		attrs = append(attrs,
			logx.Bool("pushover.enabled", newCfg.Pushover.Enabled),
			logx.Bool("pushover.token_set", secretSet(newCfg.Pushover.APIToken)),
		)
	}
	if oldCfg.Ntfy != newCfg.Ntfy {
		changed = append(changed, "ntfy")
		attrs = append(attrs,
			logx.Bool("ntfy.enabled", newCfg.Ntfy.Enabled),
			logx.Bool("ntfy.token_set", secretSet(newCfg.Ntfy.Token)),
		)
	}

	// Web (never log token)
	if oldCfg.Web != newCfg.Web {
		changed = append(changed, "web")
		attrs = append(attrs,
			logx.Bool("web.enabled", newCfg.Web.Enabled),
			logx.String("web.addr", strings.TrimSpace(newCfg.Web.Addr)),
			logx.Bool("web.token_set", secretSet(newCfg.Web.Token)),
			logx.Bool("web.pprof", newCfg.Web.Pprof),
		)
	}

	if oldCfg.Lease != newCfg.Lease {
		changed = append(changed, "lease")
		attrs = append(attrs,
			logx.Bool("lease.enabled", secretSet(newCfg.Lease.RedisURL)),
			logx.String("lease.ttl", strings.TrimSpace(newCfg.Lease.TTL)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func secretSet(s string) bool { return strings.TrimSpace(s) != "" }
