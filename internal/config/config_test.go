package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
govdeals:
  states: [CA, NV]
  min_price: 50
  max_price: 400
filter:
  models: [T480, X1 Carbon]
schedule:
  days: [tue, fri]
  hour: 8
  timezone: America/New_York
  misfire_grace: 6h
email:
  enabled: true
  smtp_host: smtp.example.com
  username: bot
  password: from-file
  from_addr: bot@example.com
  to_addr: me@example.com
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	m := NewManager(writeFile(t, "lotwatch.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, DefaultStoragePath, cfg.Storage.Path)
	assert.Equal(t, []string{"lenovo", "thinkpad"}, cfg.Filter.Brands)
	assert.Equal(t, 587, cfg.Email.SMTPPort)
	assert.Equal(t, DefaultWebAddr, cfg.Web.Addr)
	assert.Equal(t, 8, cfg.Schedule.HourOrDefault())
	assert.True(t, cfg.Schedule.IsEnabled())

	g, err := cfg.Schedule.Grace()
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, g)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := ParseBytes("c.json", []byte(`{"filter":{"models":["T480"]},"shedule":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shedule")
}

func TestParseRejectsTrailingData(t *testing.T) {
	_, err := ParseBytes("c.json", []byte(`{"filter":{"models":["T480"]}} {}`))
	require.Error(t, err)
}

func TestEnvOverridesFileSecrets(t *testing.T) {
	t.Setenv("LOTWATCH_SMTP_PASSWORD", "from-env")
	t.Setenv("LOTWATCH_WEB_TOKEN", "tok")
	cfg, err := ParseBytes("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Email.Password)
	assert.Equal(t, "tok", cfg.Web.Token)
}

func TestExplicitMidnightIsKept(t *testing.T) {
	cfg, err := ParseBytes("c.json", []byte(`{"filter":{"models":["T480"]},"schedule":{"hour":0}}`))
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.Schedule.HourOrDefault())
}

func TestValidateCollectsErrors(t *testing.T) {
	h := 25
	cfg := &Config{
		Storage:  StorageConfig{Driver: "postgres"},
		Schedule: ScheduleConfig{Hour: &h, MisfireGrace: "soon"},
		Email:    EmailConfig{Enabled: true},
		Push:     PushConfig{Enabled: true},
		Lease:    LeaseConfig{RedisURL: "http://nope"},
	}
	ApplyDefaults(cfg)
	err := Validate(cfg)
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"storage.dsn", "filter.models", "schedule.hour", "schedule.misfire_grace",
		"email.smtp_host", "email.from_addr", "push:", "push.subscriber", "lease.redis_url",
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %s", want, msg)
	}
}

func TestAlertChannelsValidateAndTakeEnvSecrets(t *testing.T) {
	t.Setenv("LOTWATCH_PUSHOVER_TOKEN", "app-token")
	t.Setenv("LOTWATCH_NTFY_TOKEN", "ntfy-token")
	body := `{"filter":{"models":["T480"]},"pushover":{"enabled":true},"ntfy":{"enabled":true,"url":"ntfy.sh/lotwatch"}}`
	cfg, err := ParseBytes("c.json", []byte(body))
	require.NoError(t, err)
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pushover: api_token and user_key required")
	assert.Contains(t, err.Error(), "ntfy.url")

	t.Setenv("LOTWATCH_PUSHOVER_USER", "user-key")
	body = `{"filter":{"models":["T480"]},"pushover":{"enabled":true},"ntfy":{"enabled":true,"url":"https://ntfy.sh/lotwatch"}}`
	cfg, err = ParseBytes("c.json", []byte(body))
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "app-token", cfg.Pushover.APIToken)
	assert.Equal(t, "user-key", cfg.Pushover.UserKey)
	assert.Equal(t, "ntfy-token", cfg.Ntfy.Token)
}

func TestZeroGraceIsAllowed(t *testing.T) {
	g, err := ScheduleConfig{MisfireGrace: "0s"}.Grace()
	require.NoError(t, err)
	assert.Zero(t, g)
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Email: EmailConfig{Password: "a"}, Web: WebConfig{Token: "x"}}
	newCfg := &Config{Email: EmailConfig{Password: "b"}, Web: WebConfig{Token: "y"}, Filter: FilterConfig{Models: []string{"T480"}}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"email", "filter", "web"}, changed)
	assert.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "lotwatch.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, "hour: 8", "hour: 9", 1)), 0o600))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)
	got := <-ch
	assert.Equal(t, 9, got.Schedule.HourOrDefault())
	assert.Same(t, got, m.Get())
}

func TestReloadRejectsInvalidAndKeepsSnapshot(t *testing.T) {
	path := writeFile(t, "lotwatch.yaml", sampleYAML)
	m := NewManager(path)
	before, err := m.Load()
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(strings.Replace(sampleYAML, "hour: 8", "hour: 30", 1)), 0o600))
	published, err := m.Reload(context.Background())
	require.Error(t, err)
	assert.False(t, published)
	assert.Same(t, before, m.Get())
}

func TestWatchPicksUpEdits(t *testing.T) {
	path := writeFile(t, "lotwatch.yaml", sampleYAML)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	edited := strings.Replace(sampleYAML, "max_price: 400", "max_price: 500", 1)
	// The watcher may not be registered yet; keep rewriting until it sees one.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte(edited), 0o600)
		select {
		case cfg := <-ch:
			return cfg.GovDeals.MaxPrice == 500
		case <-time.After(400 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 50*time.Millisecond)
}
