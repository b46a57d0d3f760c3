package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotwatch/internal/config"
	"lotwatch/internal/notifier"
	"lotwatch/internal/notifier/webpush"
	logx "lotwatch/pkg/logx"
)

const searchPage = `<html><body>
<div class="listingContainer">
  <a class="item-title" href="/index.cfm?fa=Main.Item&itemnum=2001">Lenovo ThinkPad T480 Laptop</a>
  <span class="current-bid">$150.00</span>
  <span class="location">Fresno, CA</span>
</div>
<div class="listingContainer">
  <a class="item-title" href="/index.cfm?fa=Main.Item&itemnum=2002">Dell Latitude 7490</a>
  <span class="current-bid">$90.00</span>
</div>
</body></html>`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func govdeals(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(searchPage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(dbPath, govURL string) string {
	return fmt.Sprintf(`
logging:
  level: error
storage:
  driver: sqlite
  path: %q
govdeals:
  base_url: %q
  states: [CA]
filter:
  models: [t480, x1 carbon]
schedule:
  timezone: UTC
`, dbPath, govURL)
}

func TestRunOnceStoresAndClassifies(t *testing.T) {
	srv := govdeals(t)
	db := filepath.Join(t.TempDir(), "lotwatch.db")
	cfgPath := writeConfig(t, baseConfig(db, srv.URL))
	ctx := context.Background()

	a, err := New(ctx, cfgPath, Options{})
	require.NoError(t, err)
	res, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, res.New, 1)
	assert.Equal(t, "govdeals-2001", res.New[0].ID)
	assert.Equal(t, []string{"t480"}, res.New[0].MatchedModels)
	require.NoError(t, a.Stop(ctx, StopOnceDone))

	// Same database, same page: nothing new on the second process run.
	b, err := New(ctx, cfgPath, Options{})
	require.NoError(t, err)
	res, err = b.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.New)
	assert.Empty(t, res.Updated)
	assert.Equal(t, 1, res.Unchanged)
	require.NoError(t, b.Stop(ctx, StopOnceDone))
}

func TestNewRejectsConfigWithoutModels(t *testing.T) {
	cfgPath := writeConfig(t, `
storage:
  driver: sqlite
  path: ./x.db
`)
	_, err := New(context.Background(), cfgPath, Options{})
	require.Error(t, err)
}

func TestPublicKeyFollowsPushConfig(t *testing.T) {
	pub, priv, err := webpush.GenerateKeys()
	require.NoError(t, err)

	srv := govdeals(t)
	db := filepath.Join(t.TempDir(), "lotwatch.db")
	cfgPath := writeConfig(t, baseConfig(db, srv.URL)+fmt.Sprintf(`
push:
  enabled: true
  subscriber: "mailto:ops@example.com"
  vapid_public_key: %q
  vapid_private_key: %q
`, pub, priv))

	a, err := New(context.Background(), cfgPath, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background(), StopOnceDone) })
	assert.Equal(t, pub, a.PublicKey())
}

func TestStartRegistersCycleJob(t *testing.T) {
	srv := govdeals(t)
	db := filepath.Join(t.TempDir(), "lotwatch.db")
	cfgPath := writeConfig(t, baseConfig(db, srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := New(ctx, cfgPath, Options{})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	next, ok := a.sched.NextFire(CycleJobID)
	require.True(t, ok)
	assert.Equal(t, 8, next.In(time.UTC).Hour())
	wd := next.In(time.UTC).Weekday()
	assert.True(t, wd == time.Tuesday || wd == time.Friday, "weekday %s", wd)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopSIGTERM))
}

func TestMergeOpts(t *testing.T) {
	a := &App{opts: Options{SkipEmail: true}}
	got := a.mergeOpts(notifier.Options{SkipPush: true})
	assert.True(t, got.SkipEmail)
	assert.True(t, got.SkipPush)
}

func TestMapTriggerDefaults(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	trig, grace, err := mapTrigger(cfg)
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Tuesday, time.Friday}, trig.Days)
	assert.Equal(t, 8, trig.Hour)
	assert.Equal(t, 0, trig.Minute)
	assert.Equal(t, 6*time.Hour, grace)
}

func TestMapStorageConfig(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, config.DefaultStoragePath, sc.Path)

	cfg.Storage.Driver = "postgres"
	_, err = mapStorageConfig(cfg)
	assert.Error(t, err, "postgres without dsn")

	cfg.Storage.DSN = "postgres://u:p@localhost/lotwatch"
	sc, err = mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "postgres", sc.Driver)

	cfg.Storage.Driver = "mongo"
	_, err = mapStorageConfig(cfg)
	assert.Error(t, err)
}

func TestBuildDigestSendersIncludesAlertChannels(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Pushover = config.PushoverConfig{Enabled: true, APIToken: "app", UserKey: "user"}
	cfg.Ntfy = config.NtfyConfig{Enabled: true, URL: "https://ntfy.sh/lotwatch"}
	senders, err := buildDigestSenders(cfg, logx.Nop())
	require.NoError(t, err)
	var names []string
	for _, s := range senders {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"pushover", "ntfy"}, names)

	cfg.Ntfy.URL = "not a url"
	_, err = buildDigestSenders(cfg, logx.Nop())
	assert.Error(t, err)
}
