package alert

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotwatch/internal/model"
	"lotwatch/internal/notifier"
	logx "lotwatch/pkg/logx"
)

func digest() notifier.Digest {
	return notifier.Digest{Listings: []model.Listing{
		{ID: "govdeals-1", Title: "Lenovo ThinkPad T480", URL: "https://www.govdeals.com/asset/1"},
		{ID: "govdeals-2", Title: "ThinkPad X1 Carbon", URL: "https://www.govdeals.com/asset/2"},
	}}
}

type captured struct {
	mu      sync.Mutex
	form    url.Values
	body    string
	headers http.Header
}

func TestPushoverPostsSummary(t *testing.T) {
	t.Parallel()
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		got.mu.Lock()
		got.form = r.PostForm
		got.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":1,"request":"abc"}`))
	}))
	defer srv.Close()

	p, err := NewPushover(PushoverConfig{APIToken: "app", UserKey: "user", Endpoint: srv.URL}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "pushover", p.Name())
	require.NoError(t, p.SendDigest(context.Background(), digest()))

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, "app", got.form.Get("token"))
	assert.Equal(t, "user", got.form.Get("user"))
	assert.Equal(t, "2 new listing(s): Lenovo ThinkPad T480, ThinkPad X1 Carbon", got.form.Get("message"))
}

func TestPushoverReportsAPIErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":0,"errors":["user identifier is invalid"]}`))
	}))
	defer srv.Close()

	p, err := NewPushover(PushoverConfig{APIToken: "app", UserKey: "bad", Endpoint: srv.URL}, logx.Nop())
	require.NoError(t, err)
	err = p.SendDigest(context.Background(), digest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user identifier is invalid")
}

func TestNewPushoverRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := NewPushover(PushoverConfig{APIToken: "app"}, logx.Nop())
	assert.Error(t, err)
}

func TestNtfyPostsSummaryWithHeaders(t *testing.T) {
	t.Parallel()
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got.mu.Lock()
		got.body = string(b)
		got.headers = r.Header.Clone()
		got.mu.Unlock()
	}))
	defer srv.Close()

	n, err := NewNtfy(NtfyConfig{URL: srv.URL + "/lotwatch", Token: "tk"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, n.SendDigest(context.Background(), digest()))

	got.mu.Lock()
	defer got.mu.Unlock()
	assert.Equal(t, "2 new listing(s): Lenovo ThinkPad T480, ThinkPad X1 Carbon", got.body)
	assert.Equal(t, "lotwatch alert", got.headers.Get("Title"))
	assert.Equal(t, "https://www.govdeals.com/asset/1", got.headers.Get("Click"))
	assert.Equal(t, "Bearer tk", got.headers.Get("Authorization"))
}

func TestNtfyServerErrorFails(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n, err := NewNtfy(NtfyConfig{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	assert.ErrorContains(t, n.SendDigest(context.Background(), digest()), "status 500")
}

func TestNewNtfyRejectsBadURL(t *testing.T) {
	t.Parallel()
	for _, u := range []string{"", "ntfy.sh/topic", "ftp://ntfy.sh/topic"} {
		_, err := NewNtfy(NtfyConfig{URL: u}, logx.Nop())
		assert.Error(t, err, u)
	}
}
