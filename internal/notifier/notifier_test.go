package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotwatch/internal/eventbus"
	"lotwatch/internal/model"
	logx "lotwatch/pkg/logx"
)

type memSubs struct {
	mu   sync.Mutex
	subs map[string]model.Subscription
	keys []string
}

func newMemSubs() *memSubs { return &memSubs{subs: map[string]model.Subscription{}} }

func (m *memSubs) AddSubscription(_ context.Context, sub model.Subscription) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sub.Key()
	if _, ok := m.subs[k]; ok {
		return false, nil
	}
	m.subs[k] = sub
	m.keys = append(m.keys, k)
	return true, nil
}

func (m *memSubs) RemoveSubscription(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[key]; !ok {
		return false, nil
	}
	delete(m.subs, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *memSubs) ListSubscriptions(context.Context) ([]model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Subscription, 0, len(m.subs))
	for _, k := range m.keys {
		if s, ok := m.subs[k]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

type fakeDigest struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Digest
}

func (f *fakeDigest) Name() string { return f.name }

func (f *fakeDigest) SendDigest(_ context.Context, d Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, d)
	return nil
}

// fakePush answers per endpoint: "gone" endpoints fail permanently, "flaky" transiently.
type fakePush struct {
	mu    sync.Mutex
	calls []string
	body  []byte
}

func (f *fakePush) Send(_ context.Context, sub model.Subscription, payload []byte) error {
	f.mu.Lock()
	f.calls = append(f.calls, sub.Endpoint)
	f.body = payload
	f.mu.Unlock()
	switch {
	case strings.Contains(sub.Endpoint, "gone"):
		return fmt.Errorf("push service returned 410: %w", ErrPermanent)
	case strings.Contains(sub.Endpoint, "flaky"):
		return errors.New("push service returned 503")
	}
	return nil
}

func sub(endpoint string) model.Subscription {
	return model.Subscription{Endpoint: endpoint, Keys: model.SubscriptionKeys{P256dh: "p-" + endpoint, Auth: "a-" + endpoint}}
}

func listing(id, title string, price float64) model.Listing {
	return model.Listing{ID: id, Title: title, Price: price, Location: "Sacramento, CA", URL: "https://example.com/" + id}
}

func newService(t *testing.T, subs *memSubs, push PushSender, digests ...DigestSender) (*Service, *Registry, eventbus.Bus) {
	t.Helper()
	reg := NewRegistry(subs)
	bus := eventbus.New()
	s := New(Config{PushEnabled: true, RatePerSec: 1000, TargetURL: "https://lotwatch.example"}, reg, push, logx.Nop(), bus, digests...)
	return s, reg, bus
}

func TestDispatchWithoutNewListingsSendsNothing(t *testing.T) {
	t.Parallel()
	subs := newMemSubs()
	push := &fakePush{}
	email := &fakeDigest{name: "email"}
	s, reg, _ := newService(t, subs, push, email)
	_, err := reg.Register(context.Background(), sub("https://push.example/ok"))
	require.NoError(t, err)

	rep := s.Dispatch(context.Background(), nil, []model.Listing{listing("a", "T480", 100)}, Options{})
	assert.Empty(t, email.sent)
	assert.Empty(t, push.calls)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, "no new listings", rep.Push.Skipped)
}

func TestDigestListsNewListingsInOrder(t *testing.T) {
	t.Parallel()
	email := &fakeDigest{name: "email"}
	s, _, _ := newService(t, newMemSubs(), &fakePush{}, email)

	newL := []model.Listing{listing("b", "ThinkPad X1 Carbon", 250), listing("a", "ThinkPad T480", 99.5)}
	updL := []model.Listing{listing("c", "ThinkPad T14 updated", 300)}
	rep := s.Dispatch(context.Background(), newL, updL, Options{})

	require.Len(t, email.sent, 1)
	d := email.sent[0]
	assert.Equal(t, "lotwatch: 2 new listing(s)", d.Subject)
	lines := strings.Split(strings.TrimSpace(d.Body), "\n")
	require.Len(t, lines, 4, d.Body)
	assert.Equal(t, "New listings found (2):", lines[0])
	assert.Equal(t, "ThinkPad X1 Carbon ($250.00, Sacramento, CA) -> https://example.com/b", lines[2])
	assert.Equal(t, "ThinkPad T480 ($99.50, Sacramento, CA) -> https://example.com/a", lines[3])
	assert.NotContains(t, d.Body, "T14 updated")
	assert.Equal(t, []ChannelResult{{Channel: "email", Sent: true}}, rep.Digests)
	assert.Equal(t, "no subscriptions", rep.Push.Skipped)
}

func TestPushFaultIsolation(t *testing.T) {
	t.Parallel()
	subs := newMemSubs()
	push := &fakePush{}
	s, reg, bus := newService(t, subs, push)
	events, unsub := bus.Subscribe(16)
	defer unsub()

	ctx := context.Background()
	for _, e := range []string{"https://push.example/ok", "https://push.example/gone", "https://push.example/flaky"} {
		_, err := reg.Register(ctx, sub(e))
		require.NoError(t, err)
	}

	rep := s.Dispatch(ctx, []model.Listing{listing("a", "T480", 100)}, nil, Options{})
	assert.Equal(t, 3, rep.Push.Subscriptions)
	assert.Equal(t, 3, rep.Push.Attempted)
	assert.Equal(t, 1, rep.Push.Delivered)
	assert.Equal(t, 1, rep.Push.Removed)
	assert.Equal(t, 1, rep.Push.Transient)
	require.Len(t, rep.Push.Failures, 2)

	left, err := reg.List(ctx)
	require.NoError(t, err)
	endpoints := []string{}
	for _, s := range left {
		endpoints = append(endpoints, s.Endpoint)
	}
	assert.ElementsMatch(t, []string{"https://push.example/ok", "https://push.example/flaky"}, endpoints)

	removed := false
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventSubscriptionRemoved {
			removed = true
		}
	}
	assert.True(t, removed, "expected a %s event", EventSubscriptionRemoved)
}

func TestEmailFailureStillAttemptsPush(t *testing.T) {
	t.Parallel()
	subs := newMemSubs()
	push := &fakePush{}
	email := &fakeDigest{name: "email", err: errors.New("smtp: 535 auth failed")}
	s, reg, _ := newService(t, subs, push, email)
	_, err := reg.Register(context.Background(), sub("https://push.example/ok"))
	require.NoError(t, err)

	rep := s.Dispatch(context.Background(), []model.Listing{listing("a", "T480", 100)}, nil, Options{})
	require.Len(t, rep.Digests, 1)
	assert.False(t, rep.Digests[0].Sent)
	assert.Contains(t, rep.Digests[0].Error, "535")
	assert.Equal(t, 1, rep.Push.Delivered)
}

func TestDispatchOptionsSkipChannels(t *testing.T) {
	t.Parallel()
	subs := newMemSubs()
	push := &fakePush{}
	email := &fakeDigest{name: "email"}
	tg := &fakeDigest{name: "telegram"}
	po := &fakeDigest{name: "pushover"}
	nt := &fakeDigest{name: "ntfy"}
	s, reg, _ := newService(t, subs, push, email, tg, po, nt)
	_, err := reg.Register(context.Background(), sub("https://push.example/ok"))
	require.NoError(t, err)

	rep := s.Dispatch(context.Background(), []model.Listing{listing("a", "T480", 100)}, nil, Options{SkipEmail: true, SkipPush: true})
	assert.Empty(t, email.sent)
	assert.Len(t, tg.sent, 1)
	assert.Empty(t, po.sent)
	assert.Empty(t, nt.sent)
	assert.Empty(t, push.calls)
	assert.Equal(t, "disabled for this run", rep.Push.Skipped)
}

func TestPushPayloadShape(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", 60)
	newL := []model.Listing{listing("a", long, 1), listing("b", "B", 1), listing("c", "C", 1), listing("d", "D", 1)}
	b, err := BuildPushPayload(newL, "https://lotwatch.example")
	require.NoError(t, err)

	var p PushPayload
	require.NoError(t, json.Unmarshal(b, &p))
	assert.Equal(t, "lotwatch", p.Title)
	assert.Equal(t, "https://lotwatch.example", p.URL)
	assert.Equal(t, "4 new listing(s): "+strings.Repeat("é", 40)+", B, C", p.Body)
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	t.Parallel()
	subs := newMemSubs()
	reg := NewRegistry(subs)
	ctx := context.Background()

	created, err := reg.Register(ctx, sub("https://push.example/ok"))
	require.NoError(t, err)
	assert.True(t, created)
	created, err = reg.Register(ctx, model.Subscription{Endpoint: " https://push.example/ok ", Keys: sub("https://push.example/ok").Keys})
	require.NoError(t, err)
	assert.False(t, created)

	_, err = reg.Register(ctx, model.Subscription{Endpoint: "https://push.example/x"})
	assert.ErrorIs(t, err, model.ErrInvalidSubscription)

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRegistryConcurrentRegisterDuringDispatch(t *testing.T) {
	t.Parallel()
	subs := newMemSubs()
	s, reg, _ := newService(t, subs, &fakePush{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.Register(ctx, sub(fmt.Sprintf("https://push.example/ok/%d", i)))
		}(i)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Dispatch(ctx, []model.Listing{listing("a", "T480", 100)}, nil, Options{})
	}()
	wg.Wait()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not finish")
	}

	list, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 20)
}
