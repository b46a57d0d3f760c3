package cycle

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lotwatch/internal/eventbus"
	"lotwatch/internal/filter"
	"lotwatch/internal/lease"
	"lotwatch/internal/model"
	"lotwatch/internal/notifier"
	"lotwatch/internal/storage"
	"lotwatch/internal/task/scheduler"
	logx "lotwatch/pkg/logx"
)

type scriptedCollector struct {
	mu      sync.Mutex
	batches [][]model.Listing
	err     error
	calls   int
	block   chan struct{}
}

func (c *scriptedCollector) Collect(ctx context.Context) ([]model.Listing, error) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if len(c.batches) == 0 {
		return nil, nil
	}
	b := c.batches[0]
	c.batches = c.batches[1:]
	return b, nil
}

type countingStore struct {
	storage.ListingStore
	calls int
	err   error
}

func (s *countingStore) UpsertListings(ctx context.Context, batch []model.Listing) (storage.UpsertResult, error) {
	s.calls++
	if s.err != nil {
		return storage.UpsertResult{}, s.err
	}
	return s.ListingStore.UpsertListings(ctx, batch)
}

type recordingDigest struct {
	mu   sync.Mutex
	sent []notifier.Digest
}

func (d *recordingDigest) Name() string { return "email" }

func (d *recordingDigest) SendDigest(ctx context.Context, dg notifier.Digest) error {
	d.mu.Lock()
	d.sent = append(d.sent, dg)
	d.mu.Unlock()
	return nil
}

type recordingPush struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (p *recordingPush) Send(ctx context.Context, sub model.Subscription, payload []byte) error {
	p.mu.Lock()
	p.payloads = append(p.payloads, payload)
	p.mu.Unlock()
	return nil
}

// gatedPush holds every send until release is closed and records whether the
// send context was still live when it went out.
type gatedPush struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	ctxErrs []error
}

func newGatedPush() *gatedPush {
	return &gatedPush{started: make(chan struct{}), release: make(chan struct{})}
}

func (p *gatedPush) Send(ctx context.Context, sub model.Subscription, payload []byte) error {
	p.once.Do(func() { close(p.started) })
	<-p.release
	p.mu.Lock()
	p.ctxErrs = append(p.ctxErrs, ctx.Err())
	p.mu.Unlock()
	return ctx.Err()
}

type heldLease struct{}

func (heldLease) Acquire(ctx context.Context) (func(context.Context) error, error) {
	return nil, lease.ErrHeld
}

func thinkpad(id, title string, price float64) model.Listing {
	return model.Listing{
		ID:       id,
		Source:   "govdeals",
		Title:    title,
		URL:      "https://www.govdeals.com/asset/" + id,
		Location: "Sacramento, CA",
		Price:    price,
	}
}

type harness struct {
	orch   *Orchestrator
	db     storage.Store
	coll   *scriptedCollector
	store  *countingStore
	digest *recordingDigest
	push   *recordingPush
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithPush(t, nil)
}

// newHarnessWithPush uses push instead of the recording sender when non-nil.
func newHarnessWithPush(t *testing.T, push notifier.PushSender) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := storage.Open(ctx, storage.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "lotwatch.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	reg := notifier.NewRegistry(st)
	_, err = reg.Register(ctx, model.Subscription{
		Endpoint: "https://push.example.com/sub/1",
		Keys:     model.SubscriptionKeys{P256dh: "p", Auth: "a"},
	})
	require.NoError(t, err)

	h := &harness{
		db:     st,
		coll:   &scriptedCollector{},
		store:  &countingStore{ListingStore: st},
		digest: &recordingDigest{},
		push:   &recordingPush{},
	}
	if push == nil {
		push = h.push
	}
	n := notifier.New(notifier.Config{PushEnabled: true, RatePerSec: 100}, reg, push, logx.Nop(), nil, h.digest)
	h.orch = New(Deps{
		Collector: h.coll,
		Filter:    filter.New([]string{"lenovo", "thinkpad"}, []string{"t480", "x1 carbon"}),
		Store:     h.store,
		Notifier:  n,
	}, logx.Nop(), eventbus.New())
	return h
}

func TestTwoCyclesNotifyOnlyNewListings(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.coll.batches = [][]model.Listing{
		{
			thinkpad("govdeals-1", "Lenovo ThinkPad T480 i5", 150),
			thinkpad("govdeals-2", "Lenovo ThinkPad X1 Carbon Gen 6", 300),
			thinkpad("govdeals-9", "Dell Latitude 7490", 90),
		},
		{
			thinkpad("govdeals-1", "Lenovo ThinkPad T480 i5", 150),
			thinkpad("govdeals-2", "Lenovo ThinkPad X1 Carbon Gen 6", 275),
			thinkpad("govdeals-3", "ThinkPad T480 lot of 3", 420),
		},
	}

	first, err := h.orch.Run(ctx, notifier.Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, first.Collected)
	assert.Equal(t, 2, first.Matched)
	assert.Len(t, first.New, 2)
	assert.Empty(t, first.Updated)
	assert.NotEmpty(t, first.ID)

	second, err := h.orch.Run(ctx, notifier.Options{})
	require.NoError(t, err)
	require.Len(t, second.New, 1)
	assert.Equal(t, "govdeals-3", second.New[0].ID)
	require.Len(t, second.Updated, 1)
	assert.Equal(t, "govdeals-2", second.Updated[0].ID)
	assert.Equal(t, 1, second.Unchanged)
	assert.NotEqual(t, first.ID, second.ID)

	require.Len(t, h.digest.sent, 2)
	assert.Len(t, h.digest.sent[1].Listings, 1)

	require.Len(t, h.push.payloads, 2)
	var p notifier.PushPayload
	require.NoError(t, json.Unmarshal(h.push.payloads[1], &p))
	assert.Contains(t, p.Body, "1 new listing")
	assert.Equal(t, 1, second.Report.Push.Delivered)

	last, ok := h.orch.Last()
	require.True(t, ok)
	assert.Equal(t, second.ID, last.ID)
}

func TestCollectErrorAbortsBeforeStore(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.coll.err = errors.New("upstream 503")

	_, err := h.orch.Run(context.Background(), notifier.Options{})
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseCollect, pe.Phase)
	assert.Equal(t, 0, h.store.calls)
	assert.Empty(t, h.digest.sent)
	assert.Empty(t, h.push.payloads)
	_, ok := h.orch.Last()
	assert.False(t, ok)
}

func TestStoreErrorAbortsBeforeNotify(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.coll.batches = [][]model.Listing{{thinkpad("govdeals-7", "ThinkPad T480", 110)}}
	h.store.err = &storage.Error{Op: "upsert", Err: errors.New("disk I/O error")}

	_, err := h.orch.Run(context.Background(), notifier.Options{})
	var pe *PhaseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, PhaseStore, pe.Phase)
	assert.ErrorIs(t, err, storage.ErrStore)
	assert.Equal(t, 1, h.store.calls)
	assert.Empty(t, h.digest.sent)
	assert.Empty(t, h.push.payloads)
	_, ok := h.orch.Last()
	assert.False(t, ok)

	listings, err := h.db.ListListings(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestCanceledCallerStillNotifiesCommittedBatch(t *testing.T) {
	t.Parallel()
	push := newGatedPush()
	h := newHarnessWithPush(t, push)
	h.coll.batches = [][]model.Listing{
		{thinkpad("govdeals-8", "ThinkPad T480", 130)},
		{thinkpad("govdeals-8", "ThinkPad T480", 130)},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		res, err := h.orch.Run(ctx, notifier.Options{})
		assert.NoError(t, err)
		done <- res
	}()

	<-push.started
	cancel()
	close(push.release)
	first := <-done

	require.Len(t, first.New, 1)
	assert.Equal(t, 1, first.Report.Push.Delivered)
	assert.Zero(t, first.Report.Push.Transient)
	require.Len(t, h.digest.sent, 1)

	second, err := h.orch.Run(context.Background(), notifier.Options{})
	require.NoError(t, err)
	assert.Empty(t, second.New)
	assert.Equal(t, 1, second.Unchanged)
}

func TestSchedulerStopDuringDispatchDeliversCycle(t *testing.T) {
	t.Parallel()
	push := newGatedPush()
	h := newHarnessWithPush(t, push)
	h.coll.batches = [][]model.Listing{{thinkpad("govdeals-11", "ThinkPad X1 Carbon", 260)}}

	trig := scheduler.Trigger{Days: []time.Weekday{0, 1, 2, 3, 4, 5, 6}, Hour: 8, Timezone: "UTC"}
	now := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	require.NoError(t, h.db.PutJob(context.Background(), model.JobState{
		ID: "cycle", Trigger: trig.String(), NextFireAt: now.Add(-time.Hour),
	}))

	sched := scheduler.New(scheduler.Config{Enabled: true, CheckInterval: time.Hour}, h.db, logx.Nop(), nil,
		scheduler.WithClock(func() time.Time { return now }))
	results := make(chan Result, 1)
	require.NoError(t, sched.Register(context.Background(), scheduler.Job{
		ID: "cycle", Trigger: trig, MisfireGrace: 6 * time.Hour, Guard: h.orch.Guard(),
		Handler: func(c context.Context) error {
			res, err := h.orch.RunHeld(c, notifier.Options{})
			results <- res
			return err
		},
	}))
	sched.Start(context.Background())

	select {
	case <-push.started:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled cycle never reached dispatch")
	}
	stopped := make(chan struct{})
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sched.Stop(stopCtx)
		close(stopped)
	}()
	time.Sleep(20 * time.Millisecond)
	close(push.release)
	<-stopped

	res := <-results
	assert.Equal(t, 1, res.Report.Push.Delivered)
	assert.Empty(t, res.Report.Push.Failures)
	require.Len(t, h.digest.sent, 1)
}

func TestEmptyCycleSendsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.orch.Run(context.Background(), notifier.Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.calls)
	assert.Empty(t, res.New)
	assert.Empty(t, h.digest.sent)
	assert.Equal(t, "no new listings", res.Report.Push.Skipped)
}

func TestRunRejectedWhileInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.coll.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Run(context.Background(), notifier.Options{})
		done <- err
	}()
	require.Eventually(t, func() bool {
		running, _ := h.orch.Guard().Running()
		return running
	}, time.Second, 5*time.Millisecond)

	_, err := h.orch.Run(context.Background(), notifier.Options{})
	assert.ErrorIs(t, err, ErrInFlight)

	close(h.coll.block)
	require.NoError(t, <-done)
	running, _ := h.orch.Guard().Running()
	assert.False(t, running)
}

func TestLeaseHeldElsewhereSkipsCycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.orch.Update(func(d *Deps) { d.Lease = heldLease{} })

	_, err := h.orch.Run(context.Background(), notifier.Options{})
	assert.ErrorIs(t, err, ErrInFlight)
	assert.ErrorIs(t, err, lease.ErrHeld)
	assert.Equal(t, 0, h.coll.calls)
}

func TestSkipOptionsReachNotifier(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.coll.batches = [][]model.Listing{{thinkpad("govdeals-5", "ThinkPad T480", 120)}}

	res, err := h.orch.Run(context.Background(), notifier.Options{SkipEmail: true, SkipPush: true})
	require.NoError(t, err)
	assert.Len(t, res.New, 1)
	assert.Empty(t, h.digest.sent)
	assert.Empty(t, h.push.payloads)
}
