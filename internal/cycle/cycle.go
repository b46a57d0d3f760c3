// Package cycle runs one collect → filter → store → notify pass.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"lotwatch/internal/eventbus"
	"lotwatch/internal/lease"
	"lotwatch/internal/model"
	"lotwatch/internal/notifier"
	"lotwatch/internal/storage"
	"lotwatch/internal/task/engine"
	logx "lotwatch/pkg/logx"
)

// ErrInFlight rejects a run while another cycle holds the guard or the lease.
var ErrInFlight = fmt.Errorf("cycle already in flight: %w", engine.ErrOverlapSkip)

type Phase string

const (
	PhaseLease   Phase = "lease"
	PhaseCollect Phase = "collect"
	PhaseFilter  Phase = "filter"
	PhaseStore   Phase = "store"
)

// PhaseError aborts a cycle. Later phases never run after one.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string { return fmt.Sprintf("cycle %s: %v", e.Phase, e.Err) }
func (e *PhaseError) Unwrap() error { return e.Err }

type Collector interface {
	Collect(ctx context.Context) ([]model.Listing, error)
}

type Filter interface {
	Apply(in []model.Listing) []model.Listing
}

type Store interface {
	UpsertListings(ctx context.Context, batch []model.Listing) (storage.UpsertResult, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, newListings, updated []model.Listing, opts notifier.Options) notifier.Report
}

// Lease is optional cross-process exclusion (lease.Redis).
type Lease interface {
	Acquire(ctx context.Context) (release func(context.Context) error, err error)
}

type Deps struct {
	Collector Collector
	Filter    Filter
	Store     Store
	Notifier  Notifier
	Lease     Lease
}

type Result struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Collected  int             `json:"collected"`
	Matched    int             `json:"matched"`
	New        []model.Listing `json:"new"`
	Updated    []model.Listing `json:"updated"`
	Unchanged  int             `json:"unchanged"`
	Report     notifier.Report `json:"report"`
}

// Event is published as cycle.finished or cycle.failed.
type Event struct {
	ID       string        `json:"id"`
	New      int           `json:"new"`
	Updated  int           `json:"updated"`
	Duration time.Duration `json:"duration"`
	Phase    Phase         `json:"phase,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type Orchestrator struct {
	mu    sync.Mutex
	deps  Deps
	guard *engine.RunState
	log   logx.Logger
	bus   eventbus.Bus
	now   func() time.Time
	last  *Result
}

func New(deps Deps, log logx.Logger, bus eventbus.Bus) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Orchestrator{deps: deps, guard: &engine.RunState{}, log: log, bus: bus, now: time.Now}
}

// Guard is shared with the scheduler so a scheduled fire during a manual run coalesces.
func (o *Orchestrator) Guard() *engine.RunState { return o.guard }

// Update swaps dependencies between cycles (config reload). A running cycle
// keeps the set it started with.
func (o *Orchestrator) Update(fn func(*Deps)) {
	o.mu.Lock()
	fn(&o.deps)
	o.mu.Unlock()
}

// Last returns the most recent successful result, if any.
func (o *Orchestrator) Last() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

// Run executes one cycle, or returns ErrInFlight when one is already running.
func (o *Orchestrator) Run(ctx context.Context, opts notifier.Options) (Result, error) {
	if !o.guard.TryAcquire() {
		return Result{}, ErrInFlight
	}
	defer o.guard.Release()
	return o.RunHeld(ctx, opts)
}

// RunHeld executes one cycle. The caller must hold Guard().
func (o *Orchestrator) RunHeld(ctx context.Context, opts notifier.Options) (Result, error) {
	o.mu.Lock()
	deps := o.deps
	o.mu.Unlock()

	res := Result{ID: uuid.NewString(), StartedAt: o.now().UTC()}
	log := o.log.With(logx.String("cycle", res.ID))
	log.Info("cycle started")

	if deps.Lease != nil {
		release, err := deps.Lease.Acquire(ctx)
		if err != nil {
			if errors.Is(err, lease.ErrHeld) {
				log.Info("cycle skipped: lease held elsewhere")
				return res, fmt.Errorf("%w: %w", ErrInFlight, err)
			}
			return res, o.fail(log, res, &PhaseError{Phase: PhaseLease, Err: err})
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(rctx); err != nil {
				log.Warn("lease release failed", logx.Err(err))
			}
		}()
	}

	collected, err := deps.Collector.Collect(ctx)
	if err != nil {
		return res, o.fail(log, res, &PhaseError{Phase: PhaseCollect, Err: err})
	}
	res.Collected = len(collected)

	matched := collected
	if deps.Filter != nil {
		matched = deps.Filter.Apply(collected)
	}
	res.Matched = len(matched)
	log.Info("listings filtered", logx.Int("collected", res.Collected), logx.Int("matched", res.Matched))

	up, err := deps.Store.UpsertListings(ctx, matched)
	if err != nil {
		return res, o.fail(log, res, &PhaseError{Phase: PhaseStore, Err: err})
	}
	res.New, res.Updated, res.Unchanged = up.New, up.Updated, up.Unchanged

	if deps.Notifier != nil {
		// The batch is committed; a later cycle would see it as unchanged, so
		// dispatch must not be cut short by the caller going away.
		res.Report = deps.Notifier.Dispatch(context.WithoutCancel(ctx), up.New, up.Updated, opts)
	}
	res.FinishedAt = o.now().UTC()

	log.Info("cycle finished",
		logx.Int("new", len(res.New)),
		logx.Int("updated", len(res.Updated)),
		logx.Int("unchanged", res.Unchanged),
		logx.Duration("dur", res.FinishedAt.Sub(res.StartedAt)),
	)
	o.mu.Lock()
	cp := res
	o.last = &cp
	o.mu.Unlock()
	o.publish("cycle.finished", Event{ID: res.ID, New: len(res.New), Updated: len(res.Updated), Duration: res.FinishedAt.Sub(res.StartedAt)})
	return res, nil
}

func (o *Orchestrator) fail(log logx.Logger, res Result, pe *PhaseError) error {
	log.Error("cycle aborted", logx.String("phase", string(pe.Phase)), logx.Err(pe.Err))
	o.publish("cycle.failed", Event{ID: res.ID, Phase: pe.Phase, Error: pe.Err.Error(), Duration: o.now().UTC().Sub(res.StartedAt)})
	return pe
}

func (o *Orchestrator) publish(typ string, ev Event) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
