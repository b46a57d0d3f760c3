package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lotwatch/internal/eventbus"
	"lotwatch/internal/model"
	rtsup "lotwatch/internal/runtime/supervisor"
	"lotwatch/internal/task/engine"
	logx "lotwatch/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	bus   eventbus.Bus
	store StateStore
	now   func() time.Time

	jobs map[string]*entry
	wake chan struct{}
	sup  *rtsup.Supervisor

	// runs tracks in-flight handlers.
	runs sync.WaitGroup
}

func New(cfg Config, store StateStore, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		store: store,
		now:   wallNow,
		jobs:  map[string]*entry{},
		wake:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.poke()
}

func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Register adds or replaces a job. Persisted state is reused when its trigger
// string matches, so a missed occurrence survives a restart. Otherwise the next
// occurrence is computed from now.
func (s *Service) Register(ctx context.Context, job Job) error {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		return fmt.Errorf("%w: id required", ErrInvalidJob)
	}
	if job.Handler == nil {
		return fmt.Errorf("%w: handler required", ErrInvalidJob)
	}
	if job.MisfireGrace < 0 {
		job.MisfireGrace = 0
	}
	sched, err := job.Trigger.Schedule()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	spec := job.Trigger.String()

	persisted, havePersisted := s.loadState(ctx, job.ID)
	now := s.now()

	s.mu.Lock()
	prev := s.jobs[job.ID]
	guard := job.Guard
	if guard == nil {
		guard = &engine.RunState{}
		if prev != nil {
			guard = prev.state
		}
	}
	e := &entry{job: job, spec: spec, sched: sched, state: guard}
	restored := false
	switch {
	case prev != nil && prev.spec == spec:
		e.next, e.last, e.outcome = prev.next, prev.last, prev.outcome
	case prev != nil:
		// Trigger changed: keep history, recompute the timer.
		e.last, e.outcome = prev.last, prev.outcome
		e.next = sched.Next(now)
	case havePersisted && persisted.Trigger == spec && !persisted.NextFireAt.IsZero():
		e.next, e.last, e.outcome = persisted.NextFireAt, persisted.LastFireAt, persisted.LastOutcome
		restored = true
	default:
		if havePersisted {
			e.last, e.outcome = persisted.LastFireAt, persisted.LastOutcome
		}
		e.next = sched.Next(now)
	}
	s.jobs[job.ID] = e
	rec := e.record(now)
	s.mu.Unlock()

	s.persist(ctx, rec)
	s.poke()
	s.log.Info("job registered",
		logx.String("job", job.ID),
		logx.String("trigger", spec),
		logx.Duration("misfire_grace", job.MisfireGrace),
		logx.Time("next", rec.NextFireAt),
		logx.Bool("restored", restored),
	)
	return nil
}

// Deregister removes the job and its persisted state.
// A handler already running is allowed to finish.
func (s *Service) Deregister(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if s.store != nil {
		if err := s.store.DeleteJob(ctx, id); err != nil {
			s.log.Warn("job state delete failed", logx.String("job", id), logx.Err(err))
		}
	}
	s.poke()
	s.log.Info("job deregistered", logx.String("job", id))
	return nil
}

// Start launches the timer loop. Missed occurrences are evaluated immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	n := len(s.jobs)
	s.mu.Unlock()

	sup.GoRestart("scheduler.loop", s.loop,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
	)
	s.log.Info("service started", logx.Int("jobs", n))
}

// Stop stops the loop and waits for running handlers until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("stop wait ended early", logx.Err(err))
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loop(ctx context.Context) error {
	for {
		s.evaluate(ctx, s.now())

		timer := time.NewTimer(s.nextWait(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextWait is the time until the earliest due job, capped by CheckInterval.
func (s *Service) nextWait(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	wait := s.cfg.CheckInterval
	if wait <= 0 {
		wait = defaultCheckInterval
	}
	for _, e := range s.jobs {
		if e.next.IsZero() {
			continue
		}
		if d := e.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

// latestOccurrence collapses a run of missed occurrences into the most recent
// one that is not after now.
func latestOccurrence(sched cron.Schedule, next, now time.Time) (time.Time, int) {
	nominal := next
	missed := 0
	for i := 0; i < maxCatchup; i++ {
		n := sched.Next(nominal)
		if n.IsZero() || n.After(now) {
			break
		}
		nominal = n
		missed++
	}
	return nominal, missed
}

// evaluate handles every job whose next occurrence is due at now.
// It never blocks on handlers.
func (s *Service) evaluate(ctx context.Context, now time.Time) []decision {
	s.mu.Lock()
	var (
		out   []decision
		dirty []model.JobState
	)
	for id, e := range s.jobs {
		if e.next.IsZero() || now.Before(e.next) {
			continue
		}
		nominal, missed := latestOccurrence(e.sched, e.next, now)
		d := decision{
			id:       id,
			nominal:  nominal,
			lateness: now.Sub(nominal),
			missed:   missed,
			handler:  e.job.Handler,
			state:    e.state,
		}
		switch {
		case d.lateness <= fireTolerance:
			d.outcome = OutcomeFired
		case d.lateness < e.job.MisfireGrace:
			d.outcome = OutcomeMisfireFired
		default:
			d.outcome = OutcomeMisfireSkipped
		}
		if d.fires() && !e.state.TryAcquire() {
			d.outcome = OutcomeCoalesced
		}
		if d.fires() {
			e.last = now
		}
		e.outcome = d.outcome
		e.next = e.sched.Next(now)
		d.next = e.next
		dirty = append(dirty, e.record(now))
		out = append(out, d)
	}
	s.mu.Unlock()

	for _, st := range dirty {
		s.persist(ctx, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	for _, d := range out {
		s.report(d)
		if d.fires() {
			d := d
			s.spawn(ctx, "job."+d.id, func(c context.Context) { s.run(c, d) })
		}
	}
	return out
}

func (s *Service) report(d decision) {
	fields := []logx.Field{
		logx.String("job", d.id),
		logx.String("outcome", d.outcome),
		logx.Time("nominal", d.nominal),
		logx.Duration("lateness", d.lateness),
		logx.Time("next", d.next),
	}
	if d.missed > 0 {
		fields = append(fields, logx.Int("collapsed", d.missed))
	}
	switch d.outcome {
	case OutcomeMisfireSkipped:
		s.log.Warn("occurrence skipped", append(fields, logx.Err(ErrMisfireSkipped))...)
	case OutcomeCoalesced:
		s.log.Info("occurrence coalesced: previous run still in flight", fields...)
	case OutcomeMisfireFired:
		s.log.Info("firing missed occurrence", fields...)
	default:
		s.log.Debug("firing", fields...)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "scheduler." + d.outcome, Data: FireEvent{
			JobID: d.id, Outcome: d.outcome, Nominal: d.nominal, Lateness: d.lateness, Next: d.next,
		}})
	}
}

func (s *Service) spawn(ctx context.Context, name string, fn func(context.Context)) {
	s.runs.Add(1)
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()

	wrapped := func(c context.Context) {
		defer s.runs.Done()
		fn(c)
	}
	if sup != nil {
		sup.Go0(name, wrapped)
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("job panicked", logx.String("name", name), logx.Any("panic", r))
			}
		}()
		wrapped(ctx)
	}()
}

func (s *Service) run(ctx context.Context, d decision) {
	defer d.state.Release()
	start := time.Now()
	// A fired handler runs to completion. Stop only bounds how long it waits.
	err := d.handler(context.WithoutCancel(ctx))
	took := time.Since(start)

	if err == nil {
		s.log.Info("job finished", logx.String("job", d.id), logx.Duration("took", took))
		return
	}
	s.log.Error("job failed", logx.String("job", d.id), logx.Duration("took", took), logx.Err(err))

	s.mu.Lock()
	e, ok := s.jobs[d.id]
	var rec model.JobState
	if ok {
		e.outcome = OutcomeError
		rec = e.record(s.now())
	}
	s.mu.Unlock()
	if ok {
		s.persist(ctx, rec)
	}
}

func (s *Service) loadState(ctx context.Context, id string) (st model.JobState, ok bool) {
	if s.store == nil {
		return st, false
	}
	st, ok, err := s.store.GetJob(ctx, id)
	if err != nil {
		s.log.Warn("job state load failed; recomputing", logx.String("job", id), logx.Err(err))
		return st, false
	}
	return st, ok
}

func (s *Service) persist(ctx context.Context, st model.JobState) {
	if s.store == nil {
		return
	}
	// Persist even while shutting down so the next start sees the final state.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.store.PutJob(pctx, st); err != nil {
		s.log.Warn("job state persist failed", logx.String("job", st.ID), logx.Err(err))
	}
}

// waitIdle blocks until no handler is running.
func (s *Service) waitIdle() { s.runs.Wait() }
