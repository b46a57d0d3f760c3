package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"lotwatch/internal/collector"
	"lotwatch/internal/config"
	"lotwatch/internal/cycle"
	"lotwatch/internal/eventbus"
	"lotwatch/internal/filter"
	"lotwatch/internal/lease"
	"lotwatch/internal/notifier"
	"lotwatch/internal/notifier/webpush"
	rtsup "lotwatch/internal/runtime/supervisor"
	"lotwatch/internal/storage"
	"lotwatch/internal/task/scheduler"
	"lotwatch/internal/web"
	logx "lotwatch/pkg/logx"
	"lotwatch/pkg/systemd"
)

// Options are process-wide overrides from the command line.
type Options struct {
	SkipEmail bool
	SkipPush  bool
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor
	opts Options

	root  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	lease *lease.Redis

	reg   *notifier.Registry
	notif *notifier.Service
	orch  *cycle.Orchestrator
	sched *scheduler.Service
	web   *web.Service

	mu      sync.Mutex
	pushKey string
}

func New(ctx context.Context, cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:  cfgm,
		opts:  opts,
		root:  root,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
	}

	if url := strings.TrimSpace(cfg.Lease.RedisURL); url != "" {
		ttl, _ := mapLeaseTTL(cfg)
		l, err := lease.NewRedis(ctx, url, lease.DefaultKey, ttl)
		if err != nil {
			a.closeResources()
			return nil, err
		}
		a.lease = l
		log.Info("cycle lease enabled", logx.Duration("ttl", ttl))
	}

	ncfg, _ := mapNotifierConfig(cfg)
	digests, err := buildDigestSenders(cfg, root)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	push, _ := buildPushSender(cfg)
	a.reg = notifier.NewRegistry(store)
	a.notif = notifier.New(ncfg, a.reg, nil, root.With(logx.String("comp", "notifier")), bus, digests...)
	a.setPush(push)

	ccfg, _ := mapCollectorConfig(cfg)
	deps := cycle.Deps{
		Collector: collector.NewGovDeals(ccfg, nil, root.With(logx.String("comp", "collector"))),
		Filter:    filter.New(cfg.Filter.Brands, cfg.Filter.Models),
		Store:     store,
		Notifier:  a.notif,
	}
	if a.lease != nil {
		deps.Lease = a.lease
	}
	a.orch = cycle.New(deps, root.With(logx.String("comp", "cycle")), bus)

	schedCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, store, root.With(logx.String("comp", "scheduler")), bus)

	a.web = web.New(mapWebConfig(cfg), web.Deps{
		Runner:        a,
		Subscriptions: a.reg,
		Listings:      store,
		Schedule:      a.sched,
		PublicKey:     a.PublicKey,
	}, root.With(logx.String("comp", "web")))

	return a, nil
}

// Run executes one cycle now. Command-line skips are merged into opts.
func (a *App) Run(ctx context.Context, opts notifier.Options) (cycle.Result, error) {
	return a.orch.Run(ctx, a.mergeOpts(opts))
}

// RunOnce runs a single cycle without starting the scheduler or the API.
func (a *App) RunOnce(ctx context.Context) (cycle.Result, error) {
	res, err := a.Run(ctx, notifier.Options{})
	if err != nil {
		return res, err
	}
	a.log.Info("run complete", logx.Int("new", len(res.New)), logx.Int("updated", len(res.Updated)))
	return res, nil
}

func (a *App) mergeOpts(o notifier.Options) notifier.Options {
	o.SkipEmail = o.SkipEmail || a.opts.SkipEmail
	o.SkipPush = o.SkipPush || a.opts.SkipPush
	return o
}

// PublicKey returns the VAPID public key, or "" when push is disabled.
func (a *App) PublicKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pushKey
}

func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	if err := a.registerCycle(a.sup.Context(), a.cfgm.Get()); err != nil {
		return err
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Info("schedule disabled; cycles run only on demand")
	}
	if err := a.web.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("web: %w", err)
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
				lastApplied = newCfg
				a.applyConfig(c, newCfg, sections)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second),
	)

	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, func() bool { return a.sup.Err() == nil })
	})
	if ok, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}

	if at, ok := a.sched.NextFire(CycleJobID); ok {
		a.log.Info("app started", logx.Time("next_cycle", at))
		_, _ = systemd.Status("next cycle " + at.Format(time.RFC3339))
	} else {
		a.log.Info("app started")
	}
	return nil
}

// registerCycle (re)binds the cycle job. Re-registering an unchanged trigger
// keeps the pending fire time.
func (a *App) registerCycle(ctx context.Context, cfg *config.Config) error {
	trig, grace, err := mapTrigger(cfg)
	if err != nil {
		return err
	}
	return a.sched.Register(ctx, scheduler.Job{
		ID:           CycleJobID,
		Trigger:      trig,
		MisfireGrace: grace,
		Guard:        a.orch.Guard(),
		Handler: func(c context.Context) error {
			_, err := a.orch.RunHeld(c, a.mergeOpts(notifier.Options{}))
			if errors.Is(err, cycle.ErrInFlight) {
				// Another instance holds the lease.
				return nil
			}
			return err
		},
	})
}

// applyConfig swaps components between cycles. A running cycle keeps the
// snapshot it started with.
func (a *App) applyConfig(ctx context.Context, cfg *config.Config, sections []string) {
	a.logs.Apply(mapLogConfig(cfg))

	for _, s := range sections {
		if s == "storage" || s == "lease" {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}
	if digests, err := buildDigestSenders(cfg, a.root); err != nil {
		a.log.Warn("invalid digest channel config; keeping previous", logx.Err(err))
	} else {
		a.notif.SetDigestSenders(digests...)
	}
	if push, err := buildPushSender(cfg); err != nil {
		a.log.Warn("invalid push config; keeping previous", logx.Err(err))
	} else {
		a.setPush(push)
	}

	if ccfg, err := mapCollectorConfig(cfg); err != nil {
		a.log.Warn("invalid govdeals config; keeping previous", logx.Err(err))
	} else {
		coll := collector.NewGovDeals(ccfg, nil, a.root.With(logx.String("comp", "collector")))
		f := filter.New(cfg.Filter.Brands, cfg.Filter.Models)
		a.orch.Update(func(d *cycle.Deps) {
			d.Collector = coll
			d.Filter = f
		})
	}

	prevSched := a.sched.Enabled()
	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid schedule config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(sc)
		if err := a.registerCycle(ctx, cfg); err != nil {
			a.log.Warn("cycle job not re-registered", logx.Err(err))
		}
		switch {
		case prevSched && !sc.Enabled:
			a.log.Info("schedule disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			a.sched.Stop(stopCtx)
			cancel()
		case !prevSched && sc.Enabled:
			a.log.Info("schedule enabled via config")
			a.sched.Start(ctx)
		}
	}

	if err := a.web.Reconfigure(ctx, mapWebConfig(cfg)); err != nil {
		a.log.Error("web restart failed; API is down until the next reload", logx.Err(err))
	}
}

func (a *App) setPush(push *webpush.Sender) {
	var ps notifier.PushSender
	key := ""
	if push != nil {
		ps = push
		key = push.PublicKey()
	}
	a.notif.SetPushSender(ps)
	a.mu.Lock()
	a.pushKey = key
	a.mu.Unlock()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	// Bound each step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("web", 2*time.Second, func(c context.Context) error { a.web.Stop(c); return nil })
	// Waits for an in-flight scheduled cycle to finish.
	step("scheduler", 30*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("resources", 2*time.Second, func(context.Context) error { a.closeResources(); return nil })

	return nil
}

func (a *App) closeResources() {
	if a.lease != nil {
		if err := a.lease.Close(); err != nil {
			a.log.Warn("lease close failed", logx.Err(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
