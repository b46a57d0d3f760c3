package notifier

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lotwatch/internal/eventbus"
	"lotwatch/internal/model"
	logx "lotwatch/pkg/logx"
)

const (
	defaultWorkers     = 4
	defaultRatePerSec  = 10
	defaultSendTimeout = 10 * time.Second
)

// Service dispatches digests and push notifications for one cycle at a time.
//
// It is safe for concurrent use; Apply may run while a dispatch is in flight
// and takes effect on the next one.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	bus     eventbus.Bus
	reg     *Registry
	push    PushSender
	digests []DigestSender

	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
}

func New(cfg Config, reg *Registry, push PushSender, log logx.Logger, bus eventbus.Bus, digests ...DigestSender) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		bus:     bus,
		reg:     reg,
		push:    push,
		digests: digests,
		now:     time.Now,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetDigestSenders replaces the digest channels (config reload).
func (s *Service) SetDigestSenders(senders ...DigestSender) {
	s.mu.Lock()
	s.digests = senders
	s.mu.Unlock()
}

// SetPushSender replaces the push transport (config reload). nil disables push.
func (s *Service) SetPushSender(p PushSender) {
	s.mu.Lock()
	s.push = p
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = defaultRatePerSec
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Registry exposes the subscription registry (web handlers).
func (s *Service) Registry() *Registry { return s.reg }

// Dispatch notifies every channel about one cycle's results. It never
// returns an error: per-channel and per-subscription failures are logged and
// recorded in the report.
func (s *Service) Dispatch(ctx context.Context, newListings, updated []model.Listing, opts Options) Report {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	push := s.push
	digests := append([]DigestSender(nil), s.digests...)
	s.mu.Unlock()

	rep := Report{New: len(newListings), Updated: len(updated)}
	if len(newListings) == 0 {
		s.log.Info("no new listings; nothing to notify", logx.Int("updated", len(updated)))
		for _, d := range digests {
			rep.Digests = append(rep.Digests, ChannelResult{Channel: d.Name(), Skipped: "no new listings"})
		}
		rep.Push.Skipped = "no new listings"
		return rep
	}

	digest := ComposeDigest(newListings, s.now())
	for _, d := range digests {
		rep.Digests = append(rep.Digests, s.sendDigest(ctx, d, digest, cfg, opts))
	}

	switch {
	case opts.SkipPush:
		rep.Push.Skipped = "disabled for this run"
	case !cfg.PushEnabled || push == nil:
		rep.Push.Skipped = "disabled"
	default:
		rep.Push = s.fanOut(ctx, push, lim, cfg, newListings)
	}
	return rep
}

func (s *Service) sendDigest(ctx context.Context, d DigestSender, digest Digest, cfg Config, opts Options) ChannelResult {
	name := d.Name()
	res := ChannelResult{Channel: name}
	if opts.skips(name) {
		res.Skipped = "disabled for this run"
		return res
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	err := d.SendDigest(callCtx, digest)
	cancel()
	if err != nil {
		res.Error = err.Error()
		s.log.Warn("digest delivery failed", logx.String("channel", name), logx.Int("count", len(digest.Listings)), logx.Err(err))
		s.publish(EventFailed, NotificationEvent{Channel: name, Count: len(digest.Listings), Error: err.Error()})
		return res
	}
	res.Sent = true
	s.log.Info("digest sent", logx.String("channel", name), logx.Int("count", len(digest.Listings)))
	s.publish(EventSent, NotificationEvent{Channel: name, Count: len(digest.Listings)})
	return res
}

// fanOut delivers one payload to every subscription with a small worker pool.
func (s *Service) fanOut(ctx context.Context, push PushSender, lim *rate.Limiter, cfg Config, newListings []model.Listing) PushReport {
	var rep PushReport
	subs, err := s.reg.List(ctx)
	if err != nil {
		rep.Skipped = "subscription list failed"
		s.log.Error("push skipped: cannot list subscriptions", logx.Err(err))
		s.publish(EventFailed, NotificationEvent{Channel: "push", Error: err.Error()})
		return rep
	}
	rep.Subscriptions = len(subs)
	if len(subs) == 0 {
		rep.Skipped = "no subscriptions"
		s.log.Info("push skipped: no subscriptions")
		return rep
	}

	payload, err := BuildPushPayload(newListings, cfg.TargetURL)
	if err != nil {
		rep.Skipped = "payload encode failed"
		s.log.Error("push payload encode failed", logx.Err(err))
		return rep
	}

	start := time.Now()
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	queue := make(chan model.Subscription)
	workers := cfg.Workers
	if workers > len(subs) {
		workers = len(subs)
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range queue {
				out := s.sendOne(ctx, push, lim, cfg.SendTimeout, sub, payload)
				mu.Lock()
				rep.add(sub, out)
				mu.Unlock()
			}
		}()
	}
	for _, sub := range subs {
		queue <- sub
	}
	close(queue)
	wg.Wait()

	sort.Slice(rep.Failures, func(i, j int) bool { return rep.Failures[i].Endpoint < rep.Failures[j].Endpoint })
	fields := []logx.Field{
		logx.Int("subscriptions", rep.Subscriptions),
		logx.Int("delivered", rep.Delivered),
		logx.Int("removed", rep.Removed),
		logx.Int("transient", rep.Transient),
		logx.Duration("dur", time.Since(start)),
	}
	if rep.Removed > 0 || rep.Transient > 0 {
		s.log.Warn("push fan-out finished with failures", fields...)
	} else {
		s.log.Info("push fan-out finished", fields...)
	}
	if rep.Delivered > 0 {
		s.publish(EventSent, NotificationEvent{Channel: "push", Count: rep.Delivered})
	}
	return rep
}

type sendOutcome struct {
	err       error
	permanent bool
	removed   bool
	attempted bool
}

func (r *PushReport) add(sub model.Subscription, o sendOutcome) {
	if o.attempted {
		r.Attempted++
	}
	switch {
	case o.err == nil:
		r.Delivered++
		return
	case o.permanent:
		if o.removed {
			r.Removed++
		}
	default:
		r.Transient++
	}
	r.Failures = append(r.Failures, PushFailure{Endpoint: sub.Endpoint, Permanent: o.permanent, Error: o.err.Error()})
}

func (s *Service) sendOne(ctx context.Context, push PushSender, lim *rate.Limiter, timeout time.Duration, sub model.Subscription, payload []byte) sendOutcome {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return sendOutcome{err: err}
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err := push.Send(callCtx, sub, payload)
	cancel()
	if err == nil {
		return sendOutcome{attempted: true}
	}

	if !errors.Is(err, ErrPermanent) {
		s.log.Warn("push delivery failed; keeping subscription", logx.String("endpoint", sub.Endpoint), logx.Err(err))
		s.publish(EventFailed, NotificationEvent{Channel: "push", Key: sub.Key(), Error: err.Error()})
		return sendOutcome{err: err, attempted: true}
	}

	out := sendOutcome{err: err, permanent: true, attempted: true}
	// Removal must survive a cancelled dispatch context.
	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	removed, rerr := s.reg.Remove(rctx, sub.Key())
	rcancel()
	if rerr != nil {
		s.log.Error("push subscription removal failed", logx.String("endpoint", sub.Endpoint), logx.Err(rerr))
		return out
	}
	out.removed = removed
	s.log.Info("push subscription removed", logx.String("endpoint", sub.Endpoint), logx.Err(err))
	s.publish(EventSubscriptionRemoved, NotificationEvent{Channel: "push", Key: sub.Key(), Error: err.Error()})
	return out
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
