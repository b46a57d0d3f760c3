// Package web serves the JSON API: push subscription registration, the VAPID
// public key, manual runs, stored listings and the schedule.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"lotwatch/internal/cycle"
	"lotwatch/internal/model"
	"lotwatch/internal/notifier"
	"lotwatch/internal/task/scheduler"
	logx "lotwatch/pkg/logx"
)

const (
	defaultListingLimit = 100
	maxListingLimit     = 1000
	maxBodyBytes        = 16 << 10
)

type Runner interface {
	Run(ctx context.Context, opts notifier.Options) (cycle.Result, error)
}

type Subscriptions interface {
	Register(ctx context.Context, sub model.Subscription) (created bool, err error)
}

type Listings interface {
	ListListings(ctx context.Context, limit int) ([]model.Listing, error)
}

type Schedule interface {
	Snapshot() []scheduler.JobInfo
}

// Deps are the handlers' collaborators. Any nil dependency answers 503.
type Deps struct {
	Runner        Runner
	Subscriptions Subscriptions
	Listings      Listings
	Schedule      Schedule
	PublicKey     func() string
}

type RouterOptions struct {
	Token string
	Pprof bool
}

type runResponse struct {
	Status    string    `json:"status"`
	ID        string    `json:"id,omitempty"`
	New       int       `json:"new"`
	Updated   int       `json:"updated"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func NewRouter(deps Deps, opts RouterOptions, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(h.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/subscriptions", h.subscribe)
		r.Get("/vapid-public-key", h.publicKey)
		r.Get("/listings", h.listings)
		r.Get("/schedule", h.schedule)
		r.With(withAuth(opts.Token)).Post("/run", h.run)
	})

	if opts.Pprof {
		r.With(withAuth(opts.Token)).Mount("/debug", middleware.Profiler())
	}
	return r
}

func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	if h.deps.Subscriptions == nil {
		writeError(w, http.StatusServiceUnavailable, "push disabled")
		return
	}
	var sub model.Subscription
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	created, err := h.deps.Subscriptions.Register(r.Context(), sub)
	switch {
	case errors.Is(err, model.ErrInvalidSubscription):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error("subscription register failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "register failed")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		h.log.Info("push subscription registered", logx.String("endpoint", sub.Normalize().Endpoint))
	}
	writeJSON(w, status, map[string]bool{"created": created})
}

func (h *handlers) publicKey(w http.ResponseWriter, _ *http.Request) {
	var key string
	if h.deps.PublicKey != nil {
		key = h.deps.PublicKey()
	}
	if key == "" {
		writeError(w, http.StatusServiceUnavailable, "push disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": key})
}

func (h *handlers) run(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil {
		writeError(w, http.StatusServiceUnavailable, "runner unavailable")
		return
	}
	q := r.URL.Query()
	opts := notifier.Options{
		SkipEmail: q.Get("no_email") == "1" || q.Get("no_email") == "true",
		SkipPush:  q.Get("no_push") == "1" || q.Get("no_push") == "true",
	}
	// A client disconnect must not abort a cycle halfway through notifying.
	res, err := h.deps.Runner.Run(context.WithoutCancel(r.Context()), opts)
	now := time.Now().UTC()
	switch {
	case errors.Is(err, cycle.ErrInFlight):
		writeJSON(w, http.StatusConflict, runResponse{Status: "busy", Timestamp: now, Error: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, runResponse{Status: "error", ID: res.ID, Timestamp: now, Error: err.Error()})
	default:
		ts := res.FinishedAt
		if ts.IsZero() {
			ts = now
		}
		writeJSON(w, http.StatusOK, runResponse{
			Status:    "ok",
			ID:        res.ID,
			New:       len(res.New),
			Updated:   len(res.Updated),
			Timestamp: ts.UTC(),
		})
	}
}

func (h *handlers) listings(w http.ResponseWriter, r *http.Request) {
	if h.deps.Listings == nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	limit := defaultListingLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListingLimit)
	}
	items, err := h.deps.Listings.ListListings(r.Context(), limit)
	if err != nil {
		h.log.Error("list listings failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if items == nil {
		items = []model.Listing{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *handlers) schedule(w http.ResponseWriter, _ *http.Request) {
	jobs := []scheduler.JobInfo{}
	if h.deps.Schedule != nil {
		jobs = append(jobs, h.deps.Schedule.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handlers) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("dur", time.Since(start)),
		)
	})
}

// withAuth accepts either "Authorization: Bearer <token>" or ?token=<token>.
// An empty token disables the check.
func withAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if got == tok {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
