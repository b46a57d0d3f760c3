package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	logx "lotwatch/pkg/logx"
)

const defaultAddr = "127.0.0.1:8080"

// Config controls the HTTP API. Token guards /api/run and /debug/pprof;
// pprof is never mounted on a non-loopback address without one.
type Config struct {
	Enabled bool
	Addr    string
	Token   string
	Pprof   bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Service runs the API server and restarts it when its config changes.
type Service struct {
	log  logx.Logger
	deps Deps

	mu  sync.Mutex
	cfg Config
	cur *server
}

type server struct {
	http *http.Server
	ln   net.Listener
	done chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Addr returns the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ""
	}
	return s.cur.ln.Addr().String()
}

// Start binds the listener and serves in the background. It is a no-op when
// disabled or already serving. Handlers see ctx as their base context.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return nil
	}

	cfg := s.cfg
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = defaultAddr
	}
	if cfg.Pprof && cfg.Token == "" && !isLoopbackAddr(addr) {
		s.log.Warn("pprof not mounted: non-loopback addr requires a token", logx.String("addr", addr))
		cfg.Pprof = false
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &server{
		ln:   ln,
		done: make(chan struct{}),
		http: &http.Server{
			Handler:      NewRouter(s.deps, RouterOptions{Token: cfg.Token, Pprof: cfg.Pprof}, s.log),
			ReadTimeout:  orDefault(cfg.ReadTimeout, 15*time.Second),
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  orDefault(cfg.IdleTimeout, 60*time.Second),
			BaseContext:  func(net.Listener) context.Context { return ctx },
		},
	}
	s.cur = srv

	go func() {
		defer close(srv.done)
		if err := srv.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("web server failed", logx.String("addr", ln.Addr().String()), logx.Err(err))
			s.mu.Lock()
			if s.cur == srv {
				s.cur = nil
			}
			s.mu.Unlock()
		}
	}()

	s.log.Info("web started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cfg.Token != ""),
		logx.Bool("pprof", cfg.Pprof),
	)
	return nil
}

// Stop drains in-flight requests until ctx expires, then closes them.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.cur
	s.cur = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}

	if err := srv.http.Shutdown(ctx); err != nil {
		_ = srv.http.Close()
	}
	select {
	case <-srv.done:
	case <-ctx.Done():
	}
	s.log.Info("web stopped")
}

// Reconfigure applies cfg, restarting the server only when it changed.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	changed := s.cfg != cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	if running && (changed || !cfg.Enabled) {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		s.Stop(stopCtx)
		cancel()
	}
	return s.Start(ctx)
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
