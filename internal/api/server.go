// Package api serves the HTTP control surface of actuatord: command
// submission, channel inspection and a websocket stream of lifecycle events.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"actuatord/internal/actuator"
	"actuatord/internal/eventbus"
	"actuatord/internal/routine"
	rtsup "actuatord/internal/runtime/supervisor"
	"actuatord/internal/storage"
	logx "actuatord/pkg/logx"
)

// Config controls the listener and its guards.
//
// Binding to a non-loopback address without JWTSecret is allowed but logged.
type Config struct {
	Addr string
	// JWTSecret enables HS256 bearer auth on every route except /healthz.
	JWTSecret string
	// RatePerSec and Burst bound requests per client IP. Zero RatePerSec
	// disables throttling.
	RatePerSec float64
	Burst      int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// ExpressionChannel receives POST /v1/expressions.
	ExpressionChannel string

	// Pprof mounts the runtime profiler under /debug/pprof/.
	Pprof bool
}

const defaultExpressionChannel = "eyes"

// Deps are the components the routes operate on. Store and Routines may be nil.
type Deps struct {
	Registry *actuator.Registry
	Bus      eventbus.Bus
	Store    storage.Store
	Routines *routine.Service
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	handler http.Handler
	limiter *ipLimiter

	mu  sync.Mutex
	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.ExpressionChannel) == "" {
		cfg.ExpressionChannel = defaultExpressionChannel
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "api"))}
	if cfg.RatePerSec > 0 {
		s.limiter = newIPLimiter(cfg.RatePerSec, cfg.Burst)
	}
	s.handler = s.routes()
	return s
}

// Handler returns the fully wrapped handler, for embedding or tests.
func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound address once Start succeeded.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8680"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", addr, err)
	}
	if s.cfg.JWTSecret == "" && !isLoopbackAddr(addr) {
		s.log.Warn("api listening on non-loopback addr without auth", logx.String("addr", ln.Addr().String()))
	}

	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.ln, s.srv, s.sup = ln, srv, sup

	sup.Go("http.serve", func(c context.Context) error {
		err := srv.Serve(ln)
		if err == nil || errors.Is(err, http.ErrServerClosed) || c.Err() != nil {
			return nil
		}
		return err
	})
	if s.limiter != nil {
		sup.Go0("ratelimit.gc", s.limiter.gcLoop)
	}
	s.log.Info("api started", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.JWTSecret != ""), logx.Bool("throttle", s.limiter != nil))
	return nil
}

// Stop shuts the server down gracefully, then forcibly once ctx expires.
// Open event streams are closed by the supervisor cancel.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	sup.Cancel()
	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	if werr := sup.Wait(ctx); werr != nil && err == nil {
		err = werr
	}
	s.log.Info("api stopped")
	return err
}

// streamCtx is canceled when the server stops; hijacked websocket
// connections are not tracked by http.Server.Shutdown.
func (s *Server) streamCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup == nil {
		return context.Background()
	}
	return s.sup.Context()
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
