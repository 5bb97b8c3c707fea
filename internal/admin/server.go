// Package admin serves the HTTP API for managing the watch list.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/pkg/logx"
)

const DefaultAddr = "127.0.0.1:3009"

// Config controls the admin HTTP server. A non-loopback Addr needs Token or
// AllowInsecure.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	// CORSOrigin is sent as Access-Control-Allow-Origin; empty disables CORS.
	CORSOrigin string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server owns the listener. A failed Serve is retried with backoff until
// Stop.
type Server struct {
	api *API
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	cur *serving
}

// serving is one Start..Stop cycle.
type serving struct {
	sup *rtsup.Supervisor
	ln  net.Listener // guarded by Server.mu
}

func NewServer(cfg Config, api *API, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, api: api, log: log}
}

// Addr returns the bound address, or "" when not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil || s.cur.ln == nil {
		return ""
	}
	return s.cur.ln.Addr().String()
}

// Reconfigure applies cfg, starting, stopping or restarting the listener
// when needed.
func (s *Server) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.cur != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		s.Stop(ctx)
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.log.Info("admin config changed; restarting listener")
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Server) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil || !s.cfg.Enabled {
		return
	}
	cur := &serving{sup: rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))}
	s.cur = cur
	cur.sup.GoRestart("http.serve", func(c context.Context) error {
		return s.serveOnce(c, cur)
	}, 500*time.Millisecond, 10*time.Second)
}

// Stop shuts the listener down and waits for the serve loop until ctx is done.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	cur := s.cur
	s.cur = nil
	s.mu.Unlock()
	if cur == nil {
		return
	}
	cur.sup.Cancel()
	if err := cur.sup.Wait(ctx); errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("admin server stop timed out", logx.Err(err))
		return
	}
	s.log.Info("admin server stopped")
}

func (s *Server) serveOnce(ctx context.Context, cur *serving) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if cfg.Token == "" && !isLoopbackAddr(addr) {
		if !cfg.AllowInsecure {
			s.log.Error("admin server refused to start: non-loopback addr requires token or allow_insecure", logx.String("addr", addr))
			// nil ends the restart loop
			return nil
		}
		s.log.Warn("admin server running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error("admin listen failed", logx.String("addr", addr), logx.Err(err))
		return err
	}
	srv := &http.Server{
		Handler:      s.api.Handler(cfg.Token, cfg.CORSOrigin),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.mu.Lock()
	cur.ln = ln
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		cur.ln = nil
		s.mu.Unlock()
	}()

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
			return
		}
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			_ = srv.Close()
		}
	}()

	s.log.Info("admin server started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, http.ErrServerClosed) {
		err = errors.New("admin server closed unexpectedly")
	}
	s.log.Warn("admin server exited", logx.Err(err))
	return err
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
