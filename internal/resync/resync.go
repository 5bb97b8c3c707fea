// Package resync periodically re-applies the stored watch list to the relay,
// so out-of-band store edits and handles that failed to resolve earlier
// converge without a restart.
package resync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"chanrelay/pkg/logx"
)

const DefaultSchedule = "@every 10m"

type Config struct {
	// Schedule is a cron spec or a bare duration ("15m"). Empty means
	// DefaultSchedule; "off" disables resync.
	Schedule string
	Timezone string
	// Timeout bounds one run; 0 means one minute.
	Timeout time.Duration
}

func (c Config) disabled() bool {
	s := strings.ToLower(strings.TrimSpace(c.Schedule))
	return s == "off" || s == "disabled" || s == "none"
}

// Source lists the handles that should be watched.
type Source interface {
	EnabledHandles(ctx context.Context) ([]string, error)
}

// Target replaces the live watch list.
type Target interface {
	Reload(ctx context.Context, handles []string) error
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate reports whether cfg would schedule.
func Validate(cfg Config) error {
	if cfg.disabled() {
		return nil
	}
	if _, err := schedule(cfg.Schedule); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("resync.timezone: %w", err)
		}
	}
	return nil
}

func schedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = DefaultSchedule
	}
	if !strings.HasPrefix(spec, "@") && !strings.ContainsAny(spec, " \t") {
		d, err := time.ParseDuration(spec)
		if err != nil {
			return nil, fmt.Errorf("resync.schedule: %w", err)
		}
		if d < time.Second {
			return nil, fmt.Errorf("resync.schedule: interval %s too short", d)
		}
		return cron.Every(d), nil
	}
	s, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("resync.schedule: %w", err)
	}
	return s, nil
}

type Service struct {
	src Source
	dst Target
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
	ctx context.Context

	runMu   sync.Mutex
	lastRun time.Time
	lastErr error
}

func New(cfg Config, src Source, dst Target, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, src: src, dst: dst, log: log}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx = ctx
	return s.startLocked()
}

func (s *Service) startLocked() error {
	if s.cfg.disabled() {
		s.log.Info("resync disabled")
		return nil
	}
	sched, err := schedule(s.cfg.Schedule)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		if loc, err = time.LoadLocation(tz); err != nil {
			return fmt.Errorf("resync.timezone: %w", err)
		}
	}
	s.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	ctx := s.ctx
	s.c.Schedule(sched, cron.FuncJob(func() { _ = s.Run(ctx) }))
	s.c.Start()
	s.log.Info("resync started", logx.String("schedule", strings.TrimSpace(s.cfg.Schedule)), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("resync stopped")
}

// Apply reschedules when the schedule or timezone changed.
func (s *Service) Apply(cfg Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.c != nil
	if s.ctx == nil || (prev.Schedule == cfg.Schedule && prev.Timezone == cfg.Timezone && running == !cfg.disabled()) {
		s.mu.Unlock()
		return nil
	}
	old := s.c
	s.c = nil
	s.mu.Unlock()

	// a running job needs mu, so wait for it unlocked
	if old != nil {
		<-old.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || s.ctx.Err() != nil {
		return nil
	}
	return s.startLocked()
}

// Run performs one resync now.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	timeout := s.cfg.Timeout
	s.mu.Unlock()
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	handles, err := s.src.EnabledHandles(ctx)
	if err == nil {
		err = s.dst.Reload(ctx, handles)
	}

	s.runMu.Lock()
	s.lastRun, s.lastErr = start, err
	s.runMu.Unlock()

	if err != nil {
		s.log.Warn("resync failed", logx.Err(err))
		return err
	}
	s.log.Debug("resync done", logx.Int("handles", len(handles)), logx.Duration("took", time.Since(start)))
	return nil
}

// Last returns the time and outcome of the latest run.
func (s *Service) Last() (time.Time, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.lastRun, s.lastErr
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
