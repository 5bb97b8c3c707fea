package resync

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"chanrelay/pkg/logx"
)

type staticSource struct {
	handles []string
	err     error
}

func (s staticSource) EnabledHandles(context.Context) ([]string, error) { return s.handles, s.err }

type recordingTarget struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *recordingTarget) Reload(_ context.Context, h []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, h)
	r.mu.Unlock()
	return nil
}

func (r *recordingTarget) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestValidate(t *testing.T) {
	for _, ok := range []string{"", "off", "@every 5m", "*/5 * * * *", "15m", "@hourly"} {
		if err := Validate(Config{Schedule: ok}); err != nil {
			t.Errorf("Validate(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"soon", "100ms", "* * *"} {
		if err := Validate(Config{Schedule: bad}); err == nil {
			t.Errorf("Validate(%q) accepted", bad)
		}
	}
	if err := Validate(Config{Timezone: "Mars/Olympus"}); err == nil {
		t.Error("bad timezone accepted")
	}
}

func TestRunReloadsTarget(t *testing.T) {
	dst := &recordingTarget{}
	s := New(Config{}, staticSource{handles: []string{"a", "b"}}, dst, logx.Nop())
	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(dst.calls) != 1 || !slices.Equal(dst.calls[0], []string{"a", "b"}) {
		t.Fatalf("calls = %v", dst.calls)
	}
	if at, err := s.Last(); at.IsZero() || err != nil {
		t.Fatalf("Last = %v, %v", at, err)
	}
}

func TestRunSourceErrorSkipsReload(t *testing.T) {
	dst := &recordingTarget{}
	boom := errors.New("db locked")
	s := New(Config{}, staticSource{err: boom}, dst, logx.Nop())
	if err := s.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}
	if dst.count() != 0 {
		t.Fatal("target reloaded despite source error")
	}
}

func TestScheduledRuns(t *testing.T) {
	dst := &recordingTarget{}
	s := New(Config{Schedule: "1s"}, staticSource{handles: []string{"a"}}, dst, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(context.Background())

	for dst.count() == 0 {
		if ctx.Err() != nil {
			t.Fatal("scheduled resync never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := s.Apply(Config{Schedule: "off"}); err != nil {
		t.Fatalf("Apply(off): %v", err)
	}
	s.mu.Lock()
	running := s.c != nil
	s.mu.Unlock()
	if running {
		t.Fatal("cron still running after disabling")
	}
}
