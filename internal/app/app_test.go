package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chanrelay/internal/admin"
	"chanrelay/internal/config"
	"chanrelay/internal/relay"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport"
	"chanrelay/pkg/logx"
)

type fakeClient struct {
	mu       sync.Mutex
	chats    map[string]transport.Chat
	handlers map[uint64]transport.EventHandler
	watched  map[uint64][]transport.Chat
	nextSub  uint64
	started  bool
	calls    []string

	forwards chan transport.ForwardRequest
}

func newFakeClient(handles map[string]int64) *fakeClient {
	f := &fakeClient{
		chats:    map[string]transport.Chat{},
		handlers: map[uint64]transport.EventHandler{},
		watched:  map[uint64][]transport.Chat{},
		forwards: make(chan transport.ForwardRequest, 64),
	}
	for h, id := range handles {
		f.chats[h] = transport.Chat{ID: id, Username: h, Kind: transport.KindChannel}
	}
	return f
}

func (f *fakeClient) Start(context.Context) error {
	f.mu.Lock()
	f.started = true
	f.calls = append(f.calls, "start")
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Stop(context.Context) error {
	f.mu.Lock()
	f.started = false
	f.mu.Unlock()
	return nil
}

func (f *fakeClient) Resolve(_ context.Context, handle string) (transport.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.chats[strings.ToLower(strings.TrimPrefix(handle, "@"))]
	if !ok {
		return transport.Chat{}, transport.ErrNotFound
	}
	return c, nil
}

func (f *fakeClient) Subscribe(_ context.Context, chats []transport.Chat, h transport.EventHandler) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "subscribe")
	f.nextSub++
	f.handlers[f.nextSub] = h
	f.watched[f.nextSub] = chats
	return transport.Subscription{ID: f.nextSub}, nil
}

func (f *fakeClient) Unsubscribe(_ context.Context, sub transport.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, sub.ID)
	delete(f.watched, sub.ID)
	return nil
}

func (f *fakeClient) Forward(_ context.Context, req transport.ForwardRequest) error {
	f.forwards <- req
	return nil
}

func (f *fakeClient) SendText(context.Context, string, string) error { return nil }

func (f *fakeClient) emit(ev transport.Event) {
	f.mu.Lock()
	hs := make([]transport.EventHandler, 0, len(f.handlers))
	for _, h := range f.handlers {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeClient) watching() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, chats := range f.watched {
		for _, c := range chats {
			out = append(out, c.Username)
		}
	}
	return out
}

func writeConfig(t *testing.T, path, destination, storePath string) {
	t.Helper()
	body := `{
  "telegram": {"token": "test-token"},
  "relay": {"destination": "` + destination + `", "quiet_interval": "50ms"},
  "admin": {"enabled": false},
  "storage": {"driver": "file", "path": "` + filepath.ToSlash(storePath) + `"},
  "resync": {"schedule": "off"},
  "logging": {"level": "error"}
}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func seedStore(t *testing.T, path string, chs ...storage.Channel) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: storage.DriverFile, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	for _, ch := range chs {
		if _, err := st.Create(context.Background(), ch); err != nil {
			t.Fatalf("seed %s: %v", ch.Name, err)
		}
	}
}

func startApp(t *testing.T, f *fakeClient) (*App, string) {
	t.Helper()
	dir := t.TempDir()
	storePath := filepath.Join(dir, "channels.json")
	seedStore(t, storePath,
		storage.Channel{Name: "news"},
		storage.Channel{Name: "archive", Disabled: true},
	)
	cfgPath := filepath.Join(dir, "config.json")
	writeConfig(t, cfgPath, "@dest", storePath)

	a, err := New(cfgPath, WithClient(f))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return a, cfgPath
}

func stopApp(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSignal); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartWatchesEnabledChannels(t *testing.T) {
	f := newFakeClient(map[string]int64{"news": -1001, "archive": -1002})
	a, _ := startApp(t, f)

	if got := f.watching(); len(got) != 1 || got[0] != "news" {
		t.Fatalf("watching %v, want [news]", got)
	}
	f.mu.Lock()
	calls := append([]string(nil), f.calls...)
	f.mu.Unlock()
	if len(calls) < 2 || calls[0] != "subscribe" || calls[1] != "start" {
		t.Fatalf("client calls %v, want subscribe before start", calls)
	}

	f.emit(transport.Event{ChatID: -1001, MessageID: 7})
	select {
	case req := <-f.forwards:
		if req.To != "@dest" || req.FromChatID != -1001 || len(req.MessageIDs) != 1 || req.MessageIDs[0] != 7 {
			t.Fatalf("unexpected forward %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("post not forwarded")
	}

	stopApp(t, a)
	if got := f.watching(); len(got) != 0 {
		t.Fatalf("still watching after stop: %v", got)
	}
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if started {
		t.Fatal("client not stopped")
	}
}

func TestStopFlushesBufferedAlbum(t *testing.T) {
	f := newFakeClient(map[string]int64{"news": -1001})
	a, _ := startApp(t, f)

	// a long quiet interval keeps the album buffered until Stop
	a.relay.Apply(relay.Config{Destination: "@dest", QuietInterval: time.Hour, DropAuthor: true})

	f.emit(transport.Event{ChatID: -1001, MessageID: 1, GroupID: 9})
	f.emit(transport.Event{ChatID: -1001, MessageID: 2, GroupID: 9})
	stopApp(t, a)

	select {
	case req := <-f.forwards:
		if len(req.MessageIDs) != 2 {
			t.Fatalf("forwarded %v, want both album parts", req.MessageIDs)
		}
	default:
		t.Fatal("album not flushed on stop")
	}
}

func TestHotReloadChangesDestination(t *testing.T) {
	f := newFakeClient(map[string]int64{"news": -1001})
	a, cfgPath := startApp(t, f)
	defer stopApp(t, a)

	storePath := filepath.Join(filepath.Dir(cfgPath), "channels.json")
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, cfgPath, "@other", storePath)

	deadline := time.After(5 * time.Second)
	for id := 1; ; id++ {
		f.emit(transport.Event{ChatID: -1001, MessageID: id})
		select {
		case req := <-f.forwards:
			if req.To == "@other" {
				return
			}
		case <-deadline:
			t.Fatal("destination change never applied")
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	writeConfig(t, cfgPath, "", filepath.Join(dir, "channels.json"))
	if _, err := New(cfgPath, WithClient(newFakeClient(nil))); err == nil {
		t.Fatal("expected error for missing destination")
	}
}

func TestMapAdminConfigDefaults(t *testing.T) {
	ac, err := mapAdminConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if !ac.Enabled || ac.Addr != admin.DefaultAddr || ac.CORSOrigin != "*" {
		t.Fatalf("defaults = %+v", ac)
	}

	off, origin := false, ""
	ac, err = mapAdminConfig(&config.Config{Admin: config.AdminConfig{Enabled: &off, CORSOrigin: &origin}})
	if err != nil {
		t.Fatal(err)
	}
	if ac.Enabled || ac.CORSOrigin != "" {
		t.Fatalf("explicit values ignored: %+v", ac)
	}
}

func TestMapRelayConfigDefaults(t *testing.T) {
	rc, err := mapRelayConfig(&config.Config{Relay: config.RelayConfig{Destination: " @dest "}})
	if err != nil {
		t.Fatal(err)
	}
	if rc.Destination != "@dest" || !rc.DropAuthor || rc.QuietInterval != 5*time.Second || rc.ForwardTimeout != 30*time.Second {
		t.Fatalf("defaults = %+v", rc)
	}
}
