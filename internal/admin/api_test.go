package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"chanrelay/internal/channels"
	"chanrelay/internal/storage"
	"chanrelay/pkg/logx"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: storage.DriverFile, Path: filepath.Join(t.TempDir(), "c.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	svc := channels.NewService(st, nil, nil, logx.Nop())
	return NewAPI(svc, func() any { return map[string]bool{"running": true} }, logx.Nop())
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, body string, hdr map[string]string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var env envelope
	if rr.Code != http.StatusNoContent {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("%s: decode body %q: %v", method, rr.Body.String(), err)
		}
	}
	return rr, env
}

func TestChannelsCRUD(t *testing.T) {
	h := newTestAPI(t).Handler("", "")

	rr, env := do(t, h, http.MethodPost, "/channels", `{"name":"@news"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("POST = %d %s", rr.Code, env.Error)
	}
	var created []storage.Channel
	_ = json.Unmarshal(env.Data, &created)
	if len(created) != 1 || created[0].Name != "news" {
		t.Fatalf("POST data = %s", env.Data)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}

	rr, env = do(t, h, http.MethodPost, "/channels", `{"name":"news"}`, nil)
	if rr.Code != http.StatusBadRequest || !strings.Contains(env.Error, "already exist") {
		t.Fatalf("duplicate POST = %d %q", rr.Code, env.Error)
	}

	rr, env = do(t, h, http.MethodPatch, "/channels", `{"id":`+strconv.FormatInt(created[0].ID, 10)+`,"name":"news","isDisabled":true}`, nil)
	var updated storage.Channel
	_ = json.Unmarshal(env.Data, &updated)
	if rr.Code != http.StatusOK || !updated.Disabled {
		t.Fatalf("PATCH = %d %s", rr.Code, env.Data)
	}

	rr, env = do(t, h, http.MethodPatch, "/channels", `{"id":999,"name":"news"}`, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("PATCH missing = %d %q", rr.Code, env.Error)
	}

	rr, env = do(t, h, http.MethodGet, "/channels", "", nil)
	var all []storage.Channel
	_ = json.Unmarshal(env.Data, &all)
	if rr.Code != http.StatusOK || len(all) != 1 {
		t.Fatalf("GET = %d %s", rr.Code, env.Data)
	}

	rr, env = do(t, h, http.MethodDelete, "/channels", `{}`, nil)
	if rr.Code != http.StatusBadRequest || !strings.Contains(env.Error, "Id or name") {
		t.Fatalf("DELETE without id = %d %q", rr.Code, env.Error)
	}
	rr, env = do(t, h, http.MethodDelete, "/channels", `{"name":"news"}`, nil)
	var deleted []storage.Channel
	_ = json.Unmarshal(env.Data, &deleted)
	if rr.Code != http.StatusOK || len(deleted) != 1 {
		t.Fatalf("DELETE = %d %s", rr.Code, env.Data)
	}

	rr, env = do(t, h, http.MethodPost, "/channels", `{"name":`, nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad JSON = %d %q", rr.Code, env.Error)
	}
}

func TestAuthAndCORS(t *testing.T) {
	h := newTestAPI(t).Handler("s3cret", "*")

	rr, _ := do(t, h, http.MethodGet, "/channels", "", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rr.Code)
	}
	if rr.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS header missing on error response")
	}
	rr, _ = do(t, h, http.MethodGet, "/channels", "", map[string]string{"Authorization": "Bearer s3cret"})
	if rr.Code != http.StatusOK {
		t.Fatalf("with token = %d", rr.Code)
	}

	rr, _ = do(t, h, http.MethodOptions, "/channels", "", map[string]string{"Access-Control-Request-Method": "POST", "Origin": "http://x"})
	if rr.Code != http.StatusNoContent || !strings.Contains(rr.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Fatalf("preflight = %d %v", rr.Code, rr.Header())
	}
}

func TestHealthz(t *testing.T) {
	h := newTestAPI(t).Handler("", "")
	rr, env := do(t, h, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "abc"})
	if rr.Code != http.StatusOK || !strings.Contains(string(env.Data), "running") {
		t.Fatalf("healthz = %d %s", rr.Code, env.Data)
	}
	if rr.Header().Get("X-Request-ID") != "abc" {
		t.Fatal("incoming request id not echoed")
	}
}

func TestServerLifecycle(t *testing.T) {
	s := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0"}, newTestAPI(t), logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Start(ctx)

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
		addr = s.Addr()
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	s.Reconfigure(ctx, Config{Enabled: false})
	if s.Addr() != "" {
		t.Fatal("server still bound after disable")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	for addr, want := range map[string]bool{
		"127.0.0.1:3009": true,
		"localhost:1":    true,
		"[::1]:1":        true,
		":3009":          false,
		"0.0.0.0:3009":   false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
