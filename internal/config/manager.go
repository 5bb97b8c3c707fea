package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"chanrelay/pkg/logx"
)

// EnvVars lists the environment variables that override config fields.
var EnvVars = []string{
	"TELEGRAM_BOT_TOKEN",
	"PRIMARY_CHANNEL",
	"DATABASE_CLIENT",
	"DATABASE_PATH",
	"ADMIN_ADDR",
	"ADMIN_TOKEN",
}

// Manager holds the committed config and fans validated reloads out to
// subscribers.
type Manager struct {
	path string

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
	lookupEnv func(string) (string, bool)

	mu     sync.RWMutex
	cfg    *Config
	digest uint64

	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

// NewManager reads path on Load. An empty path means environment only.
func NewManager(path string) *Manager {
	return &Manager{
		path:      strings.TrimSpace(path),
		log:       logx.Nop(),
		lookupEnv: os.LookupEnv,
		subs:      map[chan *Config]struct{}{},
	}
}

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator installs a hook run by Load and by every file reload before
// the new config is committed.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

func (m *Manager) Path() string { return m.path }

// Parse reads the file (if any), decodes it strictly and applies env
// overrides. Nothing is committed.
func (m *Manager) Parse() (*Config, error) {
	cfg := new(Config)
	if m.path != "" {
		raw, err := os.ReadFile(m.path)
		if err != nil {
			return nil, err
		}
		if err := decode(m.path, raw, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", m.path, err)
		}
	}
	if err := overlayEnv(cfg, m.lookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode converts raw to JSON by extension and rejects unknown keys and
// trailing data.
func decode(path string, raw []byte, out *Config) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	jb, _, err := coerceToJSONBytes(path, raw)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	switch err := dec.Decode(&struct{}{}); {
	case errors.Is(err, io.EOF):
		return nil
	case err == nil:
		return errors.New("invalid config: trailing data")
	default:
		return err
	}
}

// overlayEnv applies the variables in EnvVars that are set; unset ones keep
// the file value.
func overlayEnv(cfg *Config, lookup func(string) (string, bool)) error {
	set := make(map[string]string, len(EnvVars))
	for _, k := range EnvVars {
		if v, ok := lookup(k); ok {
			set[k] = v
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: set}); err != nil {
		return fmt.Errorf("env: %w", err)
	}
	return nil
}

// Load parses, validates and commits the config.
func (m *Manager) Load(ctx context.Context) (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := m.validate(ctx, cfg); err != nil {
		return nil, err
	}
	m.Commit(cfg)
	return cfg, nil
}

func (m *Manager) validate(ctx context.Context, cfg *Config) error {
	if m.validator == nil {
		return nil
	}
	return m.validator(ctx, cfg)
}

func (m *Manager) Commit(cfg *Config) {
	d := digest(cfg)
	m.mu.Lock()
	m.cfg, m.digest = cfg, d
	m.mu.Unlock()
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// digest fingerprints the decoded config so editor save bursts that leave
// the content unchanged are not republished. Zero means unknown.
func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

// Unsubscribe closes ch. Unknown channels are ignored.
func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; !ok {
		return
	}
	delete(m.subs, ch)
	close(ch)
}

// publish hands cfg to every subscriber. A full subscriber loses its oldest
// pending config; only the newest one matters.
func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		if offer(ch, cfg) {
			continue
		}
		select {
		case <-ch:
		default:
		}
		if !offer(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

func offer(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload re-reads the file and publishes it when the content changed and
// the validator accepts it.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	d := digest(cfg)
	m.mu.RLock()
	same := d != 0 && d == m.digest
	m.mu.RUnlock()
	if same {
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
		return
	}

	vctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = m.validate(vctx, cfg)
	cancel()
	if err != nil {
		m.log.Warn("config rejected", logx.String("path", m.path), logx.Err(err))
		return
	}
	m.Commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("digest", fmt.Sprintf("%016x", d)))
}
