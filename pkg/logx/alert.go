package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	alertQueueSize  = 128
	alertMaxLen     = 3500
	alertMaxField   = 600
	alertSendBudget = 10 * time.Second
)

// AlertSender delivers a rendered log line to a chat.
// The Telegram adapter satisfies it.
type AlertSender interface {
	SendText(ctx context.Context, target, text string) error
}

// alertSink is a zerolog.LevelWriter that queues rendered events for an
// AlertSender. Writes never block: a full queue or an empty token bucket
// drops the event.
type alertSink struct {
	sender AlertSender
	queue  chan string

	mu      sync.Mutex
	target  string
	min     zerolog.Level
	limiter *rate.Limiter

	startOnce sync.Once
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func newAlertSink(sender AlertSender) *alertSink {
	return &alertSink{
		sender: sender,
		queue:  make(chan string, alertQueueSize),
		min:    zerolog.WarnLevel,
	}
}

// configure updates target, threshold and rate, and starts the delivery
// goroutine the first time alerts are enabled.
func (a *alertSink) configure(cfg AlertConfig) {
	burst := max(1, cfg.RatePerSec)

	a.mu.Lock()
	a.target = strings.TrimSpace(cfg.Target)
	a.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	a.limiter = rate.NewLimiter(rate.Limit(burst), burst)
	a.mu.Unlock()

	if !cfg.Enabled || a.sender == nil {
		return
	}
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.mu.Lock()
		a.cancel = cancel
		a.mu.Unlock()
		a.wg.Add(1)
		go a.run(ctx)
	})
}

func (a *alertSink) close() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
}

func (a *alertSink) Write(p []byte) (int, error) {
	return a.WriteLevel(zerolog.InfoLevel, p)
}

func (a *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	a.mu.Lock()
	target, lim, minLevel := a.target, a.limiter, a.min
	a.mu.Unlock()

	if a.sender == nil || target == "" || level < minLevel {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}
	if msg := formatAlert(p); msg != "" {
		select {
		case a.queue <- msg:
		default:
		}
	}
	return len(p), nil
}

func (a *alertSink) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		var msg string
		select {
		case <-ctx.Done():
			return
		case msg = <-a.queue:
		}

		a.mu.Lock()
		target := a.target
		a.mu.Unlock()
		if target == "" {
			continue
		}
		sctx, cancel := context.WithTimeout(ctx, alertSendBudget)
		_ = a.sender.SendText(sctx, target, msg)
		cancel()
	}
}

// formatAlert renders one zerolog JSON line as "[LEVEL] message" followed by
// "- key=value" lines in key order. Non-JSON input is passed through trimmed.
func formatAlert(p []byte) string {
	raw := bytes.TrimSpace(p)
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return clip(string(raw), alertMaxLen)
	}

	var b strings.Builder
	if lvl, _ := m[zerolog.LevelFieldName].(string); lvl != "" {
		fmt.Fprintf(&b, "[%s] ", strings.ToUpper(lvl))
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	b.WriteString(msg)

	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.MessageFieldName)
	delete(m, zerolog.TimestampFieldName)
	for _, k := range slices.Sorted(maps.Keys(m)) {
		fmt.Fprintf(&b, "\n- %s=%s", k, clip(fmt.Sprint(m[k]), alertMaxField))
	}
	return clip(b.String(), alertMaxLen)
}

func clip(s string, n int) string {
	switch {
	case n <= 0 || len(s) <= n:
		return s
	case n < 10:
		return s[:n]
	}
	return s[:n-3] + "..."
}
