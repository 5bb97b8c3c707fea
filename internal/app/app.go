package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"chanrelay/internal/admin"
	"chanrelay/internal/channels"
	"chanrelay/internal/config"
	"chanrelay/internal/eventbus"
	"chanrelay/internal/relay"
	"chanrelay/internal/resync"
	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport"
	telegram "chanrelay/internal/transport/telegram/adapter"
	"chanrelay/pkg/logx"
)

// Client is the transport the app drives: the relay's platform surface plus
// a polling lifecycle.
type Client interface {
	transport.Client
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Option func(*options)

type options struct {
	client Client
}

// WithClient replaces the Telegram adapter.
func WithClient(c Client) Option {
	return func(o *options) { o.client = c }
}

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client   Client
	relay    *relay.Relay
	channels *channels.Service
	admin    *admin.Server
	resync   *resync.Service
}

func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, err
	}

	// Logging comes up before the adapter so the adapter logs through it;
	// alerts are delivered once the adapter is attached.
	alerts := &alertSender{}
	logSvc, log := logx.New(mapLogConfig(cfg), alerts)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	client := o.client
	if client == nil {
		tc, err := mapTelegramConfig(cfg)
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		ad, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
		if err != nil {
			_ = logSvc.Close()
			return nil, err
		}
		client = ad
	}
	alerts.set(client)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	rc, err := mapRelayConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	ac, err := mapAdminConfig(cfg)
	if err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()
	rl := relay.New(rc, client, log.With(logx.String("comp", "relay")), bus)
	chans := channels.NewService(store, client, rl, log.With(logx.String("comp", "channels")))

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		store:    store,
		client:   client,
		relay:    rl,
		channels: chans,
		resync:   resync.New(mapResyncConfig(cfg), chans, rl, log.With(logx.String("comp", "resync"))),
	}
	api := admin.NewAPI(chans, a.status, log.With(logx.String("comp", "admin")))
	a.admin = admin.NewServer(ac, api, log.With(logx.String("comp", "admin")))
	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Relay exposes the relay for status reporting.
func (a *App) Relay() *relay.Relay { return a.relay }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// The relay outlives the app context so forwards still in flight at
	// shutdown finish inside Stop's deadline.
	if err := a.relay.Start(context.WithoutCancel(runCtx)); err != nil {
		return err
	}

	// Subscribe before polling; posts fetched with no subscription are
	// acknowledged and lost.
	handles, err := a.channels.EnabledHandles(runCtx)
	if err != nil {
		return fmt.Errorf("load watch list: %w", err)
	}
	if err := a.relay.Reload(runCtx, handles); err != nil {
		// resync retries on its schedule
		a.log.Warn("initial subscribe failed", logx.Int("channels", len(handles)), logx.Err(err))
	}
	if err := a.client.Start(runCtx); err != nil {
		return err
	}

	a.admin.Start(runCtx)
	if err := a.resync.Start(runCtx); err != nil {
		return err
	}

	events, unsub := a.bus.Subscribe(128, "relay.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.logEvent(e)
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// coalesce bursts
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Int("channels", len(handles)))
	return nil
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "telegram":
			a.log.Warn("telegram config changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(newCfg))

	// validate already ran these mappings; errors here would be a bug
	if rc, err := mapRelayConfig(newCfg); err != nil {
		a.log.Warn("invalid relay config; keeping previous", logx.Err(err))
	} else {
		a.relay.Apply(rc)
	}
	if ac, err := mapAdminConfig(newCfg); err != nil {
		a.log.Warn("invalid admin config; keeping previous", logx.Err(err))
	} else {
		a.admin.Reconfigure(ctx, ac)
	}
	if err := a.resync.Apply(mapResyncConfig(newCfg)); err != nil {
		a.log.Warn("invalid resync config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) logEvent(e eventbus.Event) {
	switch d := e.Data.(type) {
	case relay.ForwardEvent:
		fields := []logx.Field{logx.String("type", e.Type), logx.String("source", d.Source), logx.Ints("message_ids", d.MessageIDs)}
		if d.Error != "" {
			fields = append(fields, logx.String("err", d.Error))
		}
		a.log.Debug("event", fields...)
	case relay.DropEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.Int64("chat_id", d.ChatID), logx.Int("count", d.Count), logx.String("reason", d.Reason))
	case relay.ReloadEvent:
		a.log.Debug("event", logx.String("type", e.Type), logx.Strings("handles", d.Handles), logx.Strings("skipped", d.Skipped))
	default:
		a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	}
}

type statusView struct {
	Relay  relay.Status `json:"relay"`
	Resync resyncStatus `json:"resync"`

	// events lost by slow bus subscribers
	EventsDropped uint64 `json:"events_dropped"`
}

type resyncStatus struct {
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

func (a *App) status() any {
	at, err := a.resync.Last()
	rs := resyncStatus{LastRun: at}
	if err != nil {
		rs.LastError = err.Error()
	}
	return statusView{Relay: a.relay.Status(), Resync: rs, EventsDropped: a.bus.Dropped()}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	if reason == "" {
		reason = StopUnknown
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	a.sup.Cancel()

	// Each step gets an upper bound so one component can't stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("admin", time.Second, func(c context.Context) error { a.admin.Stop(c); return nil })
	step("resync", 2*time.Second, func(c context.Context) error { a.resync.Stop(c); return nil })
	// before the adapter: the final flush still forwards
	step("relay", 5*time.Second, a.relay.Stop)
	step("adapter", 2*time.Second, a.client.Stop)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// alertSender forwards log alerts to the client once it exists.
type alertSender struct {
	mu sync.RWMutex
	c  logx.AlertSender
}

func (s *alertSender) set(c logx.AlertSender) {
	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
}

func (s *alertSender) SendText(ctx context.Context, target, text string) error {
	s.mu.RLock()
	c := s.c
	s.mu.RUnlock()
	if c == nil {
		return errors.New("alert sender not ready")
	}
	return c.SendText(ctx, target, text)
}
