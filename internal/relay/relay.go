package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chanrelay/internal/eventbus"
	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/internal/transport"
	"chanrelay/pkg/logx"
)

const (
	DefaultQuietInterval = 5 * time.Second

	restoreTimeout = 10 * time.Second
)

var ErrStopped = errors.New("relay stopped")

type Config struct {
	Destination string
	// QuietInterval is how long the relay waits after the last event before
	// flushing buffered album parts.
	QuietInterval  time.Duration
	DropAuthor     bool
	Silent         bool
	ForwardTimeout time.Duration
}

func (c Config) publishOptions() PublishOptions {
	return PublishOptions{
		Destination: c.Destination,
		DropAuthor:  c.DropAuthor,
		Silent:      c.Silent,
		Timeout:     c.ForwardTimeout,
	}
}

// Status is a point-in-time view for health output.
type Status struct {
	Running    bool      `json:"running"`
	Subscribed bool      `json:"subscribed"`
	Watching   []string  `json:"watching"`
	Pending    int       `json:"pending"`
	FlushAt    time.Time `json:"flush_at,omitempty"`
}

// Relay watches source channels and forwards their posts to one destination.
//
// Ungrouped posts go out as soon as they arrive. Album parts are buffered and
// flushed together once the event stream has been quiet for QuietInterval.
// The watch list is swapped wholesale by Reload, AddChannels and
// RemoveChannels; each swap is a full unsubscribe/subscribe cycle.
type Relay struct {
	client transport.Client
	log    logx.Logger
	bus    eventbus.Bus

	pub *Publisher
	buf PendingBuffer
	deb *Debouncer

	// mu guards the watch state. Event handling holds it only to read the
	// channel set and append to the buffer.
	mu       sync.Mutex
	channels *ChannelSet
	sub      transport.Subscription
	subGen   uint64
	nextGen  uint64

	// reloadMu serializes watch-list mutations.
	reloadMu sync.Mutex

	runMu   sync.Mutex
	sup     *rtsup.Supervisor
	running atomic.Bool
}

func New(cfg Config, client transport.Client, log logx.Logger, bus eventbus.Bus) *Relay {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QuietInterval <= 0 {
		cfg.QuietInterval = DefaultQuietInterval
	}
	r := &Relay{
		client: client,
		log:    log,
		bus:    bus,
		pub:    NewPublisher(client, cfg.publishOptions(), log.With(logx.String("comp", "relay.publish")), bus),
	}
	r.deb = NewDebouncer(cfg.QuietInterval, r.onQuiet)
	return r
}

// Apply updates destination, forwarding options and quiet interval in place.
func (r *Relay) Apply(cfg Config) {
	r.pub.Apply(cfg.publishOptions())
	r.deb.SetInterval(cfg.QuietInterval)
}

func (r *Relay) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.running.Load() {
		return nil
	}
	if r.sup != nil {
		// Stopped relays stay stopped; the debouncer can't be revived.
		return ErrStopped
	}
	r.sup = rtsup.New(ctx,
		rtsup.WithLogger(r.log),
		// a failed forward must never take the relay down
		rtsup.WithCancelOnError(false),
	)
	r.running.Store(true)
	r.log.Info("relay started", logx.String("destination", r.pub.Options().Destination))
	return nil
}

// Stop unsubscribes, flushes whatever is buffered and waits for in-flight
// forwards until ctx is done.
func (r *Relay) Stop(ctx context.Context) error {
	r.runMu.Lock()
	if !r.running.Load() {
		r.runMu.Unlock()
		return nil
	}
	r.running.Store(false)
	sup := r.sup
	r.runMu.Unlock()

	r.mu.Lock()
	sub := r.sub
	r.sub = transport.Subscription{}
	r.subGen = 0
	r.mu.Unlock()
	if sub.Active() {
		if err := r.client.Unsubscribe(ctx, sub); err != nil {
			r.log.Warn("unsubscribe on stop failed", logx.Err(err))
		}
	}

	r.deb.Stop()
	r.flush(ctx)

	err := sup.Wait(ctx)
	sup.Cancel()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		r.log.Warn("relay stop timed out waiting for forwards", logx.Err(err))
		return err
	}
	r.log.Info("relay stopped")
	return nil
}

func (r *Relay) Channels() *ChannelSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels
}

func (r *Relay) Status() Status {
	r.mu.Lock()
	st := Status{
		Running:    r.running.Load(),
		Subscribed: r.sub.Active(),
		Watching:   r.channels.Handles(),
	}
	r.mu.Unlock()
	st.Pending = r.buf.Len()
	if at, ok := r.deb.Deadline(); ok {
		st.FlushAt = at
	}
	return st
}

// ---- event routing ----

func (r *Relay) handlerFor(gen uint64) transport.EventHandler {
	return func(ev transport.Event) { r.handleEvent(gen, ev) }
}

func (r *Relay) handleEvent(gen uint64, ev transport.Event) {
	if !r.running.Load() {
		return
	}

	r.mu.Lock()
	if gen != r.subGen {
		r.mu.Unlock()
		r.log.Debug("event from superseded subscription dropped", logx.Int64("chat_id", ev.ChatID), logx.Int("message_id", ev.MessageID))
		return
	}
	src, known := r.channels.Lookup(ev.ChatID)
	if ev.Grouped() {
		r.buf.Append(PendingEntry{ChatID: ev.ChatID, Event: ev})
	}
	r.mu.Unlock()

	if !ev.Grouped() {
		if known {
			posts := Group(src, []transport.Event{ev})
			r.spawn("forward", func(ctx context.Context) { r.publish(ctx, posts) })
		} else {
			r.drop(ev.ChatID, 1, "unwatched")
		}
	}

	// Re-armed for every event, grouped or not.
	r.deb.Trigger()
}

func (r *Relay) onQuiet() {
	r.spawn("flush", r.flush)
}

func (r *Relay) spawn(name string, fn func(ctx context.Context)) {
	r.runMu.Lock()
	sup := r.sup
	r.runMu.Unlock()
	if sup == nil {
		return
	}
	sup.Go0(name, fn)
}

// Flush forwards everything buffered right now instead of waiting for the
// quiet interval.
func (r *Relay) Flush(ctx context.Context) { r.flush(ctx) }

func (r *Relay) flush(ctx context.Context) {
	entries := r.buf.Drain()
	if len(entries) == 0 {
		return
	}

	// Resolve sources now: a channel removed since its events arrived no
	// longer has a handle, and its entries are discarded.
	set := r.Channels()
	var (
		order    []Channel
		bySource = map[int64][]transport.Event{}
		dropped  = map[int64]int{}
	)
	for _, e := range entries {
		src, ok := set.Lookup(e.ChatID)
		if !ok {
			dropped[e.ChatID]++
			continue
		}
		if _, seen := bySource[src.ID]; !seen {
			order = append(order, src)
		}
		bySource[src.ID] = append(bySource[src.ID], e.Event)
	}
	for chatID, n := range dropped {
		r.drop(chatID, n, "removed before flush")
	}

	r.log.Debug("flushing buffered posts", logx.Int("entries", len(entries)), logx.Int("sources", len(order)))
	for _, src := range order {
		r.publish(ctx, Group(src, bySource[src.ID]))
	}
}

func (r *Relay) publish(ctx context.Context, posts []Post) {
	if err := r.pub.Publish(ctx, posts); err != nil {
		if errors.Is(err, ErrNoDestination) {
			r.log.Error("posts not forwarded", logx.Int("posts", len(posts)), logx.Err(err))
			return
		}
		// Per-post failures were already logged by the publisher.
		r.log.Debug("publish finished with failures", logx.Err(err))
	}
}

func (r *Relay) drop(chatID int64, n int, reason string) {
	r.log.Debug("events dropped", logx.Int64("chat_id", chatID), logx.Int("count", n), logx.String("reason", reason))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventDropped, Data: DropEvent{ChatID: chatID, Count: n, Reason: reason}})
	}
}

// ---- watch-list lifecycle ----

// Reload replaces the watch list with handles. Handles are resolved before
// the current subscription is touched; ones that don't resolve to a channel
// are skipped. Events arriving between unsubscribe and subscribe are lost.
// If subscribing fails the previous watch list is restored.
func (r *Relay) Reload(ctx context.Context, handles []string) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	return r.reloadLocked(ctx, handles)
}

// AddChannels watches handles in addition to the current list.
func (r *Relay) AddChannels(ctx context.Context, handles []string) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	return r.reloadLocked(ctx, mergeHandles(r.Channels().Handles(), handles))
}

// RemoveChannels stops watching handles.
func (r *Relay) RemoveChannels(ctx context.Context, handles []string) error {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()
	return r.reloadLocked(ctx, subtractHandles(r.Channels().Handles(), handles))
}

func (r *Relay) reloadLocked(ctx context.Context, handles []string) error {
	r.mu.Lock()
	prevSet, prevSub := r.channels, r.sub
	r.mu.Unlock()

	next, skipped, err := r.resolve(ctx, handles, prevSet)
	if err != nil {
		return err
	}

	if prevSub.Active() {
		if err := r.client.Unsubscribe(ctx, prevSub); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
	}

	if err := r.subscribe(ctx, next); err != nil {
		r.log.Error("subscribe failed; restoring previous watch list", logx.Strings("handles", next.Handles()), logx.Err(err))
		// the caller's ctx may be what failed the subscribe
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		rbErr := r.subscribe(rctx, prevSet)
		cancel()
		if rbErr != nil {
			r.log.Error("restoring previous watch list failed", logx.Err(rbErr))
			r.install(nil, transport.Subscription{}, 0)
			return errors.Join(fmt.Errorf("subscribe: %w", err), fmt.Errorf("restore: %w", rbErr))
		}
		return fmt.Errorf("subscribe: %w", err)
	}

	r.log.Info("watch list reloaded", logx.Strings("handles", next.Handles()), logx.Strings("skipped", skipped))
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Type: EventReloaded, Data: ReloadEvent{Handles: next.Handles(), Skipped: skipped}})
	}
	return nil
}

// subscribe installs set and, if non-empty, a subscription delivering to it.
func (r *Relay) subscribe(ctx context.Context, set *ChannelSet) error {
	r.mu.Lock()
	r.nextGen++
	gen := r.nextGen
	r.mu.Unlock()

	// The set goes live before the subscription so the first event finds it.
	r.install(set, transport.Subscription{}, gen)
	if set.Len() == 0 {
		return nil
	}
	sub, err := r.client.Subscribe(ctx, set.chats(), r.handlerFor(gen))
	if err != nil {
		r.install(nil, transport.Subscription{}, 0)
		return err
	}
	r.mu.Lock()
	if r.subGen == gen {
		r.sub = sub
	}
	r.mu.Unlock()
	return nil
}

func (r *Relay) install(set *ChannelSet, sub transport.Subscription, gen uint64) {
	r.mu.Lock()
	r.channels = set
	r.sub = sub
	r.subGen = gen
	r.mu.Unlock()
}

// resolve maps handles to channels. Handles that don't exist or aren't
// channels are skipped. Any other resolve failure keeps the channel from cur
// when it is already watched and fails the reload otherwise, so a transient
// API error never unwatches a live channel.
func (r *Relay) resolve(ctx context.Context, handles []string, cur *ChannelSet) (*ChannelSet, []string, error) {
	var (
		chans   []Channel
		skipped []string
		seen    = map[string]struct{}{}
	)
	for _, h := range handles {
		key := HandleKey(h)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		chat, err := r.client.Resolve(ctx, NormalizeHandle(h))
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case errors.Is(err, transport.ErrNotFound):
			r.log.Warn("watched handle did not resolve; skipping", logx.String("handle", h), logx.Err(err))
			skipped = append(skipped, NormalizeHandle(h))
			continue
		default:
			if ch, ok := cur.Get(h); ok {
				r.log.Warn("resolve failed; keeping watched channel", logx.String("handle", h), logx.Err(err))
				chans = append(chans, ch)
				continue
			}
			return nil, nil, fmt.Errorf("resolve %s: %w", NormalizeHandle(h), err)
		}
		if chat.Kind != transport.KindChannel {
			r.log.Warn("watched handle is not a channel; skipping", logx.String("handle", h), logx.String("kind", string(chat.Kind)))
			skipped = append(skipped, NormalizeHandle(h))
			continue
		}
		handle := chat.Username
		if handle == "" {
			handle = NormalizeHandle(h)
		}
		chans = append(chans, Channel{ID: chat.ID, Handle: handle, Title: chat.Title})
	}
	return NewChannelSet(chans), skipped, nil
}
