package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "chanrelay/internal/runtime/supervisor"
	"chanrelay/internal/transport"
	"chanrelay/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// APIURL overrides the Bot API endpoint, e.g. a local telegram-bot-api
	// server. Empty means api.telegram.org.
	APIURL string
	// Offline skips the getMe handshake; used by tests.
	Offline bool
}

type subscription struct {
	chats map[int64]struct{}
	h     transport.EventHandler
}

// Adapter is the Telegram Bot API implementation of transport.Client.
//
// Channel posts arrive through long polling and are dispatched to every
// subscription watching the post's chat. Handlers run synchronously on the
// poll goroutine, so posts of one chat reach them in delivery order.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot

	subMu   sync.RWMutex
	subs    map[uint64]subscription
	nextSub uint64

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	// unmatched counts channel posts no subscription wanted; reported periodically.
	unmatched  atomic.Uint64
	dispatched atomic.Uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{cfg: cfg, log: log, subs: map[uint64]subscription{}}
	b, err := tele.NewBot(tele.Settings{
		Token:       cfg.Token,
		URL:         strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Poller:      &tele.LongPoller{Timeout: timeout, AllowedUpdates: []string{"channel_post"}},
		Synchronous: true,
		Offline:     cfg.Offline,
		OnError: func(err error, _ tele.Context) {
			a.log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	a.bot = b
	b.Handle(tele.OnChannelPost, func(c tele.Context) error {
		a.dispatch(c.Update().ChannelPost)
		return nil
	})
	return a, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	sup.Go0("posts.report", func(c context.Context) {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				a.report()
				return
			case <-ticker.C:
				a.report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// Start blocks until Stop. If it returns while we're still running,
	// polling died on its own and gets restarted.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		if c.Err() != nil {
			return nil
		}
		return errors.New("poller exited")
	}, 500*time.Millisecond, 10*time.Second)

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates is still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (a *Adapter) report() {
	d := a.dispatched.Swap(0)
	u := a.unmatched.Swap(0)
	if d == 0 && u == 0 {
		return
	}
	a.log.Debug("channel posts", logx.Uint64("dispatched", d), logx.Uint64("unmatched", u))
}

func (a *Adapter) dispatch(m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	ev := transport.Event{ChatID: m.Chat.ID, MessageID: m.ID, GroupID: groupID(m.AlbumID)}

	a.subMu.RLock()
	defer a.subMu.RUnlock()
	matched := false
	for _, s := range a.subs {
		if _, ok := s.chats[ev.ChatID]; !ok {
			continue
		}
		matched = true
		s.h(ev)
	}
	if matched {
		a.dispatched.Add(1)
	} else {
		a.unmatched.Add(1)
	}
}

// groupID maps Telegram's media_group_id to a non-zero int64. The id is
// documented as a string; numeric ids are used as is, anything else is hashed.
func groupID(album string) int64 {
	album = strings.TrimSpace(album)
	if album == "" {
		return 0
	}
	if n, err := strconv.ParseInt(album, 10, 64); err == nil && n != 0 {
		return n
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(album))
	v := int64(h.Sum64() & (1<<63 - 1))
	if v == 0 {
		v = 1
	}
	return v
}

// ---- transport.Client ----

func (a *Adapter) Resolve(ctx context.Context, handle string) (transport.Chat, error) {
	if err := ctx.Err(); err != nil {
		return transport.Chat{}, err
	}
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return transport.Chat{}, transport.ErrNotFound
	}
	chat, err := a.bot.ChatByUsername("@" + handle)
	if err != nil {
		if isNotFound(err) {
			return transport.Chat{}, fmt.Errorf("%s: %w", handle, transport.ErrNotFound)
		}
		return transport.Chat{}, err
	}
	return chatFrom(chat), nil
}

func isNotFound(err error) bool {
	if errors.Is(err, tele.ErrChatNotFound) {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "chat not found") || strings.Contains(s, "username_not_occupied")
}

func chatFrom(c *tele.Chat) transport.Chat {
	out := transport.Chat{ID: c.ID, Username: c.Username, Title: c.Title}
	switch c.Type {
	case tele.ChatChannel, tele.ChatChannelPrivate:
		out.Kind = transport.KindChannel
	case tele.ChatGroup, tele.ChatSuperGroup:
		out.Kind = transport.KindGroup
	case tele.ChatPrivate:
		out.Kind = transport.KindPrivate
	default:
		out.Kind = transport.KindOther
	}
	return out
}

func (a *Adapter) Subscribe(ctx context.Context, chats []transport.Chat, h transport.EventHandler) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return transport.Subscription{}, err
	}
	if h == nil {
		return transport.Subscription{}, errors.New("nil event handler")
	}
	set := make(map[int64]struct{}, len(chats))
	for _, c := range chats {
		set[c.ID] = struct{}{}
	}
	a.subMu.Lock()
	a.nextSub++
	id := a.nextSub
	a.subs[id] = subscription{chats: set, h: h}
	a.subMu.Unlock()
	a.log.Debug("subscribed", logx.Uint64("sub", id), logx.Int("chats", len(set)))
	return transport.Subscription{ID: id}, nil
}

// Unsubscribe waits for an in-progress dispatch to finish, so the handler is
// never called after it returns.
func (a *Adapter) Unsubscribe(ctx context.Context, sub transport.Subscription) error {
	if !sub.Active() {
		return nil
	}
	a.subMu.Lock()
	delete(a.subs, sub.ID)
	a.subMu.Unlock()
	a.log.Debug("unsubscribed", logx.Uint64("sub", sub.ID))
	return nil
}

// Forward sends the messages as one copyMessages/forwardMessages call so
// albums stay albums. With DropAuthor the messages are copied, hiding the
// source attribution.
func (a *Adapter) Forward(ctx context.Context, req transport.ForwardRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(req.MessageIDs) == 0 {
		return nil
	}
	to, err := recipient(req.To)
	if err != nil {
		return err
	}
	method := "forwardMessages"
	if req.DropAuthor {
		method = "copyMessages"
	}
	params := forwardParams{
		ChatID:              to.Recipient(),
		FromChatID:          req.FromChatID,
		MessageIDs:          req.MessageIDs,
		DisableNotification: req.Silent,
	}

	done := make(chan error, 1)
	go func() {
		_, err := a.bot.Raw(method, params)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		return nil
	}
}

// forwardParams is the body shared by copyMessages and forwardMessages.
// MessageIDs must be strictly increasing.
type forwardParams struct {
	ChatID              string `json:"chat_id"`
	FromChatID          int64  `json:"from_chat_id"`
	MessageIDs          []int  `json:"message_ids"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

const telegramTextLimit = 4000

func (a *Adapter) SendText(ctx context.Context, target, text string) error {
	to, err := recipient(target)
	if err != nil {
		return err
	}
	for _, chunk := range splitTelegramText(text, telegramTextLimit) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := a.bot.Send(to, chunk, &tele.SendOptions{DisableWebPagePreview: true}); err != nil {
			return err
		}
	}
	return nil
}

type username string

func (u username) Recipient() string { return string(u) }

// recipient accepts a numeric chat id or a public handle with or without "@".
func recipient(target string) (tele.Recipient, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty telegram target")
	}
	if id, err := strconv.ParseInt(target, 10, 64); err == nil {
		return tele.ChatID(id), nil
	}
	return username("@" + strings.TrimPrefix(target, "@")), nil
}

// splitTelegramText splits long messages into chunks Telegram accepts,
// preferring newline boundaries.
func splitTelegramText(s string, limit int) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				// Avoid tiny chunks.
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
