package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"chanrelay/internal/eventbus"
	"chanrelay/internal/transport"
	"chanrelay/pkg/logx"
)

var ErrNoDestination = errors.New("relay destination not configured")

// PublishOptions controls how posts reach the destination.
type PublishOptions struct {
	Destination string
	DropAuthor  bool
	Silent      bool
	// Timeout bounds one forward request; 0 leaves it to the transport.
	Timeout time.Duration
}

// Publisher forwards logical posts to the destination channel.
type Publisher struct {
	client transport.Client
	log    logx.Logger
	bus    eventbus.Bus

	mu   sync.Mutex
	opts PublishOptions
}

func NewPublisher(client transport.Client, opts PublishOptions, log logx.Logger, bus eventbus.Bus) *Publisher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Publisher{client: client, opts: opts, log: log, bus: bus}
}

func (p *Publisher) Apply(opts PublishOptions) {
	p.mu.Lock()
	p.opts = opts
	p.mu.Unlock()
}

func (p *Publisher) Options() PublishOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

// Publish submits one forward request per post, all at once, and waits for
// every request to settle. A failed post never cancels its siblings; the
// failures come back joined.
func (p *Publisher) Publish(ctx context.Context, posts []Post) error {
	if len(posts) == 0 {
		return nil
	}
	opts := p.Options()
	if strings.TrimSpace(opts.Destination) == "" {
		return ErrNoDestination
	}

	errs := make([]error, len(posts))
	var wg sync.WaitGroup
	for i, post := range posts {
		if len(post.MessageIDs) == 0 {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.forward(ctx, opts, post)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Publisher) forward(ctx context.Context, opts PublishOptions, post Post) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	err := p.client.Forward(ctx, transport.ForwardRequest{
		From:       post.Source.Handle,
		FromChatID: post.Source.ID,
		MessageIDs: append([]int(nil), post.MessageIDs...),
		To:         opts.Destination,
		DropAuthor: opts.DropAuthor,
		Silent:     opts.Silent,
	})
	ev := ForwardEvent{Source: post.Source.Handle, MessageIDs: post.MessageIDs, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
		p.publishEvent(EventForwardFailed, ev)
		p.log.Warn("forward failed",
			logx.String("source", post.Source.Handle),
			logx.Ints("message_ids", post.MessageIDs),
			logx.Err(err),
		)
		return fmt.Errorf("forward %s %v: %w", post.Source.Handle, post.MessageIDs, err)
	}
	p.publishEvent(EventForwarded, ev)
	p.log.Debug("post forwarded",
		logx.String("source", post.Source.Handle),
		logx.Ints("message_ids", post.MessageIDs),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func (p *Publisher) publishEvent(typ string, data any) {
	if p.bus != nil {
		p.bus.Publish(eventbus.Event{Type: typ, Data: data})
	}
}
