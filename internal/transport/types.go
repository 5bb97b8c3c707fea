package transport

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Resolve when a handle does not exist on the platform.
var ErrNotFound = errors.New("chat not found")

type ChatKind string

const (
	KindChannel ChatKind = "channel"
	KindGroup   ChatKind = "group"
	KindPrivate ChatKind = "private"
	KindOther   ChatKind = "other"
)

// Chat is a resolved platform chat.
type Chat struct {
	ID       int64
	Username string // public handle without "@"
	Title    string
	Kind     ChatKind
}

// Event is one inbound channel post notification.
//
// GroupID links the messages of one album (text + media delivered separately).
// Zero means the message is not part of a group.
type Event struct {
	ChatID    int64
	MessageID int
	GroupID   int64
}

func (e Event) Grouped() bool { return e.GroupID != 0 }

// EventHandler receives events for one subscription. Calls for the same chat
// arrive in delivery order.
type EventHandler func(Event)

// Subscription identifies an active event subscription.
type Subscription struct {
	ID uint64
}

func (s Subscription) Active() bool { return s.ID != 0 }

// ForwardRequest copies or forwards an ordered set of messages from one
// chat to another.
type ForwardRequest struct {
	From       string // source handle
	FromChatID int64
	MessageIDs []int
	To         string // destination: "@handle" or numeric chat id
	DropAuthor bool
	Silent     bool
}

// Client is the platform surface the relay depends on.
type Client interface {
	Resolve(ctx context.Context, handle string) (Chat, error)

	// Subscribe registers h for posts in chats. It does not replace an
	// existing subscription; callers Unsubscribe the previous one first.
	// After Unsubscribe returns, h is never called again.
	Subscribe(ctx context.Context, chats []Chat, h EventHandler) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error

	Forward(ctx context.Context, req ForwardRequest) error
	SendText(ctx context.Context, target, text string) error
}
