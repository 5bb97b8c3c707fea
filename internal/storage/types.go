package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("channel not found")
	ErrConflict = errors.New("channel already exists")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite" (default): SQLite database file
//   - "file": JSON file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Channel is one watch-list record. Name is the channel's public handle;
// names are unique, compared case-insensitively.
type Channel struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Disabled  bool      `json:"isDisabled"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type ListOptions struct {
	// EnabledOnly skips disabled records.
	EnabledOnly bool
}

// Store is the watch-list persistence API. List returns records ordered by id.
type Store interface {
	List(ctx context.Context, opt ListOptions) ([]Channel, error)
	Get(ctx context.Context, id int64) (Channel, error)
	GetByName(ctx context.Context, name string) (Channel, error)
	// Create assigns ID and timestamps. A taken name yields ErrConflict.
	Create(ctx context.Context, ch Channel) (Channel, error)
	// Update rewrites Name and Disabled of the record with ch.ID.
	Update(ctx context.Context, ch Channel) (Channel, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}
