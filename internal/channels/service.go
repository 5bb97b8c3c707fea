// Package channels manages the persisted watch list and keeps the live relay
// subscription in step with it.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chanrelay/internal/relay"
	"chanrelay/internal/storage"
	"chanrelay/internal/transport"
	"chanrelay/pkg/logx"
)

// ErrValidation marks bad input: empty names, missing ids, or names that are
// not public channels.
var ErrValidation = errors.New("validation failed")

// Resolver checks that a handle names a channel. Nil skips the check.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (transport.Chat, error)
}

// Watcher is the live relay's watch-list surface.
type Watcher interface {
	AddChannels(ctx context.Context, handles []string) error
	RemoveChannels(ctx context.Context, handles []string) error
}

type Service struct {
	store    storage.Store
	resolver Resolver
	watcher  Watcher
	log      logx.Logger
}

func NewService(store storage.Store, resolver Resolver, watcher Watcher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, resolver: resolver, watcher: watcher, log: log}
}

type CreateInput struct {
	Name     string `json:"name"`
	Disabled bool   `json:"isDisabled"`
}

type RemoveInput struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type UpdateInput struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Disabled bool   `json:"isDisabled"`
}

func (s *Service) List(ctx context.Context) ([]storage.Channel, error) {
	return s.store.List(ctx, storage.ListOptions{})
}

// EnabledHandles returns the names of every channel that should be watched.
func (s *Service) EnabledHandles(ctx context.Context) ([]string, error) {
	recs, err := s.store.List(ctx, storage.ListOptions{EnabledOnly: true})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.Name)
	}
	return out, nil
}

// Add stores a new channel and, unless it is disabled, starts watching it.
func (s *Service) Add(ctx context.Context, in CreateInput) ([]storage.Channel, error) {
	name, err := s.validateName(ctx, in.Name)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetByName(ctx, name); err == nil {
		return nil, fmt.Errorf("%w: Channel %s already exist", storage.ErrConflict, name)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	rec, err := s.store.Create(ctx, storage.Channel{Name: name, Disabled: in.Disabled})
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: Channel %s already exist", storage.ErrConflict, name)
		}
		return nil, err
	}
	s.log.Info("channel added", logx.Int64("id", rec.ID), logx.String("name", rec.Name), logx.Bool("disabled", rec.Disabled))
	if !rec.Disabled {
		s.watch(ctx, rec.Name)
	}
	return []storage.Channel{rec}, nil
}

// Remove deletes by id, or by name when id is zero, and returns what was
// deleted. Nothing matching is not an error.
func (s *Service) Remove(ctx context.Context, in RemoveInput) ([]storage.Channel, error) {
	name := relay.NormalizeHandle(in.Name)
	if in.ID == 0 && name == "" {
		return nil, fmt.Errorf("%w: Id or name should be specified", ErrValidation)
	}

	var (
		rec storage.Channel
		err error
	)
	if in.ID != 0 {
		rec, err = s.store.Get(ctx, in.ID)
	} else {
		rec, err = s.store.GetByName(ctx, name)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return []storage.Channel{}, nil
	}
	if err != nil {
		return nil, err
	}

	if err := s.store.Delete(ctx, rec.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return []storage.Channel{}, nil
		}
		return nil, err
	}
	s.log.Info("channel removed", logx.Int64("id", rec.ID), logx.String("name", rec.Name))
	s.unwatch(ctx, rec.Name)
	return []storage.Channel{rec}, nil
}

// Update rewrites a record and watches or unwatches it per its disabled flag.
func (s *Service) Update(ctx context.Context, in UpdateInput) (storage.Channel, error) {
	if in.ID == 0 {
		return storage.Channel{}, fmt.Errorf("%w: Id should be specified", ErrValidation)
	}
	name, err := s.validateName(ctx, in.Name)
	if err != nil {
		return storage.Channel{}, err
	}
	prev, err := s.store.Get(ctx, in.ID)
	if err != nil {
		return storage.Channel{}, err
	}
	rec, err := s.store.Update(ctx, storage.Channel{ID: in.ID, Name: name, Disabled: in.Disabled})
	if err != nil {
		return storage.Channel{}, err
	}
	s.log.Info("channel updated", logx.Int64("id", rec.ID), logx.String("name", rec.Name), logx.Bool("disabled", rec.Disabled))

	if relay.HandleKey(prev.Name) != relay.HandleKey(rec.Name) && !prev.Disabled {
		s.unwatch(ctx, prev.Name)
	}
	if rec.Disabled {
		s.unwatch(ctx, rec.Name)
	} else {
		s.watch(ctx, rec.Name)
	}
	return rec, nil
}

// SetDisabled flips the disabled flag of the channel called name.
func (s *Service) SetDisabled(ctx context.Context, name string, disabled bool) (storage.Channel, error) {
	rec, err := s.store.GetByName(ctx, relay.NormalizeHandle(name))
	if err != nil {
		return storage.Channel{}, err
	}
	return s.Update(ctx, UpdateInput{ID: rec.ID, Name: rec.Name, Disabled: disabled})
}

func (s *Service) validateName(ctx context.Context, raw string) (string, error) {
	name := relay.NormalizeHandle(raw)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", ErrValidation)
	}
	if strings.ContainsAny(name, " /?#") {
		return "", fmt.Errorf("%w: %q is not a channel handle", ErrValidation, name)
	}
	if s.resolver == nil {
		return name, nil
	}
	chat, err := s.resolver.Resolve(ctx, name)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		s.log.Debug("channel name did not resolve", logx.String("name", name), logx.Err(err))
		return "", fmt.Errorf("%w: %s is not a channel", ErrValidation, name)
	}
	if chat.Kind != transport.KindChannel {
		return "", fmt.Errorf("%w: %s is not a channel", ErrValidation, name)
	}
	return name, nil
}

// Watch-list changes are already committed when these run. A failed live
// update is logged and left to the periodic resync.
func (s *Service) watch(ctx context.Context, name string) {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.AddChannels(ctx, []string{name}); err != nil {
		s.log.Warn("watch channel failed", logx.String("name", name), logx.Err(err))
	}
}

func (s *Service) unwatch(ctx context.Context, name string) {
	if s.watcher == nil {
		return
	}
	if err := s.watcher.RemoveChannels(ctx, []string{name}); err != nil {
		s.log.Warn("unwatch channel failed", logx.String("name", name), logx.Err(err))
	}
}
