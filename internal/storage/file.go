package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"chanrelay/pkg/logx"
)

// fileStore keeps the watch list in memory and rewrites one JSON document
// (tmp file + rename) after every change.
type fileStore struct {
	log  logx.Logger
	path string

	mu     sync.Mutex
	nextID int64
	byID   map[int64]Channel
	closed bool
}

type fileDoc struct {
	NextID   int64     `json:"next_id"`
	Channels []Channel `json:"channels"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	s := &fileStore{log: log, path: path, nextID: 1, byID: map[int64]Channel{}}

	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case len(strings.TrimSpace(string(b))) > 0:
		var doc fileDoc
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, err
		}
		for _, ch := range doc.Channels {
			s.byID[ch.ID] = ch
			if ch.ID >= s.nextID {
				s.nextID = ch.ID + 1
			}
		}
		if doc.NextID > s.nextID {
			s.nextID = doc.NextID
		}
	}
	log.Debug("file store opened", logx.String("path", path), logx.Int("channels", len(s.byID)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) sortedLocked() []Channel {
	out := make([]Channel, 0, len(s.byID))
	for _, ch := range s.byID {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *fileStore) findByNameLocked(name string) (Channel, bool) {
	key := nameKey(name)
	for _, ch := range s.byID {
		if nameKey(ch.Name) == key {
			return ch, true
		}
	}
	return Channel{}, false
}

func (s *fileStore) persistLocked() error {
	b, err := json.MarshalIndent(fileDoc{NextID: s.nextID, Channels: s.sortedLocked()}, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) List(_ context.Context, opt ListOptions) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedLocked()
	if !opt.EnabledOnly {
		return all, nil
	}
	out := all[:0]
	for _, ch := range all {
		if !ch.Disabled {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *fileStore) Get(_ context.Context, id int64) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.byID[id]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return ch, nil
}

func (s *fileStore) GetByName(_ context.Context, name string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.findByNameLocked(name)
	if !ok {
		return Channel{}, ErrNotFound
	}
	return ch, nil
}

func (s *fileStore) Create(_ context.Context, ch Channel) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Channel{}, errors.New("file store closed")
	}
	ch.Name = strings.TrimSpace(ch.Name)
	if _, taken := s.findByNameLocked(ch.Name); taken {
		return Channel{}, ErrConflict
	}
	now := time.Now().UTC()
	ch.ID = s.nextID
	ch.CreatedAt, ch.UpdatedAt = now, now
	s.nextID++
	s.byID[ch.ID] = ch
	if err := s.persistLocked(); err != nil {
		delete(s.byID, ch.ID)
		return Channel{}, err
	}
	return ch, nil
}

func (s *fileStore) Update(_ context.Context, ch Channel) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Channel{}, errors.New("file store closed")
	}
	prev, ok := s.byID[ch.ID]
	if !ok {
		return Channel{}, ErrNotFound
	}
	ch.Name = strings.TrimSpace(ch.Name)
	if other, taken := s.findByNameLocked(ch.Name); taken && other.ID != ch.ID {
		return Channel{}, ErrConflict
	}
	next := prev
	next.Name = ch.Name
	next.Disabled = ch.Disabled
	next.UpdatedAt = time.Now().UTC()
	s.byID[ch.ID] = next
	if err := s.persistLocked(); err != nil {
		s.byID[ch.ID] = prev
		return Channel{}, err
	}
	return next, nil
}

func (s *fileStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("file store closed")
	}
	prev, ok := s.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.byID, id)
	if err := s.persistLocked(); err != nil {
		s.byID[id] = prev
		return err
	}
	return nil
}
