package relay

import (
	"sort"
	"strings"

	"chanrelay/internal/transport"
)

// Channel is a watched source channel.
type Channel struct {
	ID     int64
	Handle string
	Title  string
}

// ChannelSet is an immutable registry of watched channels.
// It is replaced wholesale on every watch-list change; a nil set is empty.
type ChannelSet struct {
	byID   map[int64]Channel
	byKey  map[string]Channel
	sorted []Channel
}

func NewChannelSet(chs []Channel) *ChannelSet {
	s := &ChannelSet{
		byID:  make(map[int64]Channel, len(chs)),
		byKey: make(map[string]Channel, len(chs)),
	}
	for _, ch := range chs {
		key := HandleKey(ch.Handle)
		if key == "" {
			continue
		}
		if _, dup := s.byKey[key]; dup {
			continue
		}
		s.byID[ch.ID] = ch
		s.byKey[key] = ch
		s.sorted = append(s.sorted, ch)
	}
	sort.Slice(s.sorted, func(i, j int) bool {
		return HandleKey(s.sorted[i].Handle) < HandleKey(s.sorted[j].Handle)
	})
	return s
}

func (s *ChannelSet) Lookup(chatID int64) (Channel, bool) {
	if s == nil {
		return Channel{}, false
	}
	ch, ok := s.byID[chatID]
	return ch, ok
}

func (s *ChannelSet) Has(handle string) bool {
	_, ok := s.Get(handle)
	return ok
}

// Get returns the watched channel for handle, compared case-insensitively.
func (s *ChannelSet) Get(handle string) (Channel, bool) {
	if s == nil {
		return Channel{}, false
	}
	ch, ok := s.byKey[HandleKey(handle)]
	return ch, ok
}

func (s *ChannelSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.sorted)
}

// Channels returns the channels ordered by handle.
func (s *ChannelSet) Channels() []Channel {
	if s == nil {
		return nil
	}
	return append([]Channel(nil), s.sorted...)
}

// Handles returns the handles ordered case-insensitively.
func (s *ChannelSet) Handles() []string {
	if s == nil {
		return nil
	}
	out := make([]string, 0, len(s.sorted))
	for _, ch := range s.sorted {
		out = append(out, ch.Handle)
	}
	return out
}

func (s *ChannelSet) chats() []transport.Chat {
	if s == nil {
		return nil
	}
	out := make([]transport.Chat, 0, len(s.sorted))
	for _, ch := range s.sorted {
		out = append(out, transport.Chat{ID: ch.ID, Username: ch.Handle, Title: ch.Title, Kind: transport.KindChannel})
	}
	return out
}

// NormalizeHandle strips whitespace, a t.me link prefix and a leading "@".
func NormalizeHandle(h string) string {
	h = strings.TrimSpace(h)
	for _, p := range []string{"https://t.me/", "http://t.me/", "t.me/"} {
		if len(h) >= len(p) && strings.EqualFold(h[:len(p)], p) {
			h = h[len(p):]
			break
		}
	}
	h = strings.TrimPrefix(h, "@")
	return strings.TrimSuffix(h, "/")
}

// HandleKey is the comparison key for a handle; Telegram handles are case-insensitive.
func HandleKey(h string) string {
	return strings.ToLower(NormalizeHandle(h))
}

// mergeHandles returns current followed by the handles of add it doesn't
// already contain.
func mergeHandles(current, add []string) []string {
	seen := make(map[string]struct{}, len(current)+len(add))
	out := make([]string, 0, len(current)+len(add))
	for _, list := range [][]string{current, add} {
		for _, h := range list {
			key := HandleKey(h)
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, NormalizeHandle(h))
		}
	}
	return out
}

func subtractHandles(current, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, h := range remove {
		drop[HandleKey(h)] = struct{}{}
	}
	out := make([]string, 0, len(current))
	for _, h := range current {
		if _, ok := drop[HandleKey(h)]; ok {
			continue
		}
		out = append(out, h)
	}
	return out
}
