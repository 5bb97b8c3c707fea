package relay

import (
	"reflect"
	"testing"

	"chanrelay/internal/transport"
)

func TestNormalizeHandle(t *testing.T) {
	for in, want := range map[string]string{
		"news":               "news",
		" @news ":            "news",
		"https://t.me/News/": "News",
		"t.me/news":          "news",
		"":                   "",
		"@":                  "",
	} {
		if got := NormalizeHandle(in); got != want {
			t.Errorf("NormalizeHandle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChannelSetDedupesAndSorts(t *testing.T) {
	s := NewChannelSet([]Channel{
		{ID: 2, Handle: "Zeta"},
		{ID: 1, Handle: "alpha"},
		{ID: 3, Handle: "zeta"},
		{ID: 4, Handle: ""},
	})
	if got, want := s.Handles(), []string{"alpha", "Zeta"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Handles = %v, want %v", got, want)
	}
	if !s.Has("@ZETA") || s.Has("beta") {
		t.Fatal("Has is not case-insensitive or matches unknown handles")
	}
	if ch, ok := s.Lookup(2); !ok || ch.Handle != "Zeta" {
		t.Fatalf("Lookup(2) = %+v, %v", ch, ok)
	}
	if _, ok := s.Lookup(3); ok {
		t.Fatal("duplicate handle should not be registered")
	}
}

func TestNilChannelSetIsEmpty(t *testing.T) {
	var s *ChannelSet
	if s.Len() != 0 || s.Has("x") || s.Handles() != nil || s.Channels() != nil {
		t.Fatal("nil set should behave as empty")
	}
	if _, ok := s.Lookup(1); ok {
		t.Fatal("nil set Lookup should miss")
	}
}

func TestMergeThenSubtractRestores(t *testing.T) {
	current := []string{"a", "b"}
	merged := mergeHandles(current, []string{"@B", "c"})
	if want := []string{"a", "b", "c"}; !reflect.DeepEqual(merged, want) {
		t.Fatalf("merge = %v, want %v", merged, want)
	}
	if got := subtractHandles(merged, []string{"C"}); !reflect.DeepEqual(got, current) {
		t.Fatalf("subtract = %v, want %v", got, current)
	}
}

func TestBufferDrainEmpties(t *testing.T) {
	var b PendingBuffer
	b.Append(PendingEntry{ChatID: 1, Event: transport.Event{ChatID: 1, MessageID: 1, GroupID: 3}})
	b.Append(PendingEntry{ChatID: 2, Event: transport.Event{ChatID: 2, MessageID: 5, GroupID: 4}})
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}
	got := b.Drain()
	if len(got) != 2 || got[0].ChatID != 1 || got[1].ChatID != 2 {
		t.Fatalf("Drain = %+v", got)
	}
	if b.Len() != 0 || b.Drain() != nil {
		t.Fatal("buffer should be empty after drain")
	}
}
