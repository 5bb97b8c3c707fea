package relay

import (
	"sync"

	"chanrelay/internal/transport"
)

// PendingEntry is a grouped event waiting for the next flush. The source
// handle is resolved at flush time, not here.
type PendingEntry struct {
	ChatID int64
	Event  transport.Event
}

// PendingBuffer accumulates grouped events between flushes.
// Entries leave only through Drain, all at once.
type PendingBuffer struct {
	mu      sync.Mutex
	entries []PendingEntry
}

func (b *PendingBuffer) Append(e PendingEntry) {
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
}

// Drain returns everything accumulated so far and leaves the buffer empty.
// Appends racing with the caller's processing land in the next cycle.
func (b *PendingBuffer) Drain() []PendingEntry {
	b.mu.Lock()
	out := b.entries
	b.entries = nil
	b.mu.Unlock()
	return out
}

func (b *PendingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
