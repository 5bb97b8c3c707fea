// Package storage persists the watch list: the source channels the relay
// forwards from, with an enabled flag per channel.
//
// Two drivers exist:
//   - "sqlite": a SQLite database file (modernc.org/sqlite, no cgo)
//   - "file": a single JSON document rewritten atomically on every change
package storage
