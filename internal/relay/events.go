package relay

import "time"

// Event bus types published by the relay.
const (
	EventForwarded     = "relay.forwarded"
	EventForwardFailed = "relay.forward_failed"
	EventDropped       = "relay.dropped"
	EventReloaded      = "relay.reloaded"
)

type ForwardEvent struct {
	Source     string    `json:"source"`
	MessageIDs []int     `json:"message_ids"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}

type DropEvent struct {
	ChatID int64  `json:"chat_id"`
	Count  int    `json:"count"`
	Reason string `json:"reason"`
}

type ReloadEvent struct {
	Handles []string `json:"handles"`
	Skipped []string `json:"skipped,omitempty"`
}
