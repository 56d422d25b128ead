// Package bus fans engine events out to connected UI clients. Delivery is
// best effort: a full queue or a slow client drops events, never blocks.
package bus

import "time"

// EventType names a bus event.
type EventType string

const (
	EventMessage        EventType = "message"
	EventEngineSnapshot EventType = "engine_snapshot"
	EventWalletSync     EventType = "wallet_sync"
	EventGroupMessage   EventType = "group_message"
	EventTypingStart    EventType = "typing_start"
	EventTypingStop     EventType = "typing_stop"
)

// Event is one notification.
type Event struct {
	Type    EventType `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`
	GroupID string    `json:"group_id,omitempty"`
	Payload any       `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher accepts events without acknowledgement.
type Publisher interface {
	Publish(evt Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event) {}
