package manager

import (
	"sync"
	"sync/atomic"

	"github.com/paseo-ai/paseo/internal/agent/registry"
	"github.com/paseo-ai/paseo/internal/timeline"
)

// EventType discriminates manager events delivered to subscribers.
type EventType string

const (
	EventAgentUpsert  EventType = "agent_upsert"
	EventAgentRemoved EventType = "agent_removed"
	EventAgentStream  EventType = "agent_stream"
)

// StreamEvent is one canonical timeline event together with the item it
// produced (nil when the event was filtered or a duplicate).
type StreamEvent struct {
	Event timeline.Event `json:"event"`
	Item  *timeline.Item `json:"item,omitempty"`
}

// Event is one manager notification.
type Event struct {
	Type     EventType          `json:"type"`
	AgentID  string             `json:"agentId"`
	Snapshot *registry.Snapshot `json:"snapshot,omitempty"`
	Stream   *StreamEvent       `json:"stream,omitempty"`
}

// Filter scopes a subscription to one agent or to all agents.
type Filter struct {
	AgentID string
	All     bool
}

func (f Filter) matches(agentID string) bool {
	return f.All || f.AgentID == agentID
}

// Subscription is a bounded event channel. When the subscriber falls behind
// and the queue overflows, events are dropped and the subscription is marked
// lagged; the consumer must resync from the latest snapshots.
type Subscription struct {
	filter Filter
	ch     chan Event
	lagged atomic.Bool

	closeOnce sync.Once
	cancel    func(*Subscription)
}

// Events returns the subscription channel. It closes on Unsubscribe or
// manager shutdown.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Lagged reports whether events were dropped since the last ClearLagged.
func (s *Subscription) Lagged() bool { return s.lagged.Load() }

// ClearLagged acknowledges a resync.
func (s *Subscription) ClearLagged() { s.lagged.Store(false) }

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel(s)
		}
		close(s.ch)
	})
}

// deliver enqueues without blocking; overflow marks the subscription lagged.
func (s *Subscription) deliver(ev Event) {
	select {
	case s.ch <- ev:
	default:
		s.lagged.Store(true)
	}
}
