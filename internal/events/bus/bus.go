// Package bus provides the daemon-internal event bus. Agent state changes and
// stream events are published on subjects like "agent.<id>.stream"; the
// in-memory implementation is the default, NATS can mirror events to external
// consumers.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known subject templates.
const (
	SubjectAgentStream  = "agent.%s.stream" // per-agent timeline events
	SubjectAgentState   = "agent.%s.state"  // per-agent snapshot updates
	SubjectAgentRemoved = "agent.removed"
	SubjectAttention    = "attention.%s"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	AgentID   string         `json:"agentId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, agentID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		AgentID:   agentID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Returning an error is logged, not fatal.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus fans events out to subject subscribers.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
