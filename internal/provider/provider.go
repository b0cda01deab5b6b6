// Package provider defines the provider-neutral adapter contract and the
// canonicalization of provider-native tool events (the tool-call mapper).
// Adapters own the coding-agent subprocesses and translate their native
// protocols into canonical timeline events.
package provider

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/paseo-ai/paseo/internal/timeline"
)

// Handle identifies a resumable provider session. Once a session id has been
// observed non-empty it never changes for that agent.
type Handle struct {
	Provider  string         `json:"provider"`
	SessionID string         `json:"sessionId"`
	Cwd       string         `json:"cwd,omitempty"`
	Model     string         `json:"model,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// StartConfig describes a new provider session.
type StartConfig struct {
	AgentID string
	Cwd     string
	Model   string
	ModeID  string
	Extra   map[string]any
}

// Overrides adjust a resumed session.
type Overrides struct {
	Cwd   string
	Model string
}

// Message is a user prompt forwarded to the provider.
type Message struct {
	Text   string
	Images []string
}

// PersistedSession is a resumable session known to a provider but not
// currently live.
type PersistedSession struct {
	SessionID      string    `json:"sessionId"`
	Cwd            string    `json:"cwd,omitempty"`
	Title          string    `json:"title,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Handle         Handle    `json:"handle"`
}

// ListOptions filter a ListPersisted call.
type ListOptions struct {
	Limit int
}

// Event is one element of a session's event stream. Exactly one concern is
// set: a timeline event, a session-id observation, a turn boundary, or a
// terminal stream error.
type Event struct {
	Timeline      *timeline.Event
	SessionID     string
	TurnCompleted bool
	Err           error
}

// Session is a live provider session. Events returns a single-consumer
// stream; the channel closes when the session ends.
type Session interface {
	Handle() Handle
	Events() <-chan Event
	Send(ctx context.Context, msg Message) error
	Cancel(ctx context.Context) error
	Close() error
}

// Adapter spawns and attaches provider sessions.
type Adapter interface {
	Name() string
	Start(ctx context.Context, cfg StartConfig) (Session, error)
	Resume(ctx context.Context, handle Handle, ov Overrides) (Session, error)
	ListPersisted(ctx context.Context, opts ListOptions) ([]PersistedSession, error)
}

// Registry holds the registered adapters keyed by provider name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("unsupported provider %q", name)
	}
	return a, nil
}

// Has reports whether a provider is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.adapters[name]
	return ok
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
