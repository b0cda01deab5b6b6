// Package manager owns the set of live agents. It serializes per-agent
// mutations through a mailbox goroutine, drives the provider sessions, and
// fans canonical events out to subscribers and the event bus.
package manager

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/paseo-ai/paseo/internal/agent/registry"
	"github.com/paseo-ai/paseo/internal/common/config"
	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/events/bus"
	"github.com/paseo-ai/paseo/internal/provider"
	"github.com/paseo-ai/paseo/internal/timeline"
)

var worktreeNameRe = regexp.MustCompile(`^[a-z0-9](-?[a-z0-9])*$`)

// CreateConfig describes a new agent.
type CreateConfig struct {
	Provider     string         `json:"provider"`
	Cwd          string         `json:"cwd"`
	ModeID       string         `json:"modeId,omitempty"`
	Model        string         `json:"model,omitempty"`
	Title        string         `json:"title,omitempty"`
	WorktreeName string         `json:"worktreeName,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// MessageInput is a user message for an agent.
type MessageInput struct {
	Text            string   `json:"text"`
	Images          []string `json:"images,omitempty"`
	ClientMessageID string   `json:"clientMessageId,omitempty"`
}

// Manager owns the live agents and their subscriptions.
type Manager struct {
	cfg       config.AgentConfig
	providers *provider.Registry
	store     *registry.Store
	bus       bus.EventBus
	logger    *logger.Logger

	mu     sync.RWMutex
	agents map[string]*agentRuntime
	subs   map[*Subscription]struct{}
	closed bool
}

// New creates an agent manager.
func New(cfg config.AgentConfig, providers *provider.Registry, store *registry.Store, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		providers: providers,
		store:     store,
		bus:       eventBus,
		logger:    log.WithFields(zap.String("component", "agent_manager")),
		agents:    make(map[string]*agentRuntime),
		subs:      make(map[*Subscription]struct{}),
	}
}

// Providers returns the supported provider names.
func (m *Manager) Providers() []string {
	return m.providers.Names()
}

// CreateAgent validates the config, records the agent as initializing, and
// returns immediately; provider startup proceeds asynchronously.
func (m *Manager) CreateAgent(ctx context.Context, cfg CreateConfig) (*registry.Snapshot, error) {
	adapter, err := m.providers.Get(cfg.Provider)
	if err != nil {
		return nil, err
	}
	if err := validateCwd(cfg.Cwd); err != nil {
		return nil, err
	}
	if cfg.WorktreeName != "" {
		if len(cfg.WorktreeName) > 100 || !worktreeNameRe.MatchString(cfg.WorktreeName) {
			return nil, fmt.Errorf("invalid worktree name %q", cfg.WorktreeName)
		}
	}

	snap := registry.Snapshot{
		ID:           uuid.New().String(),
		Provider:     cfg.Provider,
		Status:       registry.StatusInitializing,
		Title:        cfg.Title,
		Cwd:          cfg.Cwd,
		WorktreeName: cfg.WorktreeName,
		Model:        cfg.Model,
		ModeID:       cfg.ModeID,
		Handle:       provider.Handle{Provider: cfg.Provider, Cwd: cfg.Cwd, Model: cfg.Model},
	}
	rt, err := m.addAgent(snap)
	if err != nil {
		return nil, err
	}

	rt.startProvider(adapter, provider.StartConfig{
		AgentID: snap.ID,
		Cwd:     cfg.Cwd,
		Model:   cfg.Model,
		ModeID:  cfg.ModeID,
		Extra:   cfg.Extra,
	}, nil, provider.Overrides{})

	out := snap
	return &out, nil
}

// ResumeOverrides adjust a resumed agent.
type ResumeOverrides struct {
	Cwd   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`
	Title string `json:"title,omitempty"`
}

// ResumeAgent reattaches to a persisted provider session.
func (m *Manager) ResumeAgent(ctx context.Context, handle provider.Handle, ov ResumeOverrides, preferredID string) (*registry.Snapshot, error) {
	adapter, err := m.providers.Get(handle.Provider)
	if err != nil {
		return nil, err
	}
	if handle.SessionID == "" {
		return nil, fmt.Errorf("persistence handle has no session id")
	}

	id := preferredID
	if id != "" {
		m.mu.RLock()
		_, taken := m.agents[id]
		m.mu.RUnlock()
		if taken {
			id = ""
		}
	}
	if id == "" {
		id = uuid.New().String()
	}

	cwd := handle.Cwd
	if ov.Cwd != "" {
		cwd = ov.Cwd
	}
	model := handle.Model
	if ov.Model != "" {
		model = ov.Model
	}

	snap := registry.Snapshot{
		ID:       id,
		Provider: handle.Provider,
		Status:   registry.StatusInitializing,
		Title:    ov.Title,
		Cwd:      cwd,
		Model:    model,
		Handle:   handle,
	}
	rt, err := m.addAgent(snap)
	if err != nil {
		return nil, err
	}

	m.hydrate(rt, id)

	rt.startProvider(adapter, provider.StartConfig{}, &handle, provider.Overrides{
		Cwd:   ov.Cwd,
		Model: ov.Model,
	})

	out := snap
	return &out, nil
}

// hydrate replays the persisted event log into the runtime's reducer.
func (m *Manager) hydrate(rt *agentRuntime, agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stored, err := m.store.Events(ctx, agentID)
	if err != nil {
		m.logger.Warn("failed to load event log", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	rt.do(func() {
		for _, ev := range stored {
			rt.reducer.Apply(ev.Event, ev.TS)
		}
	})
}

func (m *Manager) addAgent(snap registry.Snapshot) (*agentRuntime, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent manager is shut down")
	}
	if _, exists := m.agents[snap.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("agent id %s already in use", snap.ID)
	}
	rt := newAgentRuntime(m, snap)
	m.agents[snap.ID] = rt
	m.mu.Unlock()

	rt.do(rt.saveAndPublish)
	return rt, nil
}

func (m *Manager) dropAgent(id string) {
	m.mu.Lock()
	delete(m.agents, id)
	m.mu.Unlock()
}

func (m *Manager) agent(id string) (*agentRuntime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", id)
	}
	return rt, nil
}

// SendMessage enqueues a user message. Duplicate client message ids are
// idempotent.
func (m *Manager) SendMessage(agentID string, in MessageInput) error {
	rt, err := m.agent(agentID)
	if err != nil {
		return err
	}
	if !rt.do(func() { rt.onSend(in) }) {
		return fmt.Errorf("agent not found: %s", agentID)
	}
	return nil
}

// CancelAgent interrupts a running turn. Cancel while idle is a no-op.
func (m *Manager) CancelAgent(agentID string) error {
	rt, err := m.agent(agentID)
	if err != nil {
		return err
	}
	rt.do(rt.onCancel)
	return nil
}

// DeleteAgent cancels, closes the subprocess, removes the registry record,
// and emits agent_removed.
func (m *Manager) DeleteAgent(agentID string) error {
	rt, err := m.agent(agentID)
	if err != nil {
		return err
	}
	rt.do(func() { rt.close(true) })
	return nil
}

// GetAgent returns the live snapshot of one agent.
func (m *Manager) GetAgent(agentID string) (*registry.Snapshot, error) {
	rt, err := m.agent(agentID)
	if err != nil {
		return nil, err
	}
	snap, ok := rt.view()
	if !ok {
		return nil, fmt.Errorf("agent not found: %s", agentID)
	}
	return &snap, nil
}

// ListAgents returns the live agents' snapshots.
func (m *Manager) ListAgents() []*registry.Snapshot {
	m.mu.RLock()
	runtimes := make([]*agentRuntime, 0, len(m.agents))
	for _, rt := range m.agents {
		runtimes = append(runtimes, rt)
	}
	m.mu.RUnlock()

	out := make([]*registry.Snapshot, 0, len(runtimes))
	for _, rt := range runtimes {
		if snap, ok := rt.view(); ok {
			s := snap
			out = append(out, &s)
		}
	}
	return out
}

// Timeline returns an agent's current timeline items.
func (m *Manager) Timeline(agentID string) ([]*timeline.Item, error) {
	rt, err := m.agent(agentID)
	if err != nil {
		return nil, err
	}
	return rt.timelineItems(), nil
}

// ListPersistedOptions filter ListPersistedAgents.
type ListPersistedOptions struct {
	Provider string `json:"provider,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// ListPersistedAgents returns provider sessions that are resumable but not
// currently live.
func (m *Manager) ListPersistedAgents(ctx context.Context, opts ListPersistedOptions) ([]provider.PersistedSession, error) {
	names := m.providers.Names()
	if opts.Provider != "" {
		if !m.providers.Has(opts.Provider) {
			return nil, fmt.Errorf("unsupported provider %q", opts.Provider)
		}
		names = []string{opts.Provider}
	}

	live := make(map[string]struct{})
	for _, snap := range m.ListAgents() {
		if snap.Handle.SessionID != "" {
			live[snap.Provider+"|"+snap.Handle.SessionID] = struct{}{}
		}
	}

	var out []provider.PersistedSession
	for _, name := range names {
		adapter, err := m.providers.Get(name)
		if err != nil {
			continue
		}
		sessions, err := adapter.ListPersisted(ctx, provider.ListOptions{Limit: opts.Limit})
		if err != nil {
			m.logger.Warn("failed to list persisted sessions",
				zap.String("provider", name), zap.Error(err))
			continue
		}
		for _, sess := range sessions {
			if _, isLive := live[name+"|"+sess.SessionID]; isLive {
				continue
			}
			out = append(out, sess)
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// SubscriberQueueSize is the configured per-subscriber buffer size; the
// gateway sizes client send buffers from it.
func (m *Manager) SubscriberQueueSize() int {
	return m.cfg.SubscriberQueueSize
}

// Subscribe registers an event subscription. The caller should send current
// snapshots before consuming to avoid a gap.
func (m *Manager) Subscribe(filter Filter) *Subscription {
	sub := &Subscription{
		filter: filter,
		ch:     make(chan Event, m.cfg.SubscriberQueueSize),
	}
	sub.cancel = func(s *Subscription) {
		m.mu.Lock()
		delete(m.subs, s)
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return sub
}

// publish fans an event out to matching subscribers and mirrors it on the
// event bus.
func (m *Manager) publish(ev Event) {
	m.mu.RLock()
	for sub := range m.subs {
		if sub.filter.matches(ev.AgentID) {
			sub.deliver(ev)
		}
	}
	m.mu.RUnlock()

	if m.bus != nil {
		subject := busSubject(ev)
		data := map[string]any{"type": string(ev.Type)}
		if ev.Snapshot != nil {
			data["status"] = string(ev.Snapshot.Status)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := m.bus.Publish(ctx, subject, bus.NewEvent(string(ev.Type), ev.AgentID, data)); err != nil {
			m.logger.Debug("event bus publish failed", zap.Error(err))
		}
		cancel()
	}
}

func busSubject(ev Event) string {
	switch ev.Type {
	case EventAgentStream:
		return fmt.Sprintf(bus.SubjectAgentStream, ev.AgentID)
	case EventAgentRemoved:
		return bus.SubjectAgentRemoved
	default:
		return fmt.Sprintf(bus.SubjectAgentState, ev.AgentID)
	}
}

// Shutdown cancels all agents, waits up to the drain timeout, then forces
// termination.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runtimes := make([]*agentRuntime, 0, len(m.agents))
	for _, rt := range m.agents {
		runtimes = append(runtimes, rt)
	}
	m.mu.Unlock()

	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.DrainTimeoutDuration())
	defer cancel()

	g, _ := errgroup.WithContext(drainCtx)
	for _, rt := range runtimes {
		rt := rt
		g.Go(func() error {
			// Cancel the current turn, let the agent settle within the drain
			// window, then tear the session down. Force-close on expiry.
			rt.do(rt.onCancel)
			rt.waitSettled(drainCtx)
			rt.do(func() { rt.close(false) })
			select {
			case <-rt.stopped:
			case <-ctx.Done():
			}
			return nil
		})
	}
	_ = g.Wait()

	// Close remaining subscriptions.
	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func validateCwd(cwd string) error {
	if cwd == "" {
		return fmt.Errorf("cwd is required")
	}
	info, err := os.Stat(cwd)
	if err != nil {
		return fmt.Errorf("cwd %s: %w", cwd, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("cwd %s is not a directory", cwd)
	}
	return nil
}
