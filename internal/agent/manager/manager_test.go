package manager

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-ai/paseo/internal/agent/registry"
	"github.com/paseo-ai/paseo/internal/common/config"
	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/provider"
	"github.com/paseo-ai/paseo/internal/timeline"
)

type fakeSession struct {
	handle provider.Handle
	events chan provider.Event

	mu      sync.Mutex
	sent    []provider.Message
	cancels int
	closed  bool
}

func newFakeSession(handle provider.Handle) *fakeSession {
	return &fakeSession{handle: handle, events: make(chan provider.Event, 64)}
}

func (s *fakeSession) Handle() provider.Handle       { return s.handle }
func (s *fakeSession) Events() <-chan provider.Event { return s.events }

func (s *fakeSession) Cancel(ctx context.Context) error {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Send(ctx context.Context, msg provider.Message) error {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSession) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSession) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeAdapter struct {
	name     string
	startErr error

	mu       sync.Mutex
	sessions []*fakeSession
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) Start(ctx context.Context, cfg provider.StartConfig) (provider.Session, error) {
	if a.startErr != nil {
		return nil, a.startErr
	}
	sess := newFakeSession(provider.Handle{Provider: a.name, Cwd: cfg.Cwd, Model: cfg.Model})
	a.mu.Lock()
	a.sessions = append(a.sessions, sess)
	a.mu.Unlock()
	return sess, nil
}

func (a *fakeAdapter) Resume(ctx context.Context, handle provider.Handle, ov provider.Overrides) (provider.Session, error) {
	if a.startErr != nil {
		return nil, a.startErr
	}
	sess := newFakeSession(handle)
	a.mu.Lock()
	a.sessions = append(a.sessions, sess)
	a.mu.Unlock()
	return sess, nil
}

func (a *fakeAdapter) ListPersisted(ctx context.Context, opts provider.ListOptions) ([]provider.PersistedSession, error) {
	return nil, nil
}

func (a *fakeAdapter) lastSession() *fakeSession {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return nil
	}
	return a.sessions[len(a.sessions)-1]
}

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		StartupTimeout:      5,
		CancelTimeout:       1,
		DrainTimeout:        3,
		AutoWakeWindow:      600,
		SubscriberQueueSize: 64,
	}
}

func newTestManager(t *testing.T, adapters ...provider.Adapter) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)

	store, err := registry.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	m := New(testAgentConfig(), provider.NewRegistry(adapters...), store, nil, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitForStatus(t *testing.T, m *Manager, agentID string, want registry.AgentStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := m.GetAgent(agentID)
		return err == nil && snap.Status == want
	}, 5*time.Second, 10*time.Millisecond, "agent %s never reached %s", agentID, want)
}

func TestCreateAgentBecomesIdle(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, registry.StatusInitializing, snap.Status)

	waitForStatus(t, m, snap.ID, registry.StatusIdle)
}

func TestCreateAgentValidation(t *testing.T) {
	m := newTestManager(t, &fakeAdapter{name: "fake"})
	cwd := t.TempDir()

	_, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "nope", Cwd: cwd})
	require.Error(t, err)

	_, err = m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: cwd + "/missing"})
	require.Error(t, err)

	_, err = m.CreateAgent(context.Background(), CreateConfig{
		Provider: "fake", Cwd: cwd, WorktreeName: "Bad_Name",
	})
	require.Error(t, err)

	_, err = m.CreateAgent(context.Background(), CreateConfig{
		Provider: "fake", Cwd: cwd, WorktreeName: "feature-branch-2",
	})
	require.NoError(t, err)
}

func TestSendMessageIdempotentByClientID(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	msg := MessageInput{Text: "hello", ClientMessageID: "cm-1"}
	require.NoError(t, m.SendMessage(snap.ID, msg))

	sess := adapter.lastSession()
	require.Eventually(t, func() bool { return sess.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	sub := m.Subscribe(Filter{AgentID: snap.ID})
	defer sub.Unsubscribe()

	require.NoError(t, m.SendMessage(snap.ID, msg))

	// The duplicate is never forwarded, but its user_message echo is
	// re-emitted so the sender still observes it.
	deadline := time.After(2 * time.Second)
	var echoed bool
	for !echoed {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventAgentStream && ev.Stream != nil &&
				ev.Stream.Item != nil && ev.Stream.Item.Kind == timeline.KindUserMessage {
				echoed = true
			}
		case <-deadline:
			t.Fatal("duplicate send did not re-echo the user message")
		}
	}

	assert.Equal(t, 1, sess.sentCount())

	items, err := m.Timeline(snap.ID)
	require.NoError(t, err)
	var userMsgs int
	for _, item := range items {
		if item.Kind == timeline.KindUserMessage {
			userMsgs++
		}
	}
	assert.Equal(t, 1, userMsgs)
}

func TestMessagesQueueBehindRunningTurn(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	require.NoError(t, m.SendMessage(snap.ID, MessageInput{Text: "first"}))
	waitForStatus(t, m, snap.ID, registry.StatusRunning)

	require.NoError(t, m.SendMessage(snap.ID, MessageInput{Text: "second"}))

	sess := adapter.lastSession()
	require.Eventually(t, func() bool { return sess.sentCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	sess.events <- provider.Event{TurnCompleted: true}

	// The queued message goes out once the turn completes.
	require.Eventually(t, func() bool { return sess.sentCount() == 2 }, 2*time.Second, 10*time.Millisecond)
	waitForStatus(t, m, snap.ID, registry.StatusRunning)
}

func TestCancelForcesIdleAfterTimeout(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	require.NoError(t, m.SendMessage(snap.ID, MessageInput{Text: "go"}))
	waitForStatus(t, m, snap.ID, registry.StatusRunning)

	// The fake provider never acknowledges the interrupt; after the cancel
	// window the agent is forced back to idle.
	require.NoError(t, m.CancelAgent(snap.ID))
	waitForStatus(t, m, snap.ID, registry.StatusInterrupting)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	sess := adapter.lastSession()
	assert.Equal(t, 1, sess.cancelCount())

	items, err := m.Timeline(snap.ID)
	require.NoError(t, err)
	var interrupted bool
	for _, item := range items {
		if item.Kind == timeline.KindActivityLog && item.ActivityLog != nil &&
			item.ActivityLog.Message == "agent interrupted" {
			interrupted = true
		}
	}
	assert.True(t, interrupted, "timeline should record the forced interrupt")
}

func TestCancelWhileIdleIsNoop(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	require.NoError(t, m.CancelAgent(snap.ID))
	time.Sleep(50 * time.Millisecond)

	got, err := m.GetAgent(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusIdle, got.Status)
	assert.Equal(t, 0, adapter.lastSession().cancelCount())
}

func TestSessionIDObservedOnceNeverReplaced(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	sess := adapter.lastSession()
	sess.events <- provider.Event{SessionID: "sess-first"}
	sess.events <- provider.Event{SessionID: "sess-second"}

	require.Eventually(t, func() bool {
		got, err := m.GetAgent(snap.ID)
		return err == nil && got.Handle.SessionID == "sess-first"
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	got, err := m.GetAgent(snap.ID)
	require.NoError(t, err)
	assert.Equal(t, "sess-first", got.Handle.SessionID)
}

func TestProviderStartupFailure(t *testing.T) {
	adapter := &fakeAdapter{name: "fake", startErr: fmt.Errorf("binary not found")}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)

	waitForStatus(t, m, snap.ID, registry.StatusError)
	got, err := m.GetAgent(snap.ID)
	require.NoError(t, err)
	assert.Contains(t, got.ErrorMessage, "binary not found")
}

func TestStreamEndingUnexpectedlyEntersError(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	adapter.lastSession().Close()
	waitForStatus(t, m, snap.ID, registry.StatusError)
}

func TestDeleteAgent(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	sub := m.Subscribe(Filter{All: true})
	defer sub.Unsubscribe()

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	require.NoError(t, m.DeleteAgent(snap.ID))

	require.Eventually(t, func() bool {
		_, err := m.GetAgent(snap.ID)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	var removed bool
	deadline := time.After(2 * time.Second)
	for !removed {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventAgentRemoved && ev.AgentID == snap.ID {
				removed = true
			}
		case <-deadline:
			t.Fatal("never received agent_removed")
		}
	}
}

func TestSubscriptionReceivesStreamEvents(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	sub := m.Subscribe(Filter{AgentID: snap.ID})
	defer sub.Unsubscribe()

	sess := adapter.lastSession()
	sess.events <- provider.Event{Timeline: &timeline.Event{
		Kind: timeline.EventAssistantMessage,
		Text: "working on it",
	}}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == EventAgentStream {
				require.NotNil(t, ev.Stream)
				require.NotNil(t, ev.Stream.Item)
				assert.Equal(t, timeline.KindAssistantMessage, ev.Stream.Item.Kind)
				return
			}
		case <-deadline:
			t.Fatal("never received the stream event")
		}
	}
}

func TestSubscriptionLagsInsteadOfBlocking(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)
	m.cfg.SubscriberQueueSize = 1

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	sub := m.Subscribe(Filter{AgentID: snap.ID})
	defer sub.Unsubscribe()

	sess := adapter.lastSession()
	for i := 0; i < 5; i++ {
		sess.events <- provider.Event{Timeline: &timeline.Event{
			Kind: timeline.EventAssistantMessage,
			Text: fmt.Sprintf("chunk %d ", i),
		}}
	}

	require.Eventually(t, sub.Lagged, 2*time.Second, 10*time.Millisecond,
		"a full queue must mark the subscription lagged, not block the agent")

	sub.ClearLagged()
	assert.False(t, sub.Lagged())
}

func TestResumeAgentReattaches(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	m := newTestManager(t, adapter)

	handle := provider.Handle{Provider: "fake", SessionID: "sess-42", Cwd: "/tmp", Model: "gpt-5"}
	snap, err := m.ResumeAgent(context.Background(), handle, ResumeOverrides{Title: "resumed"}, "agent-42")
	require.NoError(t, err)
	assert.Equal(t, "agent-42", snap.ID)
	assert.Equal(t, "resumed", snap.Title)
	assert.Equal(t, "sess-42", snap.Handle.SessionID)

	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	// The preferred id is taken now, so a second resume gets a fresh one.
	snap2, err := m.ResumeAgent(context.Background(), provider.Handle{Provider: "fake", SessionID: "sess-43"}, ResumeOverrides{}, "agent-42")
	require.NoError(t, err)
	assert.NotEqual(t, "agent-42", snap2.ID)
}

func TestResumeRequiresSessionID(t *testing.T) {
	m := newTestManager(t, &fakeAdapter{name: "fake"})
	_, err := m.ResumeAgent(context.Background(), provider.Handle{Provider: "fake"}, ResumeOverrides{}, "")
	require.Error(t, err)
}

func TestShutdownEndsAgentsAndKeepsRecords(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	store, err := registry.OpenInMemory(log)
	require.NoError(t, err)
	defer store.Close()

	m := New(testAgentConfig(), provider.NewRegistry(adapter), store, nil, log)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))

	// The live agent is gone but the registry record survives for resume.
	assert.Empty(t, m.ListAgents())
	stored, err := store.Get(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, stored.Status)

	_, err = m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.Error(t, err, "a shut-down manager must reject new agents")
}

func TestShutdownDrainsRunningTurn(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	store, err := registry.OpenInMemory(log)
	require.NoError(t, err)
	defer store.Close()

	cfg := testAgentConfig()
	cfg.CancelTimeout = 3
	cfg.DrainTimeout = 5
	m := New(cfg, provider.NewRegistry(adapter), store, nil, log)

	snap, err := m.CreateAgent(context.Background(), CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)
	waitForStatus(t, m, snap.ID, registry.StatusIdle)

	require.NoError(t, m.SendMessage(snap.ID, MessageInput{Text: "long turn"}))
	waitForStatus(t, m, snap.ID, registry.StatusRunning)
	sess := adapter.lastSession()

	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		close(done)
	}()

	// Shutdown cancels the turn but must not tear the session down while it
	// is still settling.
	require.Eventually(t, func() bool { return sess.cancelCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, sess.isClosed(), "session closed mid-turn instead of draining")

	sess.events <- provider.Event{TurnCompleted: true}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown never returned after the turn completed")
	}

	require.Eventually(t, sess.isClosed, 2*time.Second, 10*time.Millisecond)
	stored, err := store.Get(context.Background(), snap.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StatusEnded, stored.Status)
}
