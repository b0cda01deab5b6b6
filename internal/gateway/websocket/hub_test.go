package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-ai/paseo/internal/agent/manager"
	"github.com/paseo-ai/paseo/internal/agent/registry"
	"github.com/paseo-ai/paseo/internal/common/config"
	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/provider"
	ws "github.com/paseo-ai/paseo/pkg/websocket"
)

type stubSession struct {
	events chan provider.Event
	once   sync.Once
}

func (s *stubSession) Handle() provider.Handle       { return provider.Handle{Provider: "fake"} }
func (s *stubSession) Events() <-chan provider.Event { return s.events }

func (s *stubSession) Send(ctx context.Context, m provider.Message) error { return nil }
func (s *stubSession) Cancel(ctx context.Context) error                   { return nil }

func (s *stubSession) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

type stubAdapter struct{}

func (a *stubAdapter) Name() string { return "fake" }

func (a *stubAdapter) Start(ctx context.Context, cfg provider.StartConfig) (provider.Session, error) {
	return &stubSession{events: make(chan provider.Event, 8)}, nil
}

func (a *stubAdapter) Resume(ctx context.Context, h provider.Handle, ov provider.Overrides) (provider.Session, error) {
	return &stubSession{events: make(chan provider.Event, 8)}, nil
}

func (a *stubAdapter) ListPersisted(ctx context.Context, opts provider.ListOptions) ([]provider.PersistedSession, error) {
	return nil, nil
}

func newGatewayTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func newHubTestManager(t *testing.T) *manager.Manager {
	t.Helper()
	log := newGatewayTestLogger(t)

	store, err := registry.OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.AgentConfig{
		StartupTimeout:      5,
		CancelTimeout:       1,
		DrainTimeout:        3,
		SubscriberQueueSize: 8,
	}
	m := manager.New(cfg, provider.NewRegistry(&stubAdapter{}), store, nil, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestClientOverflowSchedulesResync(t *testing.T) {
	m := newHubTestManager(t)
	log := newGatewayTestLogger(t)

	snap, err := m.CreateAgent(context.Background(), manager.CreateConfig{Provider: "fake", Cwd: t.TempDir()})
	require.NoError(t, err)

	hub := NewHub(m, ws.NewDispatcher(), log)
	client := NewClient("c1", nil, hub, 2, log)
	hub.clients[client] = true

	client.enqueue([]byte(`1`))
	client.enqueue([]byte(`2`))
	client.enqueue([]byte(`3`)) // buffer full, dropped

	// Drain the buffered frames, then let the hub resync the lagged client.
	<-client.send
	<-client.send
	hub.resyncLagged()

	select {
	case data := <-client.send:
		var frame ws.Message
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, ws.TypeAgentUpsert, frame.Type)
		var got registry.Snapshot
		require.NoError(t, json.Unmarshal(frame.Payload, &got))
		assert.Equal(t, snap.ID, got.ID)
	default:
		t.Fatal("lagged client never received a resync snapshot")
	}

	assert.False(t, client.takeLagged(), "resync must clear the lagged mark")
}

func TestClientSendBufferSizedFromConfig(t *testing.T) {
	m := newHubTestManager(t)
	log := newGatewayTestLogger(t)

	hub := NewHub(m, ws.NewDispatcher(), log)
	client := NewClient("c1", nil, hub, hub.sendQueueSize(), log)
	assert.Equal(t, 8, cap(client.send))
}

func TestUnregisterAfterHubStopped(t *testing.T) {
	m := newHubTestManager(t)
	log := newGatewayTestLogger(t)

	hub := NewHub(m, ws.NewDispatcher(), log)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := NewClient("c1", nil, hub, 4, log)
	hub.Register(client)

	cancel()
	select {
	case <-hub.done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub never stopped")
	}

	// The read pump's deferred Unregister must not block once the hub's
	// loop has returned.
	finished := make(chan struct{})
	go func() {
		hub.Unregister(client)
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Unregister blocked after hub stopped")
	}
}
