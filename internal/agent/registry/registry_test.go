package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/provider"
	"github.com/paseo-ai/paseo/internal/timeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	store, err := OpenInMemory(log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSnapshot(id string) *Snapshot {
	return &Snapshot{
		ID:       id,
		Provider: "claude",
		Status:   StatusIdle,
		Cwd:      "/work",
		Handle:   provider.Handle{Provider: "claude", SessionID: "sess-" + id},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("a1")
	require.NoError(t, store.Save(ctx, snap))
	assert.False(t, snap.CreatedAt.IsZero())
	assert.False(t, snap.UpdatedAt.IsZero())

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.Provider)
	assert.Equal(t, StatusIdle, got.Status)
	assert.Equal(t, "sess-a1", got.Handle.SessionID)
}

func TestStore_GetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestStore_UpdatedAtMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	snap := testSnapshot("a1")
	require.NoError(t, store.Save(ctx, snap))
	first := snap.UpdatedAt

	// Immediate re-save must still advance updatedAt.
	snap.Status = StatusRunning
	require.NoError(t, store.Save(ctx, snap))
	assert.True(t, snap.UpdatedAt.After(first),
		"updatedAt %v not after %v", snap.UpdatedAt, first)

	got, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
}

func TestStore_ListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := testSnapshot("a1")
	b := testSnapshot("b1")
	b.Provider = "codex"
	b.Status = StatusEnded
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	// Most recently updated first.
	assert.Equal(t, "b1", all[0].ID)

	claude, err := store.List(ctx, ListFilter{Provider: "claude"})
	require.NoError(t, err)
	require.Len(t, claude, 1)
	assert.Equal(t, "a1", claude[0].ID)

	ended, err := store.List(ctx, ListFilter{Status: StatusEnded})
	require.NoError(t, err)
	require.Len(t, ended, 1)
	assert.Equal(t, "b1", ended[0].ID)

	limited, err := store.List(ctx, ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_ListSkipsCorruptedRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testSnapshot("good")))
	_, err := store.db.ExecContext(ctx, `
		INSERT INTO agents (id, provider, status, snapshot, created_at, updated_at)
		VALUES ('bad', 'claude', 'idle', '{not json', ?, ?)`,
		time.Now().UTC(), time.Now().UTC())
	require.NoError(t, err)

	got, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "good", got[0].ID)
}

func TestStore_Delete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, testSnapshot("a1")))
	require.NoError(t, store.AppendEvent(ctx, "a1",
		timeline.Event{Kind: timeline.EventAssistantMessage, Text: "hi"}, time.Now()))

	require.NoError(t, store.Delete(ctx, "a1"))

	_, err := store.Get(ctx, "a1")
	assert.Error(t, err)
	events, err := store.Events(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStore_EventLogOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	for i, text := range []string{"one", "two", "three"} {
		ev := timeline.Event{Kind: timeline.EventAssistantMessage, Text: text}
		require.NoError(t, store.AppendEvent(ctx, "a1", ev, ts.Add(time.Duration(i)*time.Second)))
	}

	events, err := store.Events(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "one", events[0].Event.Text)
	assert.Equal(t, "three", events[2].Event.Text)

	// Replaying the log through the reducer reproduces the live timeline.
	r := timeline.NewReducer()
	for _, ev := range events {
		r.Apply(ev.Event, ev.TS)
	}
	assert.Equal(t, 1, r.Len(), "adjacent assistant chunks concatenate")
}
