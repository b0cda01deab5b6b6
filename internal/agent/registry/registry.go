// Package registry persists agent snapshots and per-agent event logs in
// SQLite under <home>/registry/agents.db. Snapshots are written through on
// every state change so a restarted daemon can list and resume agents.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/paseo-ai/paseo/internal/common/logger"
	"github.com/paseo-ai/paseo/internal/provider"
	"github.com/paseo-ai/paseo/internal/timeline"
)

// AgentStatus is the persisted agent lifecycle state.
type AgentStatus string

const (
	StatusInitializing AgentStatus = "initializing"
	StatusIdle         AgentStatus = "idle"
	StatusRunning      AgentStatus = "running"
	StatusInterrupting AgentStatus = "interrupting"
	StatusEnded        AgentStatus = "ended"
	StatusError        AgentStatus = "error"
)

// Terminal reports whether the status admits no further transitions.
func (s AgentStatus) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// Snapshot is the persisted view of one agent.
type Snapshot struct {
	ID           string          `json:"id"`
	Provider     string          `json:"provider"`
	Status       AgentStatus     `json:"status"`
	Title        string          `json:"title,omitempty"`
	Cwd          string          `json:"cwd"`
	WorktreeName string          `json:"worktreeName,omitempty"`
	Model        string          `json:"model,omitempty"`
	ModeID       string          `json:"modeId,omitempty"`
	Handle       provider.Handle `json:"handle"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Store is the SQLite-backed snapshot and event-log store.
type Store struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the registry database at dir/agents.db.
func Open(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	dsn := filepath.Join(dir, "agents.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	return openDSN(dsn, log)
}

// OpenInMemory opens an in-memory registry, used by tests.
func OpenInMemory(log *logger.Logger) (*Store, error) {
	return openDSN(":memory:", log)
}

func openDSN(dsn string, log *logger.Logger) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	// SQLite is single-writer; serialize access through one connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: log.WithFields(zap.String("component", "registry"))}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id         TEXT PRIMARY KEY,
		provider   TEXT NOT NULL,
		status     TEXT NOT NULL,
		snapshot   TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agents_provider ON agents(provider);
	CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

	CREATE TABLE IF NOT EXISTS agent_events (
		agent_id  TEXT NOT NULL,
		seq       INTEGER NOT NULL,
		event     TEXT NOT NULL,
		ts        TIMESTAMP NOT NULL,
		PRIMARY KEY (agent_id, seq)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("registry schema init: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a snapshot. UpdatedAt is monotonic per agent: a save never
// moves it backwards, even across clock adjustments.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	now := time.Now().UTC()

	var prev time.Time
	err := s.db.GetContext(ctx, &prev,
		`SELECT updated_at FROM agents WHERE id = ?`, snap.ID)
	switch {
	case err == sql.ErrNoRows:
		if snap.CreatedAt.IsZero() {
			snap.CreatedAt = now
		}
	case err != nil:
		return fmt.Errorf("read snapshot timestamp: %w", err)
	}

	snap.UpdatedAt = now
	if !prev.Before(snap.UpdatedAt) {
		snap.UpdatedAt = prev.Add(time.Millisecond)
	}

	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, provider, status, snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider = excluded.provider,
			status = excluded.status,
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at`,
		snap.ID, snap.Provider, string(snap.Status), string(blob),
		snap.CreatedAt, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Get returns one snapshot by agent id.
func (s *Store) Get(ctx context.Context, id string) (*Snapshot, error) {
	var blob string
	err := s.db.GetContext(ctx, &blob,
		`SELECT snapshot FROM agents WHERE id = ?`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("agent not found: %s", id)
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(blob), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// ListFilter narrows a List call.
type ListFilter struct {
	Provider string
	Status   AgentStatus
	Limit    int
}

// List returns snapshots ordered by most recent activity. Corrupted records
// are skipped with a warning rather than failing the listing.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Snapshot, error) {
	query := `SELECT id, snapshot FROM agents`
	var conds []string
	var args []any
	if filter.Provider != "" {
		conds = append(conds, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	for i, cond := range conds {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []*Snapshot
	for rows.Next() {
		var id, blob string
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		var snap Snapshot
		if err := json.Unmarshal([]byte(blob), &snap); err != nil {
			s.logger.Warn("skipping corrupted agent record",
				zap.String("agent_id", id), zap.Error(err))
			continue
		}
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// Delete removes a snapshot and its event log.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_events WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("delete agent events: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// AppendEvent appends one timeline event to an agent's event log.
func (s *Store) AppendEvent(ctx context.Context, agentID string, ev timeline.Event, ts time.Time) error {
	blob, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_events (agent_id, seq, event, ts)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM agent_events WHERE agent_id = ?), ?, ?)`,
		agentID, agentID, string(blob), ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// StoredEvent is one persisted timeline event.
type StoredEvent struct {
	Event timeline.Event
	TS    time.Time
}

// Events returns an agent's event log in append order. Corrupted entries are
// skipped with a warning.
func (s *Store) Events(ctx context.Context, agentID string) ([]StoredEvent, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT event, ts FROM agent_events WHERE agent_id = ? ORDER BY seq`, agentID)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var blob string
		var ts time.Time
		if err := rows.Scan(&blob, &ts); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		var ev timeline.Event
		if err := json.Unmarshal([]byte(blob), &ev); err != nil {
			s.logger.Warn("skipping corrupted event record",
				zap.String("agent_id", agentID), zap.Error(err))
			continue
		}
		out = append(out, StoredEvent{Event: ev, TS: ts})
	}
	return out, rows.Err()
}
