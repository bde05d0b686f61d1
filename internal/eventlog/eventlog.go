// Package eventlog persists a journal of notable agent lifecycle events,
// crashes above all, so operators can inspect what happened to a
// connection after the fact.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one journal entry. Payload holds event-specific JSON.
type Record struct {
	ID        string    `db:"id" json:"id"`
	AgentID   string    `db:"agent_id" json:"agent_id"`
	SessionID string    `db:"session_id" json:"session_id,omitempty"`
	Type      string    `db:"type" json:"type"`
	Payload   string    `db:"payload" json:"payload"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Store is a SQLite-backed event journal.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS agent_events (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_events_agent_id ON agent_events(agent_id);
CREATE INDEX IF NOT EXISTS idx_agent_events_created_at ON agent_events(created_at);
`

// New opens (and creates, if needed) the journal at path. Pass ":memory:"
// for an ephemeral store.
func New(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to prepare event log directory: %w", err)
			}
		}
		dsn = fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", path)
	}

	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize event log schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Insert appends one record, assigning its id and timestamp.
func (s *Store) Insert(ctx context.Context, rec Record) (Record, error) {
	rec.ID = uuid.New().String()
	rec.CreatedAt = time.Now().UTC()
	if rec.Payload == "" {
		rec.Payload = "{}"
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_events (id, agent_id, session_id, type, payload, created_at)
		VALUES (:id, :agent_id, :session_id, :type, :payload, :created_at)
	`, rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to insert event: %w", err)
	}
	return rec, nil
}

// InsertCrash journals an agent crash.
func (s *Store) InsertCrash(ctx context.Context, agentID, kind, message string) error {
	payload, err := json.Marshal(map[string]string{
		"kind":    kind,
		"message": message,
	})
	if err != nil {
		return err
	}
	_, err = s.Insert(ctx, Record{
		AgentID: agentID,
		Type:    "agent.crashed",
		Payload: string(payload),
	})
	return err
}

// ListRecent returns up to limit records, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, agent_id, session_id, type, payload, created_at
		FROM agent_events
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

// ListByAgent returns up to limit records for one agent, newest first.
func (s *Store) ListByAgent(ctx context.Context, agentID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Record
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, agent_id, session_id, type, payload, created_at
		FROM agent_events
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

// Purge deletes records older than maxAge and reports how many were
// removed.
func (s *Store) Purge(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return res.RowsAffected()
}
