package eventlog

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertAssignsIDAndTimestamp(t *testing.T) {
	s := newTestStore(t)

	rec, err := s.Insert(context.Background(), Record{
		AgentID: "agent-0000000000000001",
		Type:    "agent.connected",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, "{}", rec.Payload, "empty payload defaults to an empty object")
}

func TestInsertCrashAndListByAgent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCrash(ctx, "agent-aa", "auth_required", "please run login"))
	require.NoError(t, s.InsertCrash(ctx, "agent-bb", "crashed", "exit status 2"))

	records, err := s.ListByAgent(ctx, "agent-aa", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "agent.crashed", records[0].Type)

	var payload struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(records[0].Payload), &payload))
	assert.Equal(t, "auth_required", payload.Kind)
	assert.Equal(t, "please run login", payload.Message)
}

func TestListRecentNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, typ := range []string{"first", "second", "third"} {
		_, err := s.Insert(ctx, Record{AgentID: "agent-aa", Type: typ})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	records, err := s.ListRecent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "third", records[0].Type)
	assert.Equal(t, "second", records[1].Type)
}

func TestPurgeRemovesOnlyExpiredRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := Record{
		ID:        "old-record",
		AgentID:   "agent-aa",
		Type:      "agent.crashed",
		Payload:   "{}",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO agent_events (id, agent_id, session_id, type, payload, created_at)
		VALUES (:id, :agent_id, :session_id, :type, :payload, :created_at)
	`, old)
	require.NoError(t, err)

	_, err = s.Insert(ctx, Record{AgentID: "agent-aa", Type: "agent.connected"})
	require.NoError(t, err)

	removed, err := s.Purge(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	records, err := s.ListRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "agent.connected", records[0].Type)
}

func TestNewCreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal", "events.db")
	s, err := New(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Insert(context.Background(), Record{AgentID: "agent-aa", Type: "agent.connected"})
	require.NoError(t, err)

	assert.FileExists(t, path)
}
