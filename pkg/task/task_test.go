package task

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := NewRecord("agent-1", "session-1", "summarize the report")
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, "summarize the report", got.Content)

	rec.Status = StatusCompleted
	rec.Result = "done"
	rec.UpdatedAt = time.Now()
	require.NoError(t, s.Save(ctx, rec))

	got, err = s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
}

func TestMemoryStoreGetMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "nope")
	assert.Error(t, err)
}

func TestMemoryStoreListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, agent := range []string{"agent-1", "agent-1", "agent-2"} {
		rec := NewRecord(agent, "session-1", "work")
		if i == 1 {
			rec.Status = StatusFailed
		}
		rec.UpdatedAt = time.Now().Add(time.Duration(i) * time.Second)
		require.NoError(t, s.Save(ctx, rec))
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byAgent, err := s.List(ctx, Filter{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	failed, err := s.List(ctx, Filter{Status: StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "agent-1", failed[0].AgentID)

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, all[0].ID, limited[0].ID, "newest first")
}

func TestMemoryStoreDeleteIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	rec := NewRecord("agent-1", "", "x")
	require.NoError(t, s.Save(ctx, rec))
	require.NoError(t, s.Delete(ctx, rec.ID))
	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err := s.Get(ctx, rec.ID)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"memory default", Config{}, false},
		{"sqlite", Config{Backend: "sql", Driver: "sqlite", DSN: "file.db"}, false},
		{"postgres", Config{Backend: "sql", Driver: "postgres", DSN: "postgres://"}, false},
		{"sql without dsn", Config{Backend: "sql", Driver: "sqlite"}, true},
		{"bad driver", Config{Backend: "sql", Driver: "oracle", DSN: "x"}, true},
		{"bad backend", Config{Backend: "redis"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.SetDefaults()
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRebindPostgres(t *testing.T) {
	s := &SQLStore{dialect: "postgres"}
	assert.Equal(t, "SELECT 1 FROM tasks WHERE id = $1 AND status = $2",
		s.rebind("SELECT 1 FROM tasks WHERE id = ? AND status = ?"))

	sqlite := &SQLStore{dialect: "sqlite"}
	assert.Equal(t, "WHERE id = ?", sqlite.rebind("WHERE id = ?"))
}

func TestSQLStoreRoundTrip(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "tasks.db")
	s, err := NewSQLStore(Config{Backend: "sql", Driver: "sqlite", DSN: dsn, MaxConns: 1, MaxIdle: 1})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	rec := NewRecord("agent-1", "session-1", "archive me")
	rec.Output = map[string]any{"answer": "42"}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.AgentID, got.AgentID)
	assert.Equal(t, "42", got.Output["answer"])

	rec.Status = StatusCompleted
	rec.Result = "ok"
	require.NoError(t, s.Save(ctx, rec))

	list, err := s.List(ctx, Filter{Status: StatusCompleted})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "ok", list[0].Result)

	require.NoError(t, s.Delete(ctx, rec.ID))
	_, err = s.Get(ctx, rec.ID)
	assert.Error(t, err)
}
