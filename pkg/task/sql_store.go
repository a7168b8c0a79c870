package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// One schema serves all three dialects.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
    id VARCHAR(255) PRIMARY KEY,
    agent_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255),
    content TEXT,
    status VARCHAR(50) NOT NULL,
    result TEXT,
    output_json TEXT,
    error TEXT,
    iterations INTEGER NOT NULL DEFAULT 0,
    tokens_used INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_agent_id ON tasks(agent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_updated_at ON tasks(updated_at);
`

// SQLStore persists the archive through database/sql. Queries are written
// with "?" placeholders and rebound for postgres.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens the configured database and ensures the schema.
func NewSQLStore(cfg Config) (*SQLStore, error) {
	driver := cfg.Driver
	if driver == "sqlite" {
		// go-sqlite3 registers as "sqlite3".
		driver = "sqlite3"
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening task database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging task database: %w", err)
	}

	s := &SQLStore{db: db, dialect: cfg.Driver}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating task schema: %w", err)
	}
	return s, nil
}

// rebind converts "?" placeholders to "$n" for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Save(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	output, err := marshalOutput(rec.Output)
	if err != nil {
		return err
	}

	// Delete-then-insert is the portable upsert across the three dialects.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", rec.ID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?`), rec.ID); err != nil {
		return fmt.Errorf("saving task %s: %w", rec.ID, err)
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO tasks (id, agent_id, session_id, content, status, result, output_json, error, iterations, tokens_used, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.AgentID, rec.SessionID, rec.Content, string(rec.Status),
		rec.Result, output, rec.Error, rec.Iterations, rec.TokensUsed,
		rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", rec.ID, err)
	}
	return tx.Commit()
}

func (s *SQLStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, agent_id, session_id, content, status, result, output_json, error, iterations, tokens_used, created_at, updated_at
FROM tasks WHERE id = ?`), id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, fmt.Errorf("task %q not found", id)
	}
	if err != nil {
		return Record{}, fmt.Errorf("loading task %s: %w", id, err)
	}
	return rec, nil
}

func (s *SQLStore) List(ctx context.Context, f Filter) ([]Record, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `
SELECT id, agent_id, session_id, content, status, result, output_json, error, iterations, tokens_used, created_at, updated_at
FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM tasks WHERE id = ?`), id); err != nil {
		return fmt.Errorf("deleting task %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var status, output string
	var sessionID, result, errText sql.NullString
	err := row.Scan(&rec.ID, &rec.AgentID, &sessionID, &rec.Content, &status,
		&result, &output, &errText, &rec.Iterations, &rec.TokensUsed,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	rec.SessionID = sessionID.String
	rec.Result = result.String
	rec.Error = errText.String
	rec.Status = Status(status)
	if output != "" {
		if err := json.Unmarshal([]byte(output), &rec.Output); err != nil {
			return Record{}, fmt.Errorf("decoding task output: %w", err)
		}
	}
	return rec, nil
}

func marshalOutput(output map[string]any) (string, error) {
	if len(output) == 0 {
		return "", nil
	}
	b, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("encoding task output: %w", err)
	}
	return string(b), nil
}
