// Package task archives finished agent tasks. The default backend is
// in-memory; a SQL backend (sqlite, postgres, mysql) persists the archive
// across restarts. The archive is an operational record, not agent memory.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status mirrors the agent's terminal states plus the running marker used
// while a task is in flight.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is one archived task.
type Record struct {
	ID         string         `json:"id"`
	AgentID    string         `json:"agent_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Content    string         `json:"content"`
	Status     Status         `json:"status"`
	Result     string         `json:"result,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Iterations int            `json:"iterations"`
	TokensUsed int            `json:"tokens_used"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	AgentID   string
	SessionID string
	Status    Status
	Limit     int
}

// Store is the archive contract.
type Store interface {
	// Save inserts or replaces a record by ID.
	Save(ctx context.Context, rec Record) error

	// Get returns the record, or an error when absent.
	Get(ctx context.Context, id string) (Record, error)

	// List returns matching records, most recently updated first.
	List(ctx context.Context, f Filter) ([]Record, error)

	// Delete removes a record; deleting an absent ID is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases backend resources.
	Close() error
}

// NewRecord starts a running record for a freshly accepted task.
func NewRecord(agentID, sessionID, content string) Record {
	now := time.Now()
	return Record{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		SessionID: sessionID,
		Content:   content,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Config selects and configures the archive backend.
type Config struct {
	// Backend is "memory" or "sql".
	Backend string `yaml:"backend"`

	// Driver is the SQL driver: "sqlite", "postgres", "mysql".
	Driver string `yaml:"driver,omitempty"`

	// DSN is the driver connection string.
	DSN string `yaml:"dsn,omitempty"`

	// MaxConns and MaxIdle size the connection pool.
	MaxConns int `yaml:"max_conns,omitempty"`
	MaxIdle  int `yaml:"max_idle,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 2
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Backend {
	case "memory":
		return nil
	case "sql":
		switch c.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			return fmt.Errorf("unsupported sql driver: %q", c.Driver)
		}
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for the sql backend")
		}
		return nil
	default:
		return fmt.Errorf("unknown task store backend: %q", c.Backend)
	}
}

// NewStore creates a store from configuration.
func NewStore(cfg Config) (Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("task store config: %w", err)
	}
	switch cfg.Backend {
	case "sql":
		return NewSQLStore(cfg)
	default:
		return NewMemoryStore(), nil
	}
}
