// Package memory implements a four-tier per-agent store:
//
//   - L1: token-budgeted FIFO window of conversation messages
//   - L2: importance-ranked working set of extracted entries
//   - L3: token-budgeted FIFO buffer of task summaries
//   - L4: embedded vectors with count and TTL pruning
//
// Items cascade downward on eviction: L1 evictions pass through an extractor
// that either promotes them to L2 or hands them to the L3 summarizer; L2
// evictions are summarized into L3; L3 evictions become vectorization jobs
// for L4. The Manager façade owns the cascade, the task-id index, and all
// locking — the tier containers themselves are not safe for concurrent use.
package memory

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// EntryType classifies a working-set entry.
type EntryType string

const (
	EntryFact        EntryType = "fact"
	EntryDecision    EntryType = "decision"
	EntryPlan        EntryType = "plan"
	EntryObservation EntryType = "observation"
	EntryOther       EntryType = "other"
)

// MessageItem is one L1 conversation message.
type MessageItem struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Role       Role   `json:"role"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	TokenCount int    `json:"token_count"`
	// Importance is an optional caller hint consumed by the importance
	// extractor; zero means unspecified.
	Importance float64   `json:"importance,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorkingMemoryEntry is one L2 working-set entry.
type WorkingMemoryEntry struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	TokenCount int       `json:"token_count"`
	EntryType  EntryType `json:"entry_type"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskSummary is one L3 compressed record of a completed action.
type TaskSummary struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	SessionID     string    `json:"session_id,omitempty"`
	Action        string    `json:"action"`
	ParamSummary  string    `json:"param_summary"`
	ResultSummary string    `json:"result_summary"`
	Tags          []string  `json:"tags,omitempty"`
	Importance    float64   `json:"importance"`
	TokenCount    int       `json:"token_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// Tier is the uniform container contract for the in-process tiers (L1-L3).
//
// Add never fails: when the insert would exceed the budget the tier evicts
// per its policy and returns the evicted items — possibly including the
// incoming item itself when the tier's ordering ranks it below every
// survivor. A single item larger than the whole budget empties the tier,
// is stored anyway, and a warning is logged.
type Tier[T any] interface {
	// Add inserts item, evicting as needed. Evicted items are returned
	// and also passed to the eviction callback, in eviction order.
	Add(item T, tokens int) []T

	// Items returns the contents in the tier's defined order.
	Items() []T

	// Size reports item count and token usage.
	Size() (count, tokens int)

	// Clear removes everything without firing eviction callbacks.
	Clear()

	// OnEviction registers a handler invoked for each evicted item.
	OnEviction(fn func(T))
}

// TierStats is a point-in-time size snapshot of all tiers.
type TierStats struct {
	L1Count  int `json:"l1_count"`
	L1Tokens int `json:"l1_tokens"`
	L2Count  int `json:"l2_count"`
	L2Tokens int `json:"l2_tokens"`
	L3Count  int `json:"l3_count"`
	L3Tokens int `json:"l3_tokens"`
	L4Count  int `json:"l4_count"`
}
