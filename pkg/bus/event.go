// Package bus provides the runtime's event substrate: immutable events,
// topic-matched publish/subscribe, a bounded diagnostic log, and the
// dispatcher that wraps publication in an interceptor chain.
package bus

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well-known event types. Tool-execution events extend the type with
// slash-delimited detail segments (e.g. "tool.execute/shell").
const (
	TypeNodeRequest    = "node.request"
	TypeNodeThinking   = "node.thinking"
	TypeNodeToolCall   = "node.tool_call"
	TypeNodeResponse   = "node.response"
	TypeNodeComplete   = "node.complete"
	TypeToolExecute    = "tool.execute"
	TypeBudgetExceeded = "budget.exceeded"
)

// Extension keys read by the dispatcher and interceptors.
const (
	ExtTimeout  = "timeout"
	ExtDeadline = "deadline"
)

// Event is the universal message. Events are immutable after publication;
// an interceptor that must alter one works on a Clone.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Source      string         `json:"source"`
	Subject     string         `json:"subject,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Traceparent string         `json:"traceparent,omitempty"`
	ParentID    string         `json:"parent_id,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	Extensions  map[string]any `json:"extensions,omitempty"`
}

// New creates an event with a fresh ID and timestamp.
func New(eventType, source string, data map[string]any) *Event {
	if data == nil {
		data = map[string]any{}
	}
	return &Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		Source:     source,
		Data:       data,
		CreatedAt:  time.Now(),
		Extensions: map[string]any{},
	}
}

// Clone returns a copy with fresh top-level Data and Extensions maps, so the
// clone's keys can be rewritten without touching the original. Nested values
// are shared.
func (e *Event) Clone() *Event {
	c := *e
	c.Data = make(map[string]any, len(e.Data))
	for k, v := range e.Data {
		c.Data[k] = v
	}
	c.Extensions = make(map[string]any, len(e.Extensions))
	for k, v := range e.Extensions {
		c.Extensions[k] = v
	}
	return &c
}

// TaskID returns the task id carried in the payload, if any.
func (e *Event) TaskID() string {
	if e.Data == nil {
		return ""
	}
	id, _ := e.Data["task_id"].(string)
	return id
}

// Timeout reads the per-dispatch timeout extension. Numeric values are
// milliseconds; strings are Go durations.
func (e *Event) Timeout() (time.Duration, bool) {
	if e.Extensions == nil {
		return 0, false
	}
	switch v := e.Extensions[ExtTimeout].(type) {
	case time.Duration:
		return v, v > 0
	case int:
		return time.Duration(v) * time.Millisecond, v > 0
	case int64:
		return time.Duration(v) * time.Millisecond, v > 0
	case float64:
		return time.Duration(v * float64(time.Millisecond)), v > 0
	case string:
		d, err := time.ParseDuration(v)
		return d, err == nil && d > 0
	default:
		return 0, false
	}
}

func (e *Event) String() string {
	return fmt.Sprintf("%s %s -> %s (id=%s)", e.Type, e.Source, e.Subject, e.ID)
}
