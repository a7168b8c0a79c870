// Package tools implements the tool registry and router: definitions with
// JSON-schema parameters, a sandbox for scoped executors, built-in memory and
// event tools, dynamic tool creation, and concrete command, file, and web
// tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/invopop/jsonschema"
)

// Scope declares what an executor may touch.
type Scope string

const (
	// ScopeSystem tools have unrestricted filesystem and network access.
	ScopeSystem Scope = "SYSTEM"

	// ScopeSandboxed tools are confined to a sandbox root, timeout, and
	// operation allowlist.
	ScopeSandboxed Scope = "SANDBOXED"
)

// Definition describes one callable tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Scope       Scope          `json:"scope"`
}

// Result is the outcome of one tool execution.
type Result struct {
	Success  bool           `json:"success"`
	Content  string         `json:"content"`
	Error    string         `json:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Duration time.Duration  `json:"duration,omitempty"`
}

// Tool is the executable contract. Execute returns an error only for
// framework-level failures; tool-logic failures are reported in the Result.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Text builds a successful result.
func Text(content string) Result {
	return Result{Success: true, Content: content}
}

// Fail builds a failed result.
func Fail(format string, args ...any) Result {
	msg := fmt.Sprintf(format, args...)
	return Result{Success: false, Content: msg, Error: msg}
}

// Violation builds a sandbox-violation result.
func Violation(format string, args ...any) Result {
	return Fail("sandbox violation: "+format, args...)
}

// String renders the result for an LLM observation: the content on success,
// the "error: " form otherwise.
func (r Result) String() string {
	if r.Success {
		return r.Content
	}
	msg := r.Error
	if msg == "" {
		msg = r.Content
	}
	return "error: " + msg
}

// SchemaFor derives a JSON-schema parameter map from a Go struct's
// jsonschema tags.
func SchemaFor(v any) map[string]any {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(v)

	encoded, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return map[string]any{"type": "object"}
	}
	delete(out, "$schema")
	return out
}

// ObjectSchema builds a parameter schema by hand for tools whose shape is
// simpler to spell out than to reflect.
func ObjectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Prop is a shorthand for one schema property.
func Prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

// funcTool adapts a function to the Tool interface.
type funcTool struct {
	def Definition
	fn  func(ctx context.Context, args map[string]any) (Result, error)
}

// NewFunc wraps fn as a Tool.
func NewFunc(def Definition, fn func(ctx context.Context, args map[string]any) (Result, error)) Tool {
	return &funcTool{def: def, fn: fn}
}

func (t *funcTool) Definition() Definition { return t.def }

func (t *funcTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	start := time.Now()
	res, err := t.fn(ctx, args)
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res, err
}

// ============================================================================
// ARGUMENT HELPERS
// ============================================================================

// StringArg reads a string argument.
func StringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

// IntArg reads a numeric argument, accepting JSON's float64 form.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// FloatArg reads a float argument.
func FloatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

// BoolArg reads a boolean argument.
func BoolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// ParseArgs accepts either a structured map or a JSON string. Parse failure
// yields an empty map, never an error: a malformed tool call should produce
// an observation for the model, not a framework failure.
func ParseArgs(raw any) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		return v
	case string:
		var out map[string]any
		if err := json.Unmarshal([]byte(v), &out); err != nil || out == nil {
			return map[string]any{}
		}
		return out
	case []byte:
		var out map[string]any
		if err := json.Unmarshal(v, &out); err != nil || out == nil {
			return map[string]any{}
		}
		return out
	case nil:
		return map[string]any{}
	default:
		return map[string]any{}
	}
}
