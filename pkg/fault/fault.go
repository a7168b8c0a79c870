// Package fault defines the runtime's error taxonomy.
//
// Every error that crosses a component boundary is a *Fault carrying the
// originating component, the agent and iteration it happened in, and a short
// suggested fix. User-visible rendering is always "Kind: message"; anything
// richer (wrapped causes, metadata) stays in telemetry so it never leaks into
// an LLM context.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Kind names one entry of the taxonomy.
type Kind string

const (
	KindTaskComplete          Kind = "TaskComplete"
	KindPermissionDenied      Kind = "PermissionDenied"
	KindToolExecutionError    Kind = "ToolExecutionError"
	KindToolNotFound          Kind = "ToolNotFound"
	KindMemoryBudgetExceeded  Kind = "MemoryBudgetExceeded"
	KindContextBuildError     Kind = "ContextBuildError"
	KindMaxIterationsExceeded Kind = "MaxIterationsExceeded"
	KindDelegationError       Kind = "DelegationError"
	KindLLMProviderError      Kind = "LLMProviderError"
	KindBudgetExceeded        Kind = "BudgetExceeded"
	KindTimeout               Kind = "Timeout"
)

// RetryClass classifies provider failures for the loop's backoff policy.
type RetryClass string

const (
	RetryNone       RetryClass = ""
	RetryTimeout    RetryClass = "timeout"
	RetryRateLimit  RetryClass = "rate_limit"
	RetryConnection RetryClass = "transient_connection"
)

// Fault is the one concrete error type of the runtime.
type Fault struct {
	Kind         Kind
	Component    string
	AgentID      string
	Iteration    int
	Message      string
	SuggestedFix string
	RetryClass   RetryClass
	Meta         map[string]any
	Err          error
}

// Error renders the user-visible form: the kind name and the message.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// Detail renders the full telemetry form including component and cause.
func (f *Fault) Detail() string {
	s := fmt.Sprintf("[%s] %s: %s", f.Component, f.Kind, f.Message)
	if f.AgentID != "" {
		s += fmt.Sprintf(" (agent=%s iteration=%d)", f.AgentID, f.Iteration)
	}
	if f.Err != nil {
		s += fmt.Sprintf(": %v", f.Err)
	}
	return s
}

func (f *Fault) Unwrap() error { return f.Err }

// Is makes errors.Is match any Fault of the same Kind, so callers can use
// sentinel comparisons like errors.Is(err, fault.TaskComplete("", nil)).
func (f *Fault) Is(target error) bool {
	var t *Fault
	if !errors.As(target, &t) {
		return false
	}
	return f.Kind == t.Kind
}

// WithAgent tags the fault with the agent and iteration it occurred in.
func (f *Fault) WithAgent(agentID string, iteration int) *Fault {
	f.AgentID = agentID
	f.Iteration = iteration
	return f
}

// New builds a Fault of an arbitrary kind. Prefer the per-kind constructors.
func New(kind Kind, component, message string) *Fault {
	return &Fault{Kind: kind, Component: component, Message: message, Meta: map[string]any{}}
}

// KindOf returns the Kind of err, or "" when err is not a Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether err is a provider fault the loop may retry.
func IsRetryable(err error) bool {
	var f *Fault
	if !errors.As(err, &f) {
		return false
	}
	return f.Kind == KindLLMProviderError && f.RetryClass != RetryNone
}

// RetryClassOf extracts the retry class of a provider fault.
func RetryClassOf(err error) RetryClass {
	var f *Fault
	if errors.As(err, &f) {
		return f.RetryClass
	}
	return RetryNone
}

// ============================================================================
// PER-KIND CONSTRUCTORS
// ============================================================================

// TaskComplete is the control-flow signal emitted when the done tool fires.
// Message is the agent's final answer; output carries any structured payload.
func TaskComplete(message string, output map[string]any) *Fault {
	return &Fault{
		Kind:      KindTaskComplete,
		Component: "agent",
		Message:   message,
		Meta:      map[string]any{"output": output},
	}
}

// CompletionOutput returns the structured payload attached to a TaskComplete.
func CompletionOutput(err error) map[string]any {
	var f *Fault
	if !errors.As(err, &f) || f.Kind != KindTaskComplete {
		return nil
	}
	out, _ := f.Meta["output"].(map[string]any)
	return out
}

// PermissionDenied reports a tool blocked by policy.
func PermissionDenied(tool, reason string) *Fault {
	return &Fault{
		Kind:         KindPermissionDenied,
		Component:    "tools",
		Message:      fmt.Sprintf("tool %q denied: %s", tool, reason),
		SuggestedFix: "use an allowed tool or adjust the tool policy",
		Meta:         map[string]any{"tool": tool},
	}
}

// ToolExecution wraps a failure raised by a tool executor.
func ToolExecution(tool string, err error) *Fault {
	return &Fault{
		Kind:         KindToolExecutionError,
		Component:    "tools",
		Message:      fmt.Sprintf("tool %q failed: %v", tool, err),
		SuggestedFix: "inspect the tool arguments and retry with corrected input",
		Meta:         map[string]any{"tool": tool},
		Err:          err,
	}
}

// ToolNotFound reports an unresolvable tool name with up to five suggestions.
func ToolNotFound(tool string, suggestions []string) *Fault {
	if len(suggestions) > 5 {
		suggestions = suggestions[:5]
	}
	msg := fmt.Sprintf("tool %q not found", tool)
	if len(suggestions) > 0 {
		msg = fmt.Sprintf("%s; did you mean one of %v", msg, suggestions)
	}
	return &Fault{
		Kind:         KindToolNotFound,
		Component:    "tools",
		Message:      msg,
		SuggestedFix: "call one of the advertised tools",
		Meta:         map[string]any{"tool": tool, "suggestions": suggestions},
	}
}

// Suggestions returns the suggestion list carried by a ToolNotFound.
func Suggestions(err error) []string {
	var f *Fault
	if !errors.As(err, &f) || f.Kind != KindToolNotFound {
		return nil
	}
	s, _ := f.Meta["suggestions"].([]string)
	return s
}

// MemoryBudget reports an insert that would exceed a tier budget. The tiers
// always make room by evicting, so this kind is informational and never
// propagates out of the memory package.
func MemoryBudget(tier string, needed, budget int) *Fault {
	return &Fault{
		Kind:         KindMemoryBudgetExceeded,
		Component:    "memory",
		Message:      fmt.Sprintf("%s insert of %d tokens exceeds budget %d", tier, needed, budget),
		SuggestedFix: "raise the tier budget or reduce item size",
		Meta:         map[string]any{"tier": tier, "needed": needed, "budget": budget},
	}
}

// ContextBuild reports a context-assembly source failure.
func ContextBuild(source string, err error) *Fault {
	return &Fault{
		Kind:         KindContextBuildError,
		Component:    "agent",
		Message:      fmt.Sprintf("context source %q failed: %v", source, err),
		SuggestedFix: "source will be skipped; check memory and embedder health",
		Meta:         map[string]any{"source": source},
		Err:          err,
	}
}

// MaxIterations reports an exhausted iteration budget.
func MaxIterations(limit int) *Fault {
	return &Fault{
		Kind:         KindMaxIterationsExceeded,
		Component:    "agent",
		Message:      fmt.Sprintf("task did not complete within %d iterations", limit),
		SuggestedFix: "raise max_iterations or simplify the task",
		Meta:         map[string]any{"limit": limit},
	}
}

// Delegation reports an invalid or failed delegate_subtasks call.
func Delegation(message string, err error) *Fault {
	return &Fault{
		Kind:         KindDelegationError,
		Component:    "orchestrator",
		Message:      message,
		SuggestedFix: "check subtask count, depth limit, and child results",
		Err:          err,
	}
}

// LLMProvider reports a provider failure; class marks it retryable.
func LLMProvider(provider string, class RetryClass, err error) *Fault {
	return &Fault{
		Kind:         KindLLMProviderError,
		Component:    "llms",
		Message:      fmt.Sprintf("provider %q: %v", provider, err),
		SuggestedFix: "verify provider credentials and availability",
		RetryClass:   class,
		Meta:         map[string]any{"provider": provider},
		Err:          err,
	}
}

// BudgetExceeded reports the token-budget interceptor blocking a dispatch.
func BudgetExceeded(used, limit int) *Fault {
	return &Fault{
		Kind:         KindBudgetExceeded,
		Component:    "interceptor",
		Message:      fmt.Sprintf("token budget exhausted: %d used of %d", used, limit),
		SuggestedFix: "raise max_tokens for the session or abort",
		Meta:         map[string]any{"used": used, "limit": limit},
	}
}

// Timeout reports a dispatch or execution deadline expiry.
func Timeout(op string, after time.Duration) *Fault {
	return &Fault{
		Kind:         KindTimeout,
		Component:    "dispatcher",
		Message:      fmt.Sprintf("%s timed out after %s", op, after),
		SuggestedFix: "raise the timeout or reduce the work per dispatch",
		Meta:         map[string]any{"op": op, "after": after.String()},
	}
}
