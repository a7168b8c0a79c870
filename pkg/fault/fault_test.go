package fault

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFault_ErrorRendersKindAndMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *Fault
		want string
	}{
		{
			name: "tool not found with suggestions",
			err:  ToolNotFound("serch", []string{"search", "fetch"}),
			want: `ToolNotFound: tool "serch" not found; did you mean one of [search fetch]`,
		},
		{
			name: "max iterations",
			err:  MaxIterations(10),
			want: "MaxIterationsExceeded: task did not complete within 10 iterations",
		},
		{
			name: "budget",
			err:  BudgetExceeded(1200, 1000),
			want: "BudgetExceeded: token budget exhausted: 1200 used of 1000",
		},
		{
			name: "timeout",
			err:  Timeout("dispatch", 5*time.Second),
			want: "Timeout: dispatch timed out after 5s",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestFault_KindMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", PermissionDenied("shell", "not allowed"))

	assert.True(t, IsKind(err, KindPermissionDenied))
	assert.False(t, IsKind(err, KindToolNotFound))
	assert.Equal(t, KindPermissionDenied, KindOf(err))

	// errors.Is matches on Kind across distinct instances.
	assert.True(t, errors.Is(err, PermissionDenied("", "")))
}

func TestFault_SuggestionsCappedAtFive(t *testing.T) {
	names := []string{"a", "b", "c", "d", "e", "f", "g"}
	err := ToolNotFound("x", names)

	got := Suggestions(err)
	require.Len(t, got, 5)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, got)
}

func TestFault_RetryClassification(t *testing.T) {
	retryable := LLMProvider("openai", RetryRateLimit, errors.New("429"))
	fatal := LLMProvider("openai", RetryNone, errors.New("401"))

	assert.True(t, IsRetryable(retryable))
	assert.False(t, IsRetryable(fatal))
	assert.Equal(t, RetryRateLimit, RetryClassOf(retryable))

	// Non-provider faults are never retryable.
	assert.False(t, IsRetryable(MaxIterations(3)))
}

func TestFault_TaskCompleteCarriesOutput(t *testing.T) {
	err := TaskComplete("all done", map[string]any{"answer": 42})

	require.True(t, IsKind(err, KindTaskComplete))
	out := CompletionOutput(err)
	require.NotNil(t, out)
	assert.Equal(t, 42, out["answer"])

	assert.Nil(t, CompletionOutput(errors.New("plain")))
}

func TestFault_WithAgentContext(t *testing.T) {
	err := ToolExecution("search", errors.New("network down")).WithAgent("researcher", 2)

	assert.Equal(t, "researcher", err.AgentID)
	assert.Equal(t, 2, err.Iteration)
	assert.Contains(t, err.Detail(), "agent=researcher iteration=2")
	// The user-visible form stays free of telemetry detail.
	assert.NotContains(t, err.Error(), "researcher")
}

func TestFault_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := LLMProvider("anthropic", RetryConnection, cause)

	assert.ErrorIs(t, err, cause)
}
