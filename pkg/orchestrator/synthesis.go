package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fractalhq/fractal/pkg/agent"
	"github.com/fractalhq/fractal/pkg/llms"
)

// synthesize combines child results per the requested strategy. It reads the
// results and nothing else; no memory is touched.
func (o *Orchestrator) synthesize(ctx context.Context, parent *agent.Agent, req DelegationRequest, results []childResult) string {
	strategy := req.Synthesis
	if strategy == SynthesisAuto {
		strategy = SynthesisStructured
		if parent.Provider() != nil && anySucceeded(results) {
			strategy = SynthesisLLM
		}
	}

	switch strategy {
	case SynthesisConcatenate:
		return concatenate(results)
	case SynthesisLLM:
		out, err := o.synthesizeLLM(ctx, parent, results)
		if err != nil {
			slog.Warn("llm synthesis failed, falling back to structured",
				"parent", parent.NodeID(), "error", err)
			return structured(results)
		}
		return out
	default:
		return structured(results)
	}
}

func anySucceeded(results []childResult) bool {
	for _, r := range results {
		if r.succeeded() {
			return true
		}
	}
	return false
}

// concatenate joins the result strings with a horizontal-rule separator.
// Failed children contribute their error text.
func concatenate(results []childResult) string {
	parts := make([]string, 0, len(results))
	for _, r := range results {
		if r.succeeded() {
			parts = append(parts, r.content)
		} else {
			parts = append(parts, "error: "+r.err.Error())
		}
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// structured renders a markdown report: a top-line tally, then one section
// per subtask with a status marker.
func structured(results []childResult) string {
	succeeded := 0
	for _, r := range results {
		if r.succeeded() {
			succeeded++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d succeeded, %d failed\n", succeeded, len(results)-succeeded)
	for i, r := range results {
		marker := "✓"
		if !r.succeeded() {
			marker = "✗"
		}
		fmt.Fprintf(&b, "\n## %s Subtask %d: %s\n\n", marker, i+1, r.spec.Description)
		if r.succeeded() {
			b.WriteString(r.content)
		} else {
			b.WriteString("error: " + r.err.Error())
		}
		b.WriteString("\n")
	}
	return b.String()
}

// synthesizeLLM asks the parent's provider for a single coherent answer over
// the child results.
func (o *Orchestrator) synthesizeLLM(ctx context.Context, parent *agent.Agent, results []childResult) (string, error) {
	var b strings.Builder
	b.WriteString("Combine the following subtask results into one coherent answer for the original task.\n")
	if task := lastUserTask(parent); task != "" {
		b.WriteString("\nOriginal task: " + task + "\n")
	}
	for i, r := range results {
		status := "succeeded"
		body := r.content
		if !r.succeeded() {
			status = "failed"
			body = r.err.Error()
		}
		fmt.Fprintf(&b, "\nSubtask %d (%s): %s\nResult: %s\n", i+1, status, r.spec.Description, body)
	}

	resp, err := llms.Retry(ctx, parent.Provider().Name(), func() (*llms.Response, error) {
		return parent.Provider().Chat(ctx,
			[]llms.Message{{Role: llms.RoleUser, Content: b.String()}},
			nil,
			llms.Params{MaxTokens: o.cfg.MaxSynthesisTokens})
	})
	if err != nil {
		return "", err
	}
	if resp.Content == "" {
		return "", fmt.Errorf("provider returned an empty synthesis")
	}
	return resp.Content, nil
}

// lastUserTask peeks the parent's most recent user message for the synthesis
// prompt.
func lastUserTask(parent *agent.Agent) string {
	recent := parent.Memory().Recent(0, parent.Memory().SessionID())
	for i := len(recent) - 1; i >= 0; i-- {
		if string(recent[i].Role) == llms.RoleUser {
			return recent[i].Content
		}
	}
	return ""
}
