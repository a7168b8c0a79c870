package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fractalhq/fractal/pkg/llms"
	"github.com/fractalhq/fractal/pkg/memory"
)

// buildContext assembles the message list for one iteration: system prompt,
// then working-memory and summary blocks, then the recent conversation. The
// token budget is contextWindow × (1 − outputReserve); sources fill it in
// priority order (system > recent > working set > summaries > semantic), so
// when the budget runs short the lowest-priority sources are dropped first.
//
// The in-process sources cannot fail; the semantic source is the only
// fallible one and is skipped with a warning when it errors, so the build
// always yields at least the system prompt and conversation.
func (a *Agent) buildContext(ctx context.Context, task Task) ([]llms.Message, error) {
	budget := int(float64(a.provider.ContextWindow()) * (1 - a.outputReserve))
	used := 0

	system := a.cfg.SystemPrompt
	if system != "" {
		used += a.counter.CountMessage(llms.RoleSystem, system)
	}

	// Recent conversation, newest backwards until the budget would
	// overflow. The remaining sources share what is left.
	recent := a.memory.Recent(0, a.memory.SessionID())

	conversation := make([]llms.Message, 0, len(recent))
	conversationTokens := 0
	recentBudget := budget - used
	for i := len(recent) - 1; i >= 0; i-- {
		item := recent[i]
		cost := item.TokenCount
		if cost == 0 {
			cost = a.counter.CountMessage(string(item.Role), item.Content)
		}
		if conversationTokens+cost > recentBudget && len(conversation) > 0 {
			break
		}
		conversation = append(conversation, toLLMMessage(item))
		conversationTokens += cost
	}
	// Back into chronological order.
	for i, j := 0, len(conversation)-1; i < j; i, j = i+1, j-1 {
		conversation[i], conversation[j] = conversation[j], conversation[i]
	}
	used += conversationTokens

	var blocks []string

	if block := a.workingSetBlock(budget - used); block != "" {
		used += a.counter.CountMessage(llms.RoleSystem, block)
		blocks = append(blocks, block)
	}

	if block := a.summaryBlock(budget - used); block != "" {
		used += a.counter.CountMessage(llms.RoleSystem, block)
		blocks = append(blocks, block)
	}

	if block, err := a.semanticBlock(ctx, task.Content, budget-used); err != nil {
		slog.Warn("skipping semantic context source",
			"agent", a.cfg.NodeID, "error", err)
	} else if block != "" {
		blocks = append(blocks, block)
	}

	messages := make([]llms.Message, 0, len(conversation)+2)
	if system != "" {
		messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: system})
	}
	if len(blocks) > 0 {
		messages = append(messages, llms.Message{
			Role:    llms.RoleSystem,
			Content: strings.Join(blocks, "\n\n"),
		})
	}
	messages = append(messages, conversation...)
	return messages, nil
}

// workingSetBlock renders the important working-set entries that fit.
func (a *Agent) workingSetBlock(budget int) string {
	if budget <= 0 {
		return ""
	}
	entries := a.memory.Important(0, a.memory.SessionID())
	if len(entries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Working memory:")
	used := 0
	for _, e := range entries {
		line := fmt.Sprintf("\n- [%s] %s", e.EntryType, e.Content)
		cost := a.counter.Count(line)
		if used+cost > budget {
			break
		}
		b.WriteString(line)
		used += cost
	}
	if used == 0 {
		return ""
	}
	return b.String()
}

// summaryBlock renders recent task summaries that fit.
func (a *Agent) summaryBlock(budget int) string {
	if budget <= 0 {
		return ""
	}
	summaries := a.memory.Summaries(0, a.memory.SessionID())
	if len(summaries) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Earlier task summaries:")
	used := 0
	for _, s := range summaries {
		line := fmt.Sprintf("\n- %s %s %s", s.Action, s.ParamSummary, s.ResultSummary)
		cost := a.counter.Count(line)
		if used+cost > budget {
			break
		}
		b.WriteString(line)
		used += cost
	}
	if used == 0 {
		return ""
	}
	return b.String()
}

// semanticBlock retrieves long-term memory relevant to the current task.
func (a *Agent) semanticBlock(ctx context.Context, query string, budget int) (string, error) {
	if budget <= 0 || query == "" {
		return "", nil
	}
	hits, err := a.memory.SemanticSearch(ctx, query, 5, a.memory.SessionID())
	if err != nil {
		return "", err
	}
	if len(hits) == 0 {
		return "", nil
	}

	var b strings.Builder
	b.WriteString("Relevant past work:")
	used := 0
	for _, h := range hits {
		line := fmt.Sprintf("\n- %s %s %s", h.Action, h.ParamSummary, h.ResultSummary)
		cost := a.counter.Count(line)
		if used+cost > budget {
			break
		}
		b.WriteString(line)
		used += cost
	}
	if used == 0 {
		return "", nil
	}
	return b.String(), nil
}

func toLLMMessage(item memory.MessageItem) llms.Message {
	return llms.Message{
		Role:       string(item.Role),
		Content:    item.Content,
		ToolCallID: item.ToolCallID,
		ToolName:   item.ToolName,
	}
}
