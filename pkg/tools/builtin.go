package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/memory"
)

// Builtin tool names resolved by the router ahead of the registry.
const (
	NameCreateTool   = "create_tool"
	NameQuery        = "query"
	NameBrowseMemory = "browse_memory"
	NameManageMemory = "manage_memory"
	NameQueryEvents  = "query_events"
	NameDone         = "done"
	NameDelegate     = "delegate_subtasks"
	NameDelegateTask = "delegate_task"
)

// BuiltinDefinitions returns the definitions of the unified memory and event
// tools.
func BuiltinDefinitions() []Definition {
	return []Definition{
		{
			Name:        NameQuery,
			Description: "Search memory across all tiers: recent conversation, important entries, summaries, and semantic matches.",
			Parameters: ObjectSchema(map[string]any{
				"query": Prop("string", "Text to search for"),
				"limit": Prop("integer", "Maximum results per tier (default 5)"),
			}, "query"),
			Scope: ScopeSystem,
		},
		{
			Name:        NameBrowseMemory,
			Description: "List the contents of one memory tier.",
			Parameters: ObjectSchema(map[string]any{
				"tier":  Prop("string", "Tier to browse: recent, important, or summaries"),
				"limit": Prop("integer", "Maximum items (default 10)"),
			}, "tier"),
			Scope: ScopeSystem,
		},
		{
			Name:        NameManageMemory,
			Description: "Store an important entry in working memory, or report memory statistics.",
			Parameters: ObjectSchema(map[string]any{
				"action":     Prop("string", "One of: remember, stats"),
				"content":    Prop("string", "Content to remember"),
				"importance": Prop("number", "Importance in [0,1] (default 0.7)"),
				"entry_type": Prop("string", "fact, decision, plan, observation, or other"),
			}, "action"),
			Scope: ScopeSystem,
		},
		{
			Name:        NameQueryEvents,
			Description: "Inspect recent runtime events from the diagnostic log.",
			Parameters: ObjectSchema(map[string]any{
				"type":    Prop("string", "Event type pattern, e.g. node.* "),
				"source":  Prop("string", "Source URI filter"),
				"task_id": Prop("string", "Task id filter"),
				"limit":   Prop("integer", "Maximum events (default 10)"),
			}),
			Scope: ScopeSystem,
		},
	}
}

// DoneDefinition advertises the loop-terminating done tool. Its execution is
// intercepted by the agent loop, never routed.
func DoneDefinition() Definition {
	return Definition{
		Name:        NameDone,
		Description: "Signal that the task is complete. Call this exactly once, with your final answer.",
		Parameters: ObjectSchema(map[string]any{
			"message": Prop("string", "The final answer for the requester"),
			"output":  map[string]any{"type": "object", "description": "Optional structured output"},
		}, "message"),
		Scope: ScopeSystem,
	}
}

// DelegateDefinition advertises the delegation tool handled by the
// orchestrator.
func DelegateDefinition() Definition {
	return Definition{
		Name: NameDelegate,
		Description: "Split the current task into subtasks executed by child agents, then receive " +
			"their synthesized results.",
		Parameters: ObjectSchema(map[string]any{
			"subtasks": map[string]any{
				"type":        "array",
				"description": "Subtasks to delegate, in order",
				"items": ObjectSchema(map[string]any{
					"description": Prop("string", "What the child agent should do"),
					"role":        Prop("string", "Optional role label for the child"),
					"tools":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Optional tool allowlist"},
					"max_tokens":  Prop("integer", "Optional completion cap for the child"),
				}, "description"),
			},
			"execution_mode":     Prop("string", "sequential or parallel (default sequential)"),
			"synthesis_strategy": Prop("string", "concatenate, structured, llm, or auto (default auto)"),
		}, "subtasks"),
		Scope: ScopeSystem,
	}
}

// runBuiltin executes one of the unified tools against the caller's memory
// and event log.
func runBuiltin(ctx context.Context, name string, args map[string]any, actx Context) (Result, error) {
	switch name {
	case NameQuery:
		return builtinQuery(ctx, args, actx)
	case NameBrowseMemory:
		return builtinBrowse(args, actx)
	case NameManageMemory:
		return builtinManage(ctx, args, actx)
	case NameQueryEvents:
		return builtinEvents(args, actx)
	default:
		return Fail("unknown builtin %q", name), nil
	}
}

func isBuiltin(name string) bool {
	switch name {
	case NameQuery, NameBrowseMemory, NameManageMemory, NameQueryEvents:
		return true
	}
	return false
}

func builtinQuery(ctx context.Context, args map[string]any, actx Context) (Result, error) {
	if actx.Memory == nil {
		return Fail("memory is not available"), nil
	}
	query := StringArg(args, "query")
	if query == "" {
		return Fail("query parameter is required"), nil
	}
	limit := IntArg(args, "limit", 5)

	var b strings.Builder

	matches, err := actx.Memory.SemanticSearch(ctx, query, limit, actx.SessionID)
	if err == nil && len(matches) > 0 {
		b.WriteString("Semantic matches:\n")
		for _, s := range matches {
			fmt.Fprintf(&b, "- [%s] %s %s\n", s.Action, s.ParamSummary, s.ResultSummary)
		}
	}

	needle := strings.ToLower(query)
	var recent []string
	for _, m := range actx.Memory.Recent(0, actx.SessionID) {
		if strings.Contains(strings.ToLower(m.Content), needle) {
			recent = append(recent, fmt.Sprintf("- [%s] %s", m.Role, snippet(m.Content, 160)))
		}
	}
	if len(recent) > limit {
		recent = recent[len(recent)-limit:]
	}
	if len(recent) > 0 {
		b.WriteString("Recent conversation:\n")
		b.WriteString(strings.Join(recent, "\n"))
		b.WriteString("\n")
	}

	if b.Len() == 0 {
		return Text("no matches found"), nil
	}
	return Text(strings.TrimSpace(b.String())), nil
}

func builtinBrowse(args map[string]any, actx Context) (Result, error) {
	if actx.Memory == nil {
		return Fail("memory is not available"), nil
	}
	limit := IntArg(args, "limit", 10)

	var b strings.Builder
	switch tier := StringArg(args, "tier"); tier {
	case "recent", "l1":
		for _, m := range actx.Memory.Recent(limit, actx.SessionID) {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Role, snippet(m.Content, 200))
		}
	case "important", "l2":
		for _, e := range actx.Memory.Important(limit, actx.SessionID) {
			fmt.Fprintf(&b, "- (%.2f) [%s] %s\n", e.Importance, e.EntryType, snippet(e.Content, 200))
		}
	case "summaries", "l3":
		for _, s := range actx.Memory.Summaries(limit, actx.SessionID) {
			fmt.Fprintf(&b, "- [%s] %s %s\n", s.Action, s.ParamSummary, s.ResultSummary)
		}
	default:
		return Fail("unknown tier %q: use recent, important, or summaries", tier), nil
	}

	if b.Len() == 0 {
		return Text("tier is empty"), nil
	}
	return Text(strings.TrimSpace(b.String())), nil
}

func builtinManage(ctx context.Context, args map[string]any, actx Context) (Result, error) {
	if actx.Memory == nil {
		return Fail("memory is not available"), nil
	}

	switch action := StringArg(args, "action"); action {
	case "remember":
		content := StringArg(args, "content")
		if content == "" {
			return Fail("content is required to remember"), nil
		}
		entry := actx.Memory.AddEntry(ctx, memory.WorkingMemoryEntry{
			Content:    content,
			Importance: FloatArg(args, "importance", 0.7),
			EntryType:  memory.EntryType(StringArg(args, "entry_type")),
		})
		return Text(fmt.Sprintf("remembered entry %s", entry.ID)), nil

	case "stats":
		st := actx.Memory.Stats()
		return Text(fmt.Sprintf(
			"L1: %d items / %d tokens; L2: %d items / %d tokens; L3: %d items / %d tokens; L4: %d vectors",
			st.L1Count, st.L1Tokens, st.L2Count, st.L2Tokens, st.L3Count, st.L3Tokens, st.L4Count)), nil

	default:
		return Fail("unknown action %q: use remember or stats", action), nil
	}
}

func builtinEvents(args map[string]any, actx Context) (Result, error) {
	if actx.Events == nil {
		return Fail("event log is not available"), nil
	}

	records := actx.Events.Query(bus.Query{
		Type:   StringArg(args, "type"),
		Source: StringArg(args, "source"),
		Target: StringArg(args, "target"),
		TaskID: StringArg(args, "task_id"),
		Limit:  IntArg(args, "limit", 10),
	})
	if len(records) == 0 {
		return Text("no events matched"), nil
	}

	var b strings.Builder
	for _, r := range records {
		fmt.Fprintf(&b, "- %s %s -> %s (id=%s", r.Event.Type, r.Event.Source, r.Event.Subject, r.Event.ID)
		if r.Failed() {
			b.WriteString(", failed")
		}
		b.WriteString(")\n")
	}
	return Text(strings.TrimSpace(b.String())), nil
}

func snippet(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
