package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/embedders"
	"github.com/fractalhq/fractal/pkg/fault"
	"github.com/fractalhq/fractal/pkg/interceptor"
	"github.com/fractalhq/fractal/pkg/llms"
	"github.com/fractalhq/fractal/pkg/memory"
	"github.com/fractalhq/fractal/pkg/tokenizer"
	"github.com/fractalhq/fractal/pkg/tools"
	"github.com/fractalhq/fractal/pkg/vector"
)

// scriptedProvider replays a fixed chunk script per StreamChat call.
type scriptedProvider struct {
	mu    sync.Mutex
	turns [][]llms.StreamChunk
	call  int
}

func (p *scriptedProvider) Name() string       { return "scripted" }
func (p *scriptedProvider) Model() string      { return "gpt-4o" }
func (p *scriptedProvider) ContextWindow() int { return 128000 }
func (p *scriptedProvider) Close() error       { return nil }

func (p *scriptedProvider) Chat(context.Context, []llms.Message, []llms.ToolDefinition, llms.Params) (*llms.Response, error) {
	return nil, fmt.Errorf("not scripted")
}

func (p *scriptedProvider) StreamChat(context.Context, []llms.Message, []llms.ToolDefinition, llms.Params) (<-chan llms.StreamChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.call >= len(p.turns) {
		return nil, fmt.Errorf("script exhausted after %d turns", p.call)
	}
	script := p.turns[p.call]
	p.call++

	ch := make(chan llms.StreamChunk, len(script))
	for _, chunk := range script {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func textTurn(text string) []llms.StreamChunk {
	return []llms.StreamChunk{
		{Type: llms.ChunkText, Text: text},
		{Type: llms.ChunkDone, FinishReason: "stop", Usage: &llms.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}},
	}
}

func callTurn(id, name string, args map[string]any, raw string) []llms.StreamChunk {
	return []llms.StreamChunk{
		{Type: llms.ChunkToolCallStart, ToolID: id, ToolName: name, Index: 0},
		{Type: llms.ChunkToolCallComplete, ToolID: id, ToolName: name, Index: 0, Arguments: args, RawArguments: raw},
		{Type: llms.ChunkDone, FinishReason: "tool_calls"},
	}
}

func doneTurn(message string) []llms.StreamChunk {
	return callTurn("call-done", tools.NameDone, map[string]any{"message": message}, "")
}

// recordingTool remembers whether it ran.
type recordingTool struct {
	name     string
	result   tools.Result
	err      error
	executed bool
}

func (r *recordingTool) Definition() tools.Definition {
	return tools.Definition{Name: r.name, Description: "test tool", Scope: tools.ScopeSystem}
}

func (r *recordingTool) Execute(context.Context, map[string]any) (tools.Result, error) {
	r.executed = true
	return r.result, r.err
}

func newTestAgent(t *testing.T, cfg Config, provider llms.Provider, extraTools ...tools.Tool) *Agent {
	t.Helper()

	reg := tools.NewRegistry()
	for _, tool := range extraTools {
		require.NoError(t, reg.Add(tool))
	}

	mem, err := memory.NewManager(cfg.NodeID, "session-1", memory.Config{}, nil, nil)
	require.NoError(t, err)

	a, err := New(cfg, Deps{
		Provider:   provider,
		Router:     tools.NewRouter(reg),
		Memory:     mem,
		Dispatcher: bus.NewDispatcher(bus.NewEventBus(), nil),
	})
	require.NoError(t, err)
	return a
}

func TestExecuteCompletesViaDoneTool(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		doneTurn("the answer is 42"),
	}}
	a := newTestAgent(t, Config{NodeID: "agent-1", SystemPrompt: "be helpful", RequireDoneTool: true}, provider)

	res, err := a.Execute(context.Background(), Task{Content: "what is the answer?"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "the answer is 42", res.Content)
	assert.Equal(t, 1, res.Iterations)
}

func TestExecuteBareTextCompletes(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		textTurn("plain answer"),
	}}
	a := newTestAgent(t, Config{NodeID: "agent-1"}, provider)

	res, err := a.Execute(context.Background(), Task{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "plain answer", res.Content)
}

func TestExecuteBareTextGetsReminderWhenDoneRequired(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		textTurn("I think the answer is 42"),
		doneTurn("42"),
	}}
	a := newTestAgent(t, Config{NodeID: "agent-1", RequireDoneTool: true}, provider)

	res, err := a.Execute(context.Background(), Task{Content: "compute"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, "42", res.Content)
	assert.Equal(t, 2, res.Iterations)

	var reminded bool
	for _, m := range a.Memory().Recent(0, "session-1") {
		if m.Role == memory.RoleUser && m.Content == doneReminder {
			reminded = true
		}
	}
	assert.True(t, reminded, "reminder should be recorded in conversation memory")
}

func TestExecuteToolFailureBecomesObservation(t *testing.T) {
	flaky := &recordingTool{name: "flaky", err: fmt.Errorf("network down")}
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		callTurn("call-1", "flaky", map[string]any{}, "{}"),
		doneTurn("sorry, the tool failed"),
	}}
	a := newTestAgent(t, Config{NodeID: "agent-1", RequireDoneTool: true}, provider, flaky)

	res, err := a.Execute(context.Background(), Task{Content: "use flaky"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, flaky.executed)

	var observation string
	for _, m := range a.Memory().Recent(0, "session-1") {
		if m.Role == memory.RoleTool && m.ToolCallID == "call-1" {
			observation = m.Content
		}
	}
	require.NotEmpty(t, observation)
	assert.Contains(t, observation, "error:")
	assert.Contains(t, observation, "network down")
}

func TestExecuteInvalidArgumentsSkipsTool(t *testing.T) {
	target := &recordingTool{name: "target", result: tools.Text("ok")}
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		callTurn("call-1", "target", nil, "{x:"),
		doneTurn("recovered"),
	}}
	a := newTestAgent(t, Config{NodeID: "agent-1", RequireDoneTool: true}, provider, target)

	res, err := a.Execute(context.Background(), Task{Content: "go"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, target.executed, "tool must not run on unparseable arguments")

	var observation string
	for _, m := range a.Memory().Recent(0, "session-1") {
		if m.Role == memory.RoleTool && m.ToolCallID == "call-1" {
			observation = m.Content
		}
	}
	require.NotEmpty(t, observation)
	assert.Contains(t, observation, "invalid tool arguments")
}

func TestExecuteUnknownToolObservation(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		callTurn("call-1", "web_serch", map[string]any{}, "{}"),
		doneTurn("done"),
	}}
	web := &recordingTool{name: "web_search", result: tools.Text("hits")}
	a := newTestAgent(t, Config{NodeID: "agent-1", RequireDoneTool: true}, provider, web)

	res, err := a.Execute(context.Background(), Task{Content: "search"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.False(t, web.executed)

	var observation string
	for _, m := range a.Memory().Recent(0, "session-1") {
		if m.Role == memory.RoleTool && m.ToolCallID == "call-1" {
			observation = m.Content
		}
	}
	assert.Contains(t, observation, "web_search", "suggestion should mention the near miss")
}

func TestExecuteMaxIterationsExceeded(t *testing.T) {
	turns := make([][]llms.StreamChunk, 3)
	for i := range turns {
		turns[i] = callTurn(fmt.Sprintf("call-%d", i), "noop", map[string]any{}, "{}")
	}
	noop := &recordingTool{name: "noop", result: tools.Text("ok")}
	limit := 3
	provider := &scriptedProvider{turns: turns}
	a := newTestAgent(t, Config{NodeID: "agent-1", MaxIterations: &limit, RequireDoneTool: true}, provider, noop)

	res, err := a.Execute(context.Background(), Task{Content: "loop forever"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindMaxIterationsExceeded))
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, res.Iterations)
}

func TestExecuteZeroIterationBudgetFailsImmediately(t *testing.T) {
	zero := 0
	provider := &scriptedProvider{}
	a := newTestAgent(t, Config{NodeID: "agent-1", MaxIterations: &zero}, provider)

	res, err := a.Execute(context.Background(), Task{Content: "anything"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindMaxIterationsExceeded))
	assert.Equal(t, 0, res.Iterations)

	// The incoming task is recorded even when no iteration ran.
	recent := a.Memory().Recent(0, "session-1")
	require.NotEmpty(t, recent)
	assert.Equal(t, "anything", recent[0].Content)
}

// funcTool adapts a closure into a Tool.
type funcTool struct {
	name string
	fn   func(context.Context, map[string]any) (tools.Result, error)
}

func (f *funcTool) Definition() tools.Definition {
	return tools.Definition{Name: f.name, Description: "test tool", Scope: tools.ScopeSystem}
}

func (f *funcTool) Execute(ctx context.Context, args map[string]any) (tools.Result, error) {
	return f.fn(ctx, args)
}

func TestExecuteSequentialToolOrder(t *testing.T) {
	var order []string
	mk := func(name string) tools.Tool {
		return &funcTool{name: name, fn: func(context.Context, map[string]any) (tools.Result, error) {
			order = append(order, name)
			return tools.Text("ok"), nil
		}}
	}

	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		{
			{Type: llms.ChunkToolCallStart, ToolID: "c1", ToolName: "first", Index: 0},
			{Type: llms.ChunkToolCallStart, ToolID: "c2", ToolName: "second", Index: 1},
			{Type: llms.ChunkToolCallComplete, ToolID: "c2", ToolName: "second", Index: 1, Arguments: map[string]any{}},
			{Type: llms.ChunkToolCallComplete, ToolID: "c1", ToolName: "first", Index: 0, Arguments: map[string]any{}},
			{Type: llms.ChunkDone, FinishReason: "tool_calls"},
		},
		doneTurn("both ran"),
	}}
	a := newTestAgent(t, Config{NodeID: "agent-1", RequireDoneTool: true}, provider, mk("first"), mk("second"))

	_, err := a.Execute(context.Background(), Task{Content: "run both"})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestExecutePublishesCompleteEvent(t *testing.T) {
	b := bus.NewEventBus()
	received := make(chan *bus.Event, 1)
	_, err := b.Subscribe(bus.TypeNodeComplete, func(_ context.Context, ev *bus.Event) error {
		received <- ev
		return nil
	})
	require.NoError(t, err)

	reg := tools.NewRegistry()
	mem, err := memory.NewManager("agent-1", "session-1", memory.Config{}, nil, nil)
	require.NoError(t, err)
	a, aerr := New(Config{NodeID: "agent-1"}, Deps{
		Provider:   &scriptedProvider{turns: [][]llms.StreamChunk{textTurn("hi")}},
		Router:     tools.NewRouter(reg),
		Memory:     mem,
		Dispatcher: bus.NewDispatcher(b, nil),
	})
	require.NoError(t, aerr)

	_, err = a.Execute(context.Background(), Task{Content: "greet"})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, bus.TypeNodeComplete, ev.Type)
		assert.Equal(t, "agent-1", ev.Source)
		assert.Equal(t, "completed", ev.Data["status"])
	default:
		t.Fatal("no node.complete event published")
	}
}

// flatCounter charges a fixed price per message, keeping budget math exact.
type flatCounter struct{ perMessage int }

func (c flatCounter) Count(string) int                  { return c.perMessage }
func (c flatCounter) CountMessage(string, string) int   { return c.perMessage }
func (c flatCounter) CountMessages(ms []tokenizer.Message) int {
	return c.perMessage * len(ms)
}

func TestExecuteAccountsTokensAgainstBudget(t *testing.T) {
	b := bus.NewEventBus()
	budget := interceptor.NewBudget(30, b)

	mem, err := memory.NewManager("agent-1", "session-1", memory.Config{}, nil, nil)
	require.NoError(t, err)
	a, err := New(Config{NodeID: "agent-1"}, Deps{
		Provider:   &scriptedProvider{turns: [][]llms.StreamChunk{textTurn("first answer"), textTurn("second answer")}},
		Router:     tools.NewRouter(tools.NewRegistry()),
		Memory:     mem,
		Dispatcher: bus.NewDispatcher(b, []bus.Interceptor{budget}),
		Counter:    flatCounter{perMessage: 10},
	})
	require.NoError(t, err)

	// First task: the pre-turn estimate (two messages) fits, and the
	// completion event folds the reported usage into the running total.
	res, err := a.Execute(context.Background(), Task{Content: "first question"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 15, budget.Spent())

	// Second task: spent plus the grown context projects past the limit,
	// so the turn is vetoed before the provider is called.
	_, err = a.Execute(context.Background(), Task{Content: "second question"})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindBudgetExceeded))
}

func TestAggregatorReassemblesFragments(t *testing.T) {
	agg := newAggregator()
	agg.feed(llms.StreamChunk{Type: llms.ChunkToolCallStart, ToolID: "c1", ToolName: "search", Index: 0})
	agg.feed(llms.StreamChunk{Type: llms.ChunkToolCallDelta, Index: 0, ArgumentsFragment: `{"query":`})
	agg.feed(llms.StreamChunk{Type: llms.ChunkToolCallDelta, Index: 0, ArgumentsFragment: `"go testing"}`})
	agg.feed(llms.StreamChunk{Type: llms.ChunkToolCallComplete, Index: 0})

	calls := agg.finish()
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].Name)
	require.NotNil(t, calls[0].Args)
	assert.Equal(t, "go testing", calls[0].Args["query"])
}

func TestAggregatorInvalidJSON(t *testing.T) {
	agg := newAggregator()
	agg.feed(llms.StreamChunk{Type: llms.ChunkToolCallStart, ToolID: "c1", ToolName: "search", Index: 0})
	agg.feed(llms.StreamChunk{Type: llms.ChunkToolCallDelta, Index: 0, ArgumentsFragment: `{"query": unterminated`})

	calls := agg.finish()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].Args)
	require.Error(t, calls[0].Err)
	assert.Contains(t, calls[0].Err.Error(), "invalid tool arguments")
}

func TestAggregatorEmptyArguments(t *testing.T) {
	agg := newAggregator()
	agg.feed(llms.StreamChunk{Type: llms.ChunkToolCallStart, ToolID: "c1", ToolName: "list", Index: 0})
	agg.feed(llms.StreamChunk{Type: llms.ChunkToolCallComplete, Index: 0})

	calls := agg.finish()
	require.Len(t, calls, 1)
	assert.NotNil(t, calls[0].Args)
	assert.Empty(t, calls[0].Args)
	assert.NoError(t, calls[0].Err)
}

func TestBuildContextIncludesSystemAndConversation(t *testing.T) {
	a := newTestAgent(t, Config{NodeID: "agent-1", SystemPrompt: "you are terse"}, &scriptedProvider{})
	a.Memory().AddMessage(context.Background(), memory.MessageItem{Role: memory.RoleUser, Content: "earlier question"})

	messages, err := a.buildContext(context.Background(), Task{Content: "earlier question"})
	require.NoError(t, err)
	require.NotEmpty(t, messages)
	assert.Equal(t, llms.RoleSystem, messages[0].Role)
	assert.Equal(t, "you are terse", messages[0].Content)

	var hasConversation bool
	for _, m := range messages {
		if m.Role == llms.RoleUser && strings.Contains(m.Content, "earlier question") {
			hasConversation = true
		}
	}
	assert.True(t, hasConversation)
}

// failingStore rejects every search so the semantic tier degrades.
type failingStore struct{}

func (failingStore) Name() string                                    { return "failing" }
func (failingStore) Add(context.Context, vector.Document) error      { return fmt.Errorf("store offline") }
func (failingStore) AddBatch(context.Context, []vector.Document) error {
	return fmt.Errorf("store offline")
}
func (failingStore) Search(context.Context, []float32, int, vector.Filter) ([]vector.Result, error) {
	return nil, fmt.Errorf("store offline")
}
func (failingStore) Delete(context.Context, string) (bool, error)           { return false, nil }
func (failingStore) DeleteByMetadata(context.Context, vector.Filter) (int, error) { return 0, nil }
func (failingStore) Count(context.Context) (int, error)                     { return 0, nil }
func (failingStore) Clear(context.Context) error                            { return nil }
func (failingStore) Close() error                                           { return nil }

func TestBuildContextSurvivesSemanticSourceFailure(t *testing.T) {
	mem, err := memory.NewManager("agent-1", "session-1", memory.Config{},
		failingStore{}, embedders.NewHash(8))
	require.NoError(t, err)

	a, err := New(Config{NodeID: "agent-1", SystemPrompt: "be terse"}, Deps{
		Provider:   &scriptedProvider{},
		Router:     tools.NewRouter(tools.NewRegistry()),
		Memory:     mem,
		Dispatcher: bus.NewDispatcher(bus.NewEventBus(), nil),
	})
	require.NoError(t, err)

	mem.AddMessage(context.Background(), memory.MessageItem{
		TaskID: "t1", Role: memory.RoleUser, Content: "find the report",
	})

	messages, err := a.buildContext(context.Background(), Task{ID: "t1", Content: "find the report"})
	require.NoError(t, err)
	require.NotEmpty(t, messages)
	assert.Equal(t, "find the report", messages[len(messages)-1].Content)
}

func TestRegistryAdd(t *testing.T) {
	r := NewRegistry()
	a := newTestAgent(t, Config{NodeID: "agent-7"}, &scriptedProvider{})
	require.NoError(t, r.Add(a))

	got, ok := r.Get("agent-7")
	require.True(t, ok)
	assert.Equal(t, "agent-7", got.NodeID())
	assert.Error(t, r.Add(a), "duplicate node id must be rejected")
}
