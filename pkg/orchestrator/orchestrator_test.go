package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fractalhq/fractal/pkg/agent"
	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/fault"
	"github.com/fractalhq/fractal/pkg/llms"
	"github.com/fractalhq/fractal/pkg/memory"
	"github.com/fractalhq/fractal/pkg/tools"
)

// scriptedProvider replays chunk scripts; every StreamChat pops the next one.
type scriptedProvider struct {
	mu       sync.Mutex
	turns    [][]llms.StreamChunk
	call     int
	chatOut  string
	chatErr  error
	chatSeen []string
}

func (p *scriptedProvider) Name() string       { return "scripted" }
func (p *scriptedProvider) Model() string      { return "gpt-4o" }
func (p *scriptedProvider) ContextWindow() int { return 128000 }
func (p *scriptedProvider) Close() error       { return nil }

func (p *scriptedProvider) Chat(_ context.Context, messages []llms.Message, _ []llms.ToolDefinition, _ llms.Params) (*llms.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range messages {
		p.chatSeen = append(p.chatSeen, m.Content)
	}
	if p.chatErr != nil {
		return nil, p.chatErr
	}
	return &llms.Response{Content: p.chatOut}, nil
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

func doneTurn(message string) []llms.StreamChunk {
	return []llms.StreamChunk{
		{Type: llms.ChunkToolCallStart, ToolID: "call-done", ToolName: tools.NameDone, Index: 0},
		{Type: llms.ChunkToolCallComplete, ToolID: "call-done", ToolName: tools.NameDone, Index: 0,
			Arguments: map[string]any{"message": message}},
		{Type: llms.ChunkDone, FinishReason: "tool_calls"},
	}
}

func newParent(t *testing.T, provider llms.Provider, depth int) *agent.Agent {
	t.Helper()
	mem, err := memory.NewManager("parent", "session-1", memory.Config{}, nil, nil)
	require.NoError(t, err)
	a, err := agent.New(agent.Config{NodeID: "parent", Depth: depth}, agent.Deps{
		Provider:   provider,
		Router:     tools.NewRouter(tools.NewRegistry()),
		Memory:     mem,
		Dispatcher: bus.NewDispatcher(bus.NewEventBus(), nil),
	})
	require.NoError(t, err)
	return a
}

func subtaskArgs(mode, synthesis string, descriptions ...string) map[string]any {
	subtasks := make([]any, len(descriptions))
	for i, d := range descriptions {
		subtasks[i] = map[string]any{"description": d}
	}
	return map[string]any{
		"subtasks":           subtasks,
		"execution_mode":     mode,
		"synthesis_strategy": synthesis,
	}
}

func TestDelegateSequentialConcatenate(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		doneTurn("alpha result"),
		doneTurn("beta result"),
	}}
	parent := newParent(t, provider, 0)
	o, err := New(Config{}, agent.NewRegistry())
	require.NoError(t, err)

	out, err := o.Delegate(context.Background(), parent,
		subtaskArgs(ModeSequential, SynthesisConcatenate, "find alpha", "find beta"))
	require.NoError(t, err)
	assert.Equal(t, "alpha result\n\n---\n\nbeta result", out)
}

func TestDelegateParallelStructured(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		doneTurn("ok"),
		doneTurn("ok"),
	}}
	parent := newParent(t, provider, 0)
	o, err := New(Config{}, agent.NewRegistry())
	require.NoError(t, err)

	out, err := o.Delegate(context.Background(), parent,
		subtaskArgs(ModeParallel, SynthesisStructured, "left half", "right half"))
	require.NoError(t, err)
	assert.Contains(t, out, "2 succeeded, 0 failed")
	assert.Contains(t, out, "✓ Subtask 1: left half")
	assert.Contains(t, out, "✓ Subtask 2: right half")
}

func TestDelegateTearsDownChildren(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{doneTurn("done")}}
	parent := newParent(t, provider, 0)
	reg := agent.NewRegistry()
	o, err := New(Config{}, reg)
	require.NoError(t, err)

	_, err = o.Delegate(context.Background(), parent,
		subtaskArgs(ModeSequential, SynthesisConcatenate, "one thing"))
	require.NoError(t, err)
	assert.Zero(t, reg.Count(), "children must be reaped after synthesis")
}

func TestDelegateRejectsEmptySubtasks(t *testing.T) {
	parent := newParent(t, &scriptedProvider{}, 0)
	o, err := New(Config{}, nil)
	require.NoError(t, err)

	_, err = o.Delegate(context.Background(), parent, map[string]any{"subtasks": []any{}})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindDelegationError))
}

func TestDelegateRejectsTooManySubtasks(t *testing.T) {
	parent := newParent(t, &scriptedProvider{}, 0)
	o, err := New(Config{MaxConcurrentChildren: 2}, nil)
	require.NoError(t, err)

	_, err = o.Delegate(context.Background(), parent,
		subtaskArgs(ModeSequential, SynthesisConcatenate, "a", "b", "c"))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindDelegationError))
}

func TestDelegateRejectsAtDepthLimit(t *testing.T) {
	parent := newParent(t, &scriptedProvider{}, 3)
	o, err := New(Config{}, nil)
	require.NoError(t, err)

	_, err = o.Delegate(context.Background(), parent,
		subtaskArgs(ModeSequential, SynthesisConcatenate, "too deep"))
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindDelegationError))
}

func TestSequentialStopsOnFailure(t *testing.T) {
	// First child exhausts its script on the second StreamChat because the
	// provider has nothing left, so it fails; the second child never runs.
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{}}
	parent := newParent(t, provider, 0)
	o, err := New(Config{}, agent.NewRegistry())
	require.NoError(t, err)

	out, err := o.Delegate(context.Background(), parent,
		subtaskArgs(ModeSequential, SynthesisStructured, "first", "second"))
	require.NoError(t, err)
	assert.Contains(t, out, "0 succeeded, 1 failed")
	assert.NotContains(t, out, "Subtask 2")
}

func TestChildNodeIDShape(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{doneTurn("x")}}
	parent := newParent(t, provider, 0)
	o, err := New(Config{}, nil)
	require.NoError(t, err)

	child, err := o.spawn(parent, 0, SubtaskSpec{Description: "d"})
	require.NoError(t, err)
	assert.Regexp(t, `^parent:worker-0-[0-9a-f]{8}$`, child.NodeID())
	assert.Equal(t, 1, child.Depth())
}

func delegateTurn(descriptions ...string) []llms.StreamChunk {
	return []llms.StreamChunk{
		{Type: llms.ChunkToolCallStart, ToolID: "call-1", ToolName: tools.NameDelegate, Index: 0},
		{Type: llms.ChunkToolCallComplete, ToolID: "call-1", ToolName: tools.NameDelegate, Index: 0,
			Arguments: subtaskArgs(ModeSequential, SynthesisConcatenate, descriptions...)},
		{Type: llms.ChunkDone, FinishReason: "tool_calls"},
	}
}

func TestSpawnStripsDelegationAtDepthLimit(t *testing.T) {
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		delegateTurn("deeper"),
		doneTurn("gave up"),
	}}
	parent := newParent(t, provider, 1)
	o, err := New(Config{MaxRecursiveDepth: 2}, nil)
	require.NoError(t, err)

	// Child lands at depth 2 = max: delegate_subtasks is off its tool
	// surface, so calling it resolves like any unknown tool name.
	child, err := o.spawn(parent, 0, SubtaskSpec{Description: "leaf work"})
	require.NoError(t, err)

	res, err := child.Execute(context.Background(), agent.Task{Content: "leaf work"})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)

	var observation string
	for _, m := range child.Memory().Recent(0, child.Memory().SessionID()) {
		if m.Role == memory.RoleTool && m.ToolCallID == "call-1" {
			observation = m.Content
		}
	}
	assert.Contains(t, observation, "not found")
	assert.Contains(t, observation, tools.NameDelegate)
}

func TestSpawnedChildBelowDepthLimitCanDelegate(t *testing.T) {
	// Child at depth 1 of 2 delegates a grandchild; the grandchild at the
	// limit just answers. Script order: child's delegating turn, the
	// grandchild's answer, the child's final answer.
	provider := &scriptedProvider{turns: [][]llms.StreamChunk{
		delegateTurn("leaf lookup"),
		doneTurn("grandchild result"),
		doneTurn("combined answer"),
	}}
	parent := newParent(t, provider, 0)
	o, err := New(Config{MaxRecursiveDepth: 2}, agent.NewRegistry())
	require.NoError(t, err)

	child, err := o.spawn(parent, 0, SubtaskSpec{Description: "middle work"})
	require.NoError(t, err)

	res, err := child.Execute(context.Background(), agent.Task{Content: "middle work"})
	require.NoError(t, err)
	assert.Equal(t, agent.StatusCompleted, res.Status)
	assert.Equal(t, "combined answer", res.Content)

	var observation string
	for _, m := range child.Memory().Recent(0, child.Memory().SessionID()) {
		if m.Role == memory.RoleTool && m.ToolCallID == "call-1" {
			observation = m.Content
		}
	}
	assert.Equal(t, "grandchild result", observation)
}

func TestParseRequestDefaults(t *testing.T) {
	req, err := parseRequest(map[string]any{
		"subtasks": []any{map[string]any{"description": "d", "max_tokens": float64(500)}},
	})
	require.NoError(t, err)
	assert.Equal(t, ModeSequential, req.Mode)
	assert.Equal(t, SynthesisAuto, req.Synthesis)
	require.Len(t, req.Subtasks, 1)
	assert.Equal(t, 500, req.Subtasks[0].MaxTokens)
}

func TestParseRequestRejectsUnknownMode(t *testing.T) {
	_, err := parseRequest(map[string]any{
		"subtasks":       []any{map[string]any{"description": "d"}},
		"execution_mode": "fanout",
	})
	assert.Error(t, err)
}

func TestParseRequestRejectsMissingDescription(t *testing.T) {
	_, err := parseRequest(map[string]any{
		"subtasks": []any{map[string]any{"role": "writer"}},
	})
	assert.Error(t, err)
}

func TestStructuredSynthesisMixedResults(t *testing.T) {
	results := []childResult{
		{spec: SubtaskSpec{Description: "worked"}, content: "fine"},
		{spec: SubtaskSpec{Description: "broke"}, err: fmt.Errorf("boom")},
	}
	out := structured(results)
	assert.Contains(t, out, "1 succeeded, 1 failed")
	assert.Contains(t, out, "✓ Subtask 1: worked")
	assert.Contains(t, out, "✗ Subtask 2: broke")
	assert.Contains(t, out, "error: boom")
}

func TestLLMSynthesisFallsBackToStructured(t *testing.T) {
	provider := &scriptedProvider{chatErr: fmt.Errorf("provider down")}
	parent := newParent(t, provider, 0)
	o, err := New(Config{}, nil)
	require.NoError(t, err)

	out := o.synthesize(context.Background(), parent,
		DelegationRequest{Synthesis: SynthesisLLM},
		[]childResult{{spec: SubtaskSpec{Description: "d"}, content: "r"}})
	assert.Contains(t, out, "1 succeeded, 0 failed")
}

func TestAutoSynthesisUsesLLMWhenAnySucceeded(t *testing.T) {
	provider := &scriptedProvider{chatOut: "merged answer"}
	parent := newParent(t, provider, 0)
	o, err := New(Config{}, nil)
	require.NoError(t, err)

	out := o.synthesize(context.Background(), parent,
		DelegationRequest{Synthesis: SynthesisAuto},
		[]childResult{{spec: SubtaskSpec{Description: "d"}, content: "r"}})
	assert.Equal(t, "merged answer", out)
}

func TestAutoSynthesisStructuredWhenAllFailed(t *testing.T) {
	provider := &scriptedProvider{chatOut: "should not be used"}
	parent := newParent(t, provider, 0)
	o, err := New(Config{}, nil)
	require.NoError(t, err)

	out := o.synthesize(context.Background(), parent,
		DelegationRequest{Synthesis: SynthesisAuto},
		[]childResult{{spec: SubtaskSpec{Description: "d"}, err: fmt.Errorf("nope")}})
	assert.Contains(t, out, "0 succeeded, 1 failed")
	assert.Empty(t, provider.chatSeen)
}
