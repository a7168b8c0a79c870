// Package agent implements the reason/act loop: build context from memory,
// stream the LLM, aggregate and execute tool calls, repeat until the done
// tool fires or the iteration budget runs out.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/fault"
	"github.com/fractalhq/fractal/pkg/llms"
	"github.com/fractalhq/fractal/pkg/memory"
	"github.com/fractalhq/fractal/pkg/observability"
	"github.com/fractalhq/fractal/pkg/tokenizer"
	"github.com/fractalhq/fractal/pkg/tools"
)

// Defaults for the loop configuration.
const (
	DefaultMaxIterations = 10
	DefaultOutputReserve = 0.25
)

// doneReminder is injected when the model answered in prose but the agent
// requires an explicit completion call.
const doneReminder = "Call `done` with your final answer to complete the task."

// Task is one unit of work addressed to an agent.
type Task struct {
	ID      string
	Content string
}

// Status is the terminal state of a task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Result is the outcome of one Execute call.
type Result struct {
	TaskID     string
	Status     Status
	Content    string
	Output     map[string]any
	Iterations int
	Usage      llms.Usage
}

// Stats accumulates per-agent counters across tasks.
type Stats struct {
	TasksCompleted  int
	TasksFailed     int
	Iterations      int
	ToolCalls       int
	PromptTokens    int
	CompletionTokens int
}

// Delegator hands a delegate_subtasks call to the orchestrator. The returned
// string is the synthesized answer recorded as the tool result.
type Delegator interface {
	Delegate(ctx context.Context, parent *Agent, args map[string]any) (string, error)
}

// Config is the per-agent loop configuration.
type Config struct {
	// NodeID is the agent's identity on the bus.
	NodeID string `yaml:"node_id"`

	// Role is a human-readable label used in delegation.
	Role string `yaml:"role"`

	// SystemPrompt seeds every context build.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxIterations bounds the loop. Nil means the default (10); an
	// explicit zero fails every task immediately.
	MaxIterations *int `yaml:"max_iterations"`

	// RequireDoneTool forces an explicit done call; bare text answers get
	// a reminder instead of completing the task.
	RequireDoneTool bool `yaml:"require_done_tool"`

	// OutputReserve is the context-window fraction kept for the reply.
	OutputReserve float64 `yaml:"output_reserve"`

	// MaxTokens caps each completion; zero uses the provider default.
	MaxTokens int `yaml:"max_tokens"`

	// Depth is this agent's position in the delegation tree.
	Depth int `yaml:"-"`
}

func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("agent node_id is required")
	}
	if c.OutputReserve < 0 || c.OutputReserve >= 1 {
		return fmt.Errorf("output_reserve must be in [0, 1)")
	}
	return nil
}

// Deps are the collaborators an agent needs.
type Deps struct {
	Provider   llms.Provider
	Router     *tools.Router
	Memory     *memory.Manager
	Dispatcher *bus.Dispatcher
	Delegator  Delegator

	// Counter overrides the token counter; defaults to one derived from
	// the provider's model.
	Counter tokenizer.Counter
}

// Agent runs one task at a time through the reason/act loop.
type Agent struct {
	cfg           Config
	provider      llms.Provider
	router        *tools.Router
	memory        *memory.Manager
	dispatcher    *bus.Dispatcher
	delegator     Delegator
	counter       tokenizer.Counter
	maxIterations int
	outputReserve float64

	// runMu serializes tasks: one Execute at a time per agent.
	runMu   sync.Mutex
	stateMu sync.Mutex
	running bool
	stats   Stats
}

// New creates an agent.
func New(cfg Config, deps Deps) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("agent %s: provider is required", cfg.NodeID)
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("agent %s: tool router is required", cfg.NodeID)
	}
	if deps.Memory == nil {
		return nil, fmt.Errorf("agent %s: memory is required", cfg.NodeID)
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("agent %s: dispatcher is required", cfg.NodeID)
	}

	maxIterations := DefaultMaxIterations
	if cfg.MaxIterations != nil {
		maxIterations = *cfg.MaxIterations
	}
	outputReserve := cfg.OutputReserve
	if outputReserve == 0 {
		outputReserve = DefaultOutputReserve
	}
	counter := deps.Counter
	if counter == nil {
		counter = tokenizer.New(deps.Provider.Model())
	}

	return &Agent{
		cfg:           cfg,
		provider:      deps.Provider,
		router:        deps.Router,
		memory:        deps.Memory,
		dispatcher:    deps.Dispatcher,
		delegator:     deps.Delegator,
		counter:       counter,
		maxIterations: maxIterations,
		outputReserve: outputReserve,
	}, nil
}

// NodeID returns the agent's bus identity.
func (a *Agent) NodeID() string { return a.cfg.NodeID }

// Role returns the agent's role label.
func (a *Agent) Role() string { return a.cfg.Role }

// Depth returns the agent's delegation depth.
func (a *Agent) Depth() int { return a.cfg.Depth }

// Memory returns the agent's memory manager.
func (a *Agent) Memory() *memory.Manager { return a.memory }

// Provider returns the agent's LLM provider.
func (a *Agent) Provider() llms.Provider { return a.provider }

// Router returns the agent's tool router.
func (a *Agent) Router() *tools.Router { return a.router }

// Dispatcher returns the agent's event dispatcher.
func (a *Agent) Dispatcher() *bus.Dispatcher { return a.dispatcher }

// Running reports whether a task is currently executing.
func (a *Agent) Running() bool {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.running
}

// Stats returns a snapshot of the agent's counters.
func (a *Agent) Stats() Stats {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.stats
}

// Execute runs one task to completion. Tasks are strictly serialized per
// agent; concurrent calls queue on the run lock.
func (a *Agent) Execute(ctx context.Context, task Task) (*Result, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.setRunning(true)
	defer a.setRunning(false)

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	started := time.Now()

	// The incoming task is recorded even when the iteration budget is
	// zero; partial state is never rolled back.
	a.memory.AddMessage(ctx, memory.MessageItem{
		TaskID:  task.ID,
		Role:    memory.RoleUser,
		Content: task.Content,
	})

	result, err := a.run(ctx, task)

	a.stateMu.Lock()
	if err == nil {
		a.stats.TasksCompleted++
	} else {
		a.stats.TasksFailed++
	}
	if result != nil {
		a.stats.Iterations += result.Iterations
		a.stats.PromptTokens += result.Usage.PromptTokens
		a.stats.CompletionTokens += result.Usage.CompletionTokens
	}
	a.stateMu.Unlock()

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
	}
	iterations, tokensUsed := 0, 0
	if result != nil {
		iterations = result.Iterations
		tokensUsed = result.Usage.TotalTokens
		observability.GetGlobalMetrics().RecordLLMUsage(ctx, a.provider.Model(),
			result.Usage.PromptTokens, result.Usage.CompletionTokens)
	}
	observability.GetGlobalMetrics().RecordTask(ctx, a.cfg.NodeID, time.Since(started), iterations, err)
	a.publish(ctx, bus.TypeNodeComplete, map[string]any{
		"task_id":     task.ID,
		"status":      string(status),
		"iterations":  iterations,
		"tokens_used": tokensUsed,
	})

	return result, err
}

func (a *Agent) run(ctx context.Context, task Task) (*Result, error) {
	result := &Result{TaskID: task.ID, Status: StatusFailed}

	for iteration := 1; iteration <= a.maxIterations; iteration++ {
		result.Iterations = iteration

		messages, err := a.buildContext(ctx, task)
		if err != nil {
			return result, err
		}

		if err := a.announceTurn(ctx, task, iteration, messages); err != nil {
			return result, err
		}

		turn, err := a.streamTurn(ctx, messages)
		if err != nil {
			if fault.KindOf(err) != "" {
				return result, err
			}
			return result, fault.LLMProvider(a.provider.Name(), fault.RetryNone, err).
				WithAgent(a.cfg.NodeID, iteration)
		}

		result.Usage.PromptTokens += turn.usage.PromptTokens
		result.Usage.CompletionTokens += turn.usage.CompletionTokens
		result.Usage.TotalTokens += turn.usage.TotalTokens

		a.recordAssistantTurn(ctx, task, turn)

		// Bare text, no tool calls.
		if len(turn.calls) == 0 {
			if turn.text != "" && !a.cfg.RequireDoneTool {
				result.Status = StatusCompleted
				result.Content = turn.text
				return result, nil
			}
			a.memory.AddMessage(ctx, memory.MessageItem{
				TaskID:  task.ID,
				Role:    memory.RoleUser,
				Content: doneReminder,
			})
			continue
		}

		done, err := a.executeCalls(ctx, task, iteration, turn.calls, result)
		if err != nil {
			return result, err
		}
		if done {
			result.Status = StatusCompleted
			return result, nil
		}
	}

	return result, fault.MaxIterations(a.maxIterations).WithAgent(a.cfg.NodeID, result.Iterations)
}

// executeCalls runs the aggregated tool calls sequentially in stream order.
// It returns done=true when the done tool fired.
func (a *Agent) executeCalls(ctx context.Context, task Task, iteration int, calls []Call, result *Result) (bool, error) {
	for _, call := range calls {
		a.bumpToolCalls()

		// Invalid argument JSON: the tool is not executed; the model
		// sees the parse failure as an observation.
		if call.Args == nil {
			a.recordObservation(ctx, task, call, "error: "+call.Err.Error())
			continue
		}

		switch call.Name {
		case tools.NameDone:
			message, _ := call.Args["message"].(string)
			output, _ := call.Args["output"].(map[string]any)
			result.Content = message
			result.Output = output
			a.recordObservation(ctx, task, call, "task completed")
			return true, nil

		case tools.NameDelegate, tools.NameDelegateTask:
			observation := a.delegate(ctx, call)
			a.recordObservation(ctx, task, call, observation)

		default:
			observation := a.routeCall(ctx, call)
			a.recordObservation(ctx, task, call, observation)
		}
	}
	return false, nil
}

// routeCall executes one call through the router, converting router faults
// into observations so the loop keeps going.
func (a *Agent) routeCall(ctx context.Context, call Call) string {
	started := time.Now()
	out, err := a.router.Execute(ctx, call.Name, call.Args, tools.Context{
		AgentID:   a.cfg.NodeID,
		SessionID: a.memory.SessionID(),
		Depth:     a.cfg.Depth,
		Memory:    a.memory,
		Events:    a.dispatcher.Bus().Log(),
	})
	observability.GetGlobalMetrics().RecordToolExecution(ctx, call.Name, time.Since(started), err)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

func (a *Agent) delegate(ctx context.Context, call Call) string {
	// Without a delegator the delegation tools are not on this agent's
	// surface; resolve the name like any other unknown tool.
	if a.delegator == nil {
		return a.routeCall(ctx, call)
	}
	out, err := a.delegator.Delegate(ctx, a, call.Args)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

// announceTurn dispatches node.request ahead of the provider call so the
// interceptor chain can veto it. The estimate covers the built context plus
// the completion cap; a blocking interceptor fails the task.
func (a *Agent) announceTurn(ctx context.Context, task Task, iteration int, messages []llms.Message) error {
	estimate := a.cfg.MaxTokens
	for _, m := range messages {
		estimate += a.counter.CountMessage(m.Role, m.Content)
	}
	ev := bus.New(bus.TypeNodeRequest, a.cfg.NodeID, map[string]any{
		"task_id":          task.ID,
		"iteration":        iteration,
		"depth":            a.cfg.Depth,
		"estimated_tokens": estimate,
	})
	_, err := a.dispatcher.Dispatch(ctx, ev)
	return err
}

// turn is one drained stream: the concatenated text, the aggregated tool
// calls in stream order, and usage.
type turn struct {
	text   string
	calls  []Call
	usage  llms.Usage
	finish string
}

// streamTurn opens the provider stream, publishes chunks as they arrive and
// drains it into a turn. Retryable provider failures re-run the whole
// stream per the backoff policy.
func (a *Agent) streamTurn(ctx context.Context, messages []llms.Message) (*turn, error) {
	defs := a.router.Definitions()
	toolDefs := make([]llms.ToolDefinition, 0, len(defs)+2)
	for _, d := range defs {
		toolDefs = append(toolDefs, llms.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	doneDef := tools.DoneDefinition()
	toolDefs = append(toolDefs, llms.ToolDefinition{
		Name:        doneDef.Name,
		Description: doneDef.Description,
		Parameters:  doneDef.Parameters,
	})
	if a.delegator != nil {
		delegateDef := tools.DelegateDefinition()
		toolDefs = append(toolDefs, llms.ToolDefinition{
			Name:        delegateDef.Name,
			Description: delegateDef.Description,
			Parameters:  delegateDef.Parameters,
		})
	}

	return llms.Retry(ctx, a.provider.Name(), func() (*turn, error) {
		stream, err := a.provider.StreamChat(ctx, messages, toolDefs, llms.Params{MaxTokens: a.cfg.MaxTokens})
		if err != nil {
			return nil, err
		}
		return a.drain(ctx, stream)
	})
}

func (a *Agent) drain(ctx context.Context, stream <-chan llms.StreamChunk) (*turn, error) {
	agg := newAggregator()
	var text strings.Builder
	t := &turn{}

	for chunk := range stream {
		switch chunk.Type {
		case llms.ChunkText:
			text.WriteString(chunk.Text)
			a.publish(ctx, bus.TypeNodeThinking, map[string]any{
				"text": chunk.Text,
			})

		case llms.ChunkToolCallStart, llms.ChunkToolCallDelta, llms.ChunkToolCallComplete:
			agg.feed(chunk)
			a.publish(ctx, bus.TypeNodeToolCall, map[string]any{
				"phase":   string(chunk.Type),
				"tool":    chunk.ToolName,
				"tool_id": chunk.ToolID,
				"index":   chunk.Index,
			})

		case llms.ChunkDone:
			t.finish = chunk.FinishReason
			if chunk.Usage != nil {
				t.usage = *chunk.Usage
			}

		case llms.ChunkError:
			return nil, chunk.Err
		}
	}

	t.text = text.String()
	t.calls = agg.finish()
	return t, nil
}

// recordAssistantTurn writes the assistant message to L1, including the call
// list so later context builds show what was requested.
func (a *Agent) recordAssistantTurn(ctx context.Context, task Task, t *turn) {
	content := t.text
	if len(t.calls) > 0 {
		names := make([]string, len(t.calls))
		for i, c := range t.calls {
			names[i] = c.Name
		}
		if content != "" {
			content += "\n"
		}
		content += "[calling: " + strings.Join(names, ", ") + "]"
	}
	if content == "" {
		return
	}
	a.memory.AddMessage(ctx, memory.MessageItem{
		TaskID:  task.ID,
		Role:    memory.RoleAssistant,
		Content: content,
	})
}

// recordObservation writes a tool result to L1 keyed by the call id.
func (a *Agent) recordObservation(ctx context.Context, task Task, call Call, observation string) {
	a.memory.AddMessage(ctx, memory.MessageItem{
		TaskID:     task.ID,
		Role:       memory.RoleTool,
		Content:    observation,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
}

// publish dispatches an event from this agent; blocked or failed dispatches
// are logged, never fatal to the loop.
func (a *Agent) publish(ctx context.Context, eventType string, data map[string]any) {
	ev := bus.New(eventType, a.cfg.NodeID, data)
	if _, err := a.dispatcher.Dispatch(ctx, ev); err != nil {
		slog.Debug("event dispatch failed",
			"agent", a.cfg.NodeID, "type", eventType, "error", err)
	}
}

func (a *Agent) setRunning(v bool) {
	a.stateMu.Lock()
	a.running = v
	a.stateMu.Unlock()
}

func (a *Agent) bumpToolCalls() {
	a.stateMu.Lock()
	a.stats.ToolCalls++
	a.stateMu.Unlock()
}
