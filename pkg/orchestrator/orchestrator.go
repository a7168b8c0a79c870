// Package orchestrator implements fractal delegation: a parent agent splits
// work into child agents, runs them sequentially or in parallel, and
// synthesizes their results into one answer. Children share the parent's bus
// but own fresh memory, and are torn down after synthesis.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fractalhq/fractal/pkg/agent"
	"github.com/fractalhq/fractal/pkg/fault"
	"github.com/fractalhq/fractal/pkg/memory"
	"github.com/fractalhq/fractal/pkg/tools"
)

// Defaults for the delegation limits.
const (
	DefaultMaxConcurrentChildren = 8
	DefaultMaxRecursiveDepth     = 3
	DefaultChildMaxIterations    = 6
	DefaultMaxSynthesisTokens    = 2000
)

// Execution modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Synthesis strategies.
const (
	SynthesisConcatenate = "concatenate"
	SynthesisStructured  = "structured"
	SynthesisLLM         = "llm"
	SynthesisAuto        = "auto"
)

// Config bounds delegation.
type Config struct {
	// MaxConcurrentChildren caps the subtask count per delegation.
	MaxConcurrentChildren int `yaml:"max_concurrent_children"`

	// MaxRecursiveDepth caps the delegation tree height.
	MaxRecursiveDepth int `yaml:"max_recursive_depth"`

	// ChildMaxIterations is each child's loop budget.
	ChildMaxIterations int `yaml:"child_max_iterations"`

	// MaxSynthesisTokens bounds the llm synthesis completion.
	MaxSynthesisTokens int `yaml:"max_synthesis_tokens"`

	// ChildMemory configures each child's memory tiers.
	ChildMemory memory.Config `yaml:"child_memory"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.MaxConcurrentChildren == 0 {
		c.MaxConcurrentChildren = DefaultMaxConcurrentChildren
	}
	if c.MaxRecursiveDepth == 0 {
		c.MaxRecursiveDepth = DefaultMaxRecursiveDepth
	}
	if c.ChildMaxIterations == 0 {
		c.ChildMaxIterations = DefaultChildMaxIterations
	}
	if c.MaxSynthesisTokens == 0 {
		c.MaxSynthesisTokens = DefaultMaxSynthesisTokens
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.MaxConcurrentChildren < 1 {
		return fmt.Errorf("max_concurrent_children must be positive")
	}
	if c.MaxRecursiveDepth < 1 {
		return fmt.Errorf("max_recursive_depth must be positive")
	}
	if c.ChildMaxIterations < 1 {
		return fmt.Errorf("child_max_iterations must be positive")
	}
	return nil
}

// SubtaskSpec describes one unit of delegated work.
type SubtaskSpec struct {
	Description string   `json:"description"`
	Role        string   `json:"role,omitempty"`
	Tools       []string `json:"tools,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// DelegationRequest is the parsed delegate_subtasks payload.
type DelegationRequest struct {
	Subtasks  []SubtaskSpec `json:"subtasks"`
	Mode      string        `json:"execution_mode"`
	Synthesis string        `json:"synthesis_strategy"`
}

// childResult pairs a subtask with its outcome.
type childResult struct {
	spec    SubtaskSpec
	nodeID  string
	content string
	err     error
}

func (r childResult) succeeded() bool { return r.err == nil }

// Orchestrator creates, runs and reaps child agents. It satisfies
// agent.Delegator.
type Orchestrator struct {
	cfg      Config
	registry *agent.Registry
}

// New creates an orchestrator over the live-agent registry.
func New(cfg Config, registry *agent.Registry) (*Orchestrator, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	return &Orchestrator{cfg: cfg, registry: registry}, nil
}

// Delegate runs one delegation round on behalf of parent and returns the
// synthesized answer.
func (o *Orchestrator) Delegate(ctx context.Context, parent *agent.Agent, args map[string]any) (string, error) {
	req, err := parseRequest(args)
	if err != nil {
		return "", fault.Delegation("invalid delegation request", err)
	}
	if err := o.validate(req, parent.Depth()); err != nil {
		return "", err
	}

	children := make([]*agent.Agent, len(req.Subtasks))
	for i, spec := range req.Subtasks {
		child, err := o.spawn(parent, i, spec)
		if err != nil {
			o.teardown(ctx, children[:i])
			return "", fault.Delegation(fmt.Sprintf("spawning child %d", i), err)
		}
		children[i] = child
	}
	defer o.teardown(ctx, children)

	var results []childResult
	if req.Mode == ModeParallel {
		results = o.runParallel(ctx, children, req.Subtasks)
	} else {
		results = o.runSequential(ctx, children, req.Subtasks)
	}

	return o.synthesize(ctx, parent, req, results), nil
}

func (o *Orchestrator) validate(req DelegationRequest, depth int) error {
	if len(req.Subtasks) == 0 {
		return fault.Delegation("delegation requires at least one subtask", nil)
	}
	if len(req.Subtasks) > o.cfg.MaxConcurrentChildren {
		return fault.Delegation(fmt.Sprintf("%d subtasks exceed the limit of %d",
			len(req.Subtasks), o.cfg.MaxConcurrentChildren), nil)
	}
	if depth >= o.cfg.MaxRecursiveDepth {
		return fault.Delegation(fmt.Sprintf("delegation depth limit %d reached",
			o.cfg.MaxRecursiveDepth), nil)
	}
	return nil
}

// spawn builds one child agent: inherited tool set, fresh memory, shared bus.
func (o *Orchestrator) spawn(parent *agent.Agent, index int, spec SubtaskSpec) (*agent.Agent, error) {
	childDepth := parent.Depth() + 1
	nodeID := fmt.Sprintf("%s:worker-%d-%s", parent.NodeID(), index, uuid.NewString()[:8])

	mem, err := memory.NewManager(nodeID, parent.Memory().SessionID(), o.cfg.ChildMemory, nil, nil)
	if err != nil {
		return nil, err
	}

	iterations := o.cfg.ChildMaxIterations
	cfg := agent.Config{
		NodeID:          nodeID,
		Role:            spec.Role,
		SystemPrompt:    childPrompt(spec.Role),
		MaxIterations:   &iterations,
		RequireDoneTool: true,
		MaxTokens:       spec.MaxTokens,
		Depth:           childDepth,
	}

	// A child at the depth limit must not delegate further; leaving its
	// delegator unset keeps delegate_subtasks off its tool list entirely.
	var delegator agent.Delegator
	if childDepth < o.cfg.MaxRecursiveDepth {
		delegator = o
	}

	child, err := agent.New(cfg, agent.Deps{
		Provider:   parent.Provider(),
		Router:     o.inheritRouter(parent, spec),
		Memory:     mem,
		Dispatcher: parent.Dispatcher(),
		Delegator:  delegator,
	})
	if err != nil {
		return nil, err
	}

	if o.registry != nil {
		if err := o.registry.Add(child); err != nil {
			return nil, err
		}
	}
	return child, nil
}

// inheritRouter narrows the parent's tool surface: the child sees the
// parent's registry filtered to the intersection of the parent's policy and
// the subtask allowlist.
func (o *Orchestrator) inheritRouter(parent *agent.Agent, spec SubtaskSpec) *tools.Router {
	opts := []tools.RouterOption{}
	if len(spec.Tools) > 0 {
		allowed := make([]string, 0, len(spec.Tools))
		for _, name := range spec.Tools {
			if name == tools.NameDelegate || name == tools.NameDelegateTask {
				continue
			}
			allowed = append(allowed, name)
		}
		opts = append(opts, tools.WithPolicy(tools.NewAllowlist(allowed...)))
	}
	return tools.NewRouter(parent.Router().Registry(), opts...)
}

func (o *Orchestrator) runSequential(ctx context.Context, children []*agent.Agent, specs []SubtaskSpec) []childResult {
	results := make([]childResult, 0, len(children))
	for i, child := range children {
		res := o.runChild(ctx, child, specs[i])
		results = append(results, res)
		if res.err != nil && !fault.IsRetryable(res.err) {
			// Non-recoverable: stop here and surface the partials.
			break
		}
	}
	return results
}

func (o *Orchestrator) runParallel(ctx context.Context, children []*agent.Agent, specs []SubtaskSpec) []childResult {
	results := make([]childResult, len(children))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, child := range children {
		g.Go(func() error {
			res := o.runChild(gctx, child, specs[i])
			mu.Lock()
			results[i] = res
			mu.Unlock()
			// Child failures are carried in the result; returning them
			// here would cancel the siblings.
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) runChild(ctx context.Context, child *agent.Agent, spec SubtaskSpec) childResult {
	out, err := child.Execute(ctx, agent.Task{Content: spec.Description})
	res := childResult{spec: spec, nodeID: child.NodeID(), err: err}
	if out != nil {
		res.content = out.Content
	}
	return res
}

// teardown reaps children after synthesis: registry removal plus memory
// clear, so a finished delegation leaves nothing behind.
func (o *Orchestrator) teardown(ctx context.Context, children []*agent.Agent) {
	for _, child := range children {
		if child == nil {
			continue
		}
		if o.registry != nil {
			if err := o.registry.Remove(child.NodeID()); err != nil {
				slog.Debug("child already removed", "node_id", child.NodeID())
			}
		}
		child.Memory().Clear(ctx)
	}
}

// parseRequest decodes the delegate_subtasks tool arguments.
func parseRequest(args map[string]any) (DelegationRequest, error) {
	req := DelegationRequest{
		Mode:      ModeSequential,
		Synthesis: SynthesisAuto,
	}
	if args == nil {
		return req, fmt.Errorf("missing arguments")
	}

	if mode, ok := args["execution_mode"].(string); ok && mode != "" {
		if mode != ModeSequential && mode != ModeParallel {
			return req, fmt.Errorf("unknown execution_mode %q", mode)
		}
		req.Mode = mode
	}
	if syn, ok := args["synthesis_strategy"].(string); ok && syn != "" {
		switch syn {
		case SynthesisConcatenate, SynthesisStructured, SynthesisLLM, SynthesisAuto:
			req.Synthesis = syn
		default:
			return req, fmt.Errorf("unknown synthesis_strategy %q", syn)
		}
	}

	raw, ok := args["subtasks"].([]any)
	if !ok {
		return req, fmt.Errorf("subtasks must be a list")
	}
	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return req, fmt.Errorf("subtask %d must be an object", i)
		}
		spec := SubtaskSpec{}
		spec.Description, _ = m["description"].(string)
		if spec.Description == "" {
			return req, fmt.Errorf("subtask %d is missing a description", i)
		}
		spec.Role, _ = m["role"].(string)
		if maxTokens, ok := m["max_tokens"].(float64); ok {
			spec.MaxTokens = int(maxTokens)
		}
		if toolsRaw, ok := m["tools"].([]any); ok {
			for _, t := range toolsRaw {
				if name, ok := t.(string); ok {
					spec.Tools = append(spec.Tools, name)
				}
			}
		}
		req.Subtasks = append(req.Subtasks, spec)
	}
	return req, nil
}

func childPrompt(role string) string {
	if role == "" {
		return "You are a focused worker agent. Complete the assigned subtask and call `done` with your result."
	}
	return fmt.Sprintf("You are a %s. Complete the assigned subtask and call `done` with your result.", strings.TrimSpace(role))
}
