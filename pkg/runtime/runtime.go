// Package runtime assembles the system from configuration: providers,
// memory, the event bus and its interceptor chain, tools, agents, the
// orchestrator, the task archive and the ops server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fractalhq/fractal/pkg/agent"
	"github.com/fractalhq/fractal/pkg/auth"
	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/config"
	"github.com/fractalhq/fractal/pkg/embedders"
	"github.com/fractalhq/fractal/pkg/interceptor"
	"github.com/fractalhq/fractal/pkg/llms"
	"github.com/fractalhq/fractal/pkg/memory"
	"github.com/fractalhq/fractal/pkg/observability"
	"github.com/fractalhq/fractal/pkg/orchestrator"
	"github.com/fractalhq/fractal/pkg/plugins"
	"github.com/fractalhq/fractal/pkg/server"
	"github.com/fractalhq/fractal/pkg/task"
	"github.com/fractalhq/fractal/pkg/tools"
	"github.com/fractalhq/fractal/pkg/vector"
)

// Runtime owns every long-lived component. Build one with New, run tasks
// through Execute, and tear it down with Shutdown.
type Runtime struct {
	cfg       *config.Config
	sessionID string

	obs       *observability.Manager
	providers map[string]llms.Provider
	embedders map[string]embedders.Embedder
	vectors   map[string]vector.Store

	events     *bus.EventBus
	dispatcher *bus.Dispatcher
	approvals  *interceptor.Approvals

	toolRegistry *tools.Registry
	sandbox      *tools.Sandbox
	dynamic      *tools.DynamicTools
	mcpSources   []*tools.MCPSource
	plugins      *plugins.Runner

	agents *agent.Registry
	orch   *orchestrator.Orchestrator
	tasks  task.Store
	ops    *server.Server
}

// New builds a runtime from a validated configuration. Construction is
// fail-fast: a broken provider, store, or agent aborts the whole build.
func New(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	r := &Runtime{
		cfg:       cfg,
		sessionID: uuid.NewString(),
		providers: make(map[string]llms.Provider),
		embedders: make(map[string]embedders.Embedder),
		vectors:   make(map[string]vector.Store),
		approvals: interceptor.NewApprovals(),
	}

	build := []func(context.Context) error{
		r.buildObservability,
		r.buildProviders,
		r.buildStores,
		r.buildBus,
		r.buildTools,
		r.buildTasks,
		r.buildAgents,
		r.buildServer,
	}
	for _, step := range build {
		if err := step(ctx); err != nil {
			r.close(ctx)
			return nil, err
		}
	}
	return r, nil
}

func (r *Runtime) buildObservability(ctx context.Context) error {
	r.obs = observability.NewManager(r.cfg.Observability)
	if err := r.obs.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	return nil
}

func (r *Runtime) buildProviders(context.Context) error {
	for name, cfg := range r.cfg.LLMs {
		p, err := llms.New(name, cfg)
		if err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
		r.providers[name] = p
	}
	return nil
}

func (r *Runtime) buildStores(ctx context.Context) error {
	for name, cfg := range r.cfg.Embedders {
		e, err := embedders.New(cfg)
		if err != nil {
			return fmt.Errorf("embedder %q: %w", name, err)
		}
		r.embedders[name] = e
	}
	for name, cfg := range r.cfg.VectorStores {
		storeCfg := cfg
		s, err := vector.NewStore(ctx, &storeCfg)
		if err != nil {
			return fmt.Errorf("vector store %q: %w", name, err)
		}
		r.vectors[name] = s
	}
	return nil
}

// buildBus assembles the event bus and the interceptor chain. Chain order is
// fixed: tracing, auth, budget, depth, timeout, hitl, adaptive.
func (r *Runtime) buildBus(context.Context) error {
	r.events = bus.NewEventBus()

	ic := r.cfg.Interceptors
	chain := []bus.Interceptor{interceptor.NewTracing()}
	if len(ic.AuthPrefixes) > 0 {
		chain = append(chain, interceptor.NewAuth(ic.AuthPrefixes...))
	}
	if ic.MaxTokens > 0 {
		chain = append(chain, interceptor.NewBudget(ic.MaxTokens, r.events))
	}
	if ic.MaxDepth > 0 {
		chain = append(chain, interceptor.NewDepth(ic.MaxDepth))
	}
	if ic.DispatchTimeout > 0 {
		chain = append(chain, interceptor.NewTimeout(ic.DispatchTimeout))
	}
	if len(ic.HITLPatterns) > 0 {
		chain = append(chain, interceptor.NewHITL(r.approvals, ic.HITLPatterns...))
	}
	chain = append(chain, interceptor.NewAdaptive(ic.Adaptive))

	r.dispatcher = bus.NewDispatcher(r.events, chain,
		bus.WithDefaultTimeout(ic.DispatchTimeout))
	return nil
}

func (r *Runtime) buildTools(ctx context.Context) error {
	tc := r.cfg.Tools
	r.toolRegistry = tools.NewRegistry()

	dir := tc.Sandbox.Dir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "fractal-sandbox-*")
		if err != nil {
			return fmt.Errorf("creating sandbox root: %w", err)
		}
		dir = tmp
	}
	sb, err := tools.NewSandbox(dir, tc.Sandbox.Timeout, tc.Sandbox.Operations...)
	if err != nil {
		return fmt.Errorf("creating sandbox: %w", err)
	}
	r.sandbox = sb

	if err := r.toolRegistry.Add(tools.NewFileTool()); err != nil {
		return err
	}
	if tc.Command.Enabled {
		if err := r.toolRegistry.Add(tools.NewCommandTool(tc.Command.Allowed, tc.Command.Timeout)); err != nil {
			return err
		}
	}
	if tc.Web.Enabled {
		if err := r.toolRegistry.Add(tools.NewWebTool(nil, tc.Web.Timeout)); err != nil {
			return err
		}
	}

	for i, mcpCfg := range tc.MCP {
		source, err := tools.NewMCPSource(mcpCfg)
		if err != nil {
			return fmt.Errorf("mcp source %d: %w", i, err)
		}
		r.mcpSources = append(r.mcpSources, source)

		remote, err := source.Tools(ctx)
		if err != nil {
			// A down MCP server should not sink the whole runtime.
			slog.Warn("mcp source unavailable, skipping its tools",
				"name", mcpCfg.Name, "error", err)
			continue
		}
		for _, t := range remote {
			if err := r.toolRegistry.Add(t); err != nil {
				slog.Warn("skipping conflicting mcp tool",
					"tool", t.Definition().Name, "error", err)
			}
		}
	}

	r.plugins = plugins.NewRunner(plugins.Discover(tc.Plugins))
	if tc.Dynamic.Enabled {
		r.dynamic = tools.NewDynamicTools(r.plugins, tc.Dynamic.Timeout)
	}
	return nil
}

func (r *Runtime) buildTasks(context.Context) error {
	store, err := task.NewStore(r.cfg.Tasks)
	if err != nil {
		return fmt.Errorf("creating task archive: %w", err)
	}
	r.tasks = store
	return nil
}

func (r *Runtime) buildAgents(context.Context) error {
	r.agents = agent.NewRegistry()

	orch, err := orchestrator.New(r.cfg.Orchestrator, r.agents)
	if err != nil {
		return err
	}
	r.orch = orch

	// Deterministic construction order.
	names := make([]string, 0, len(r.cfg.Agents))
	for name := range r.cfg.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a, err := r.buildAgent(name, r.cfg.Agents[name])
		if err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		if err := r.agents.Add(a); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runtime) buildAgent(name string, cfg config.AgentConfig) (*agent.Agent, error) {
	provider, ok := r.providers[cfg.LLM]
	if !ok {
		return nil, fmt.Errorf("unknown llm %q", cfg.LLM)
	}

	var emb embedders.Embedder
	if cfg.Embedder != "" {
		emb = r.embedders[cfg.Embedder]
	}
	var store vector.Store
	if cfg.VectorStore != "" {
		store = r.vectors[cfg.VectorStore]
	}

	mem, err := memory.NewManager(name, r.sessionID, r.cfg.Memory, store, emb)
	if err != nil {
		return nil, err
	}

	var delegator agent.Delegator
	if cfg.CanDelegate {
		delegator = r.orch
	}

	a, err := agent.New(agent.Config{
		NodeID:          name,
		Role:            cfg.Role,
		SystemPrompt:    cfg.SystemPrompt,
		MaxIterations:   cfg.MaxIterations,
		RequireDoneTool: cfg.RequireDoneTool,
		OutputReserve:   cfg.OutputReserve,
		MaxTokens:       cfg.MaxTokens,
	}, agent.Deps{
		Provider:   provider,
		Router:     r.routerFor(cfg.Tools),
		Memory:     mem,
		Dispatcher: r.dispatcher,
		Delegator:  delegator,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// routerFor builds a per-agent router over the shared registry; a non-empty
// allowlist narrows the agent's tool surface.
func (r *Runtime) routerFor(allowed []string) *tools.Router {
	opts := []tools.RouterOption{tools.WithSandbox(r.sandbox)}
	if r.dynamic != nil {
		opts = append(opts, tools.WithDynamicTools(r.dynamic))
	}
	if len(allowed) > 0 {
		opts = append(opts, tools.WithPolicy(tools.NewAllowlist(allowed...)))
	}
	return tools.NewRouter(r.toolRegistry, opts...)
}

func (r *Runtime) buildServer(ctx context.Context) error {
	if !r.cfg.Server.Enabled {
		return nil
	}

	var validator *auth.Validator
	if r.cfg.Server.JWT.Enabled {
		v, err := auth.NewValidator(ctx,
			r.cfg.Server.JWT.JWKSURL, r.cfg.Server.JWT.Issuer, r.cfg.Server.JWT.Audience)
		if err != nil {
			return fmt.Errorf("building jwt validator: %w", err)
		}
		validator = v
	}

	r.ops = server.New(r.cfg.Server, server.Deps{
		Agents:    r.agents,
		Tasks:     r.tasks,
		Events:    r.events.Log(),
		Approvals: r.approvals,
		Validator: validator,
	})
	return nil
}

// Start brings up the background surfaces (currently the ops server).
func (r *Runtime) Start() error {
	if r.ops != nil {
		return r.ops.Start()
	}
	return nil
}

// Execute runs one task on the named agent and archives the outcome.
func (r *Runtime) Execute(ctx context.Context, agentID, content string) (*agent.Result, error) {
	a, ok := r.agents.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	rec := task.NewRecord(agentID, r.sessionID, content)
	if err := r.tasks.Save(ctx, rec); err != nil {
		slog.Warn("failed to archive task start", "task_id", rec.ID, "error", err)
	}

	result, err := a.Execute(ctx, agent.Task{ID: rec.ID, Content: content})

	rec.UpdatedAt = time.Now()
	rec.Status = task.StatusCompleted
	if err != nil {
		rec.Status = task.StatusFailed
		rec.Error = err.Error()
	}
	if result != nil {
		rec.Result = result.Content
		rec.Output = result.Output
		rec.Iterations = result.Iterations
		rec.TokensUsed = result.Usage.TotalTokens
	}
	if serr := r.tasks.Save(ctx, rec); serr != nil {
		slog.Warn("failed to archive task outcome", "task_id", rec.ID, "error", serr)
	}

	return result, err
}

// Accessors used by the CLI and the ops server wiring.

func (r *Runtime) Config() *config.Config             { return r.cfg }
func (r *Runtime) Agents() *agent.Registry            { return r.agents }
func (r *Runtime) Dispatcher() *bus.Dispatcher        { return r.dispatcher }
func (r *Runtime) Bus() *bus.EventBus                 { return r.events }
func (r *Runtime) Approvals() *interceptor.Approvals  { return r.approvals }
func (r *Runtime) Tasks() task.Store                  { return r.tasks }
func (r *Runtime) SessionID() string                  { return r.sessionID }

// Shutdown tears everything down in reverse construction order. All close
// errors are collected; the first is returned.
func (r *Runtime) Shutdown(ctx context.Context) error {
	return r.close(ctx)
}

func (r *Runtime) close(ctx context.Context) error {
	var errs []error

	if r.ops != nil {
		if err := r.ops.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ops server: %w", err))
		}
	}
	for _, source := range r.mcpSources {
		if err := source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp source: %w", err))
		}
	}
	if r.plugins != nil {
		r.plugins.Close()
	}
	if r.tasks != nil {
		if err := r.tasks.Close(); err != nil {
			errs = append(errs, fmt.Errorf("task archive: %w", err))
		}
	}
	for name, p := range r.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("llm %q: %w", name, err))
		}
	}
	for name, e := range r.embedders {
		if err := e.Close(); err != nil {
			errs = append(errs, fmt.Errorf("embedder %q: %w", name, err))
		}
	}
	for name, s := range r.vectors {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("vector store %q: %w", name, err))
		}
	}
	if r.events != nil {
		r.events.Close()
	}
	if r.obs != nil {
		if err := r.obs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability: %w", err))
		}
	}
	return errors.Join(errs...)
}
