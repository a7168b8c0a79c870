package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fractalhq/fractal/pkg/bus"
	"github.com/fractalhq/fractal/pkg/fault"
	"github.com/fractalhq/fractal/pkg/memory"
)

// Context carries the calling agent's identity and capabilities into a tool
// execution.
type Context struct {
	AgentID   string
	SessionID string
	Depth     int
	Memory    *memory.Manager
	Events    *bus.Log
}

// Policy decides whether an agent may run a tool.
type Policy interface {
	// Allowed returns false with a reason when the tool is denied.
	Allowed(tool string, actx Context) (bool, string)
}

// AllowlistPolicy permits exactly the named tools. A nil or empty allowlist
// permits everything.
type AllowlistPolicy map[string]struct{}

// NewAllowlist builds an AllowlistPolicy from names.
func NewAllowlist(names ...string) AllowlistPolicy {
	p := make(AllowlistPolicy, len(names))
	for _, n := range names {
		p[n] = struct{}{}
	}
	return p
}

func (p AllowlistPolicy) Allowed(tool string, _ Context) (bool, string) {
	if len(p) == 0 {
		return true, ""
	}
	if _, ok := p[tool]; ok {
		return true, ""
	}
	return false, "tool is not in the agent's allowlist"
}

// SandboxedTool is a tool that needs the sandbox descriptor at execution
// time.
type SandboxedTool interface {
	Tool
	ExecuteIn(ctx context.Context, sb *Sandbox, args map[string]any) (Result, error)
}

// Router resolves tool names to executables and mediates every execution:
// argument parsing, policy, scope enforcement, and failure conversion. Tool
// logic failures never surface as router errors; they come back as
// "error: ..." observations for the model. Router errors are reserved for
// policy denials and unresolvable names.
type Router struct {
	registry *Registry
	dynamic  *DynamicTools
	sandbox  *Sandbox
	policy   Policy
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithPolicy attaches a permission policy.
func WithPolicy(p Policy) RouterOption {
	return func(r *Router) { r.policy = p }
}

// WithDynamicTools attaches a dynamic tool set, enabling create_tool.
func WithDynamicTools(d *DynamicTools) RouterOption {
	return func(r *Router) { r.dynamic = d }
}

// WithSandbox attaches the sandbox descriptor handed to sandboxed tools.
func WithSandbox(sb *Sandbox) RouterOption {
	return func(r *Router) { r.sandbox = sb }
}

// NewRouter creates a router over the given registry.
func NewRouter(reg *Registry, opts ...RouterOption) *Router {
	r := &Router{registry: reg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry exposes the underlying tool registry.
func (r *Router) Registry() *Registry { return r.registry }

// Definitions returns everything callable through this router: registered
// tools, builtins, and dynamic tools, plus create_tool when enabled.
func (r *Router) Definitions() []Definition {
	defs := r.registry.Definitions()
	defs = append(defs, BuiltinDefinitions()...)
	if r.dynamic != nil {
		defs = append(defs, CreateToolDefinition())
		defs = append(defs, r.dynamic.Definitions()...)
	}
	return defs
}

// Execute routes one tool call. rawArgs may be a structured map or a JSON
// string; parse failures yield an empty argument map.
//
// Resolution order: create_tool, dynamic tools, builtins, sandboxed tools,
// then the registry. An unresolvable name returns fault.ToolNotFound with up
// to five suggestions; a policy denial returns fault.PermissionDenied.
func (r *Router) Execute(ctx context.Context, name string, rawArgs any, actx Context) (string, error) {
	args := ParseArgs(rawArgs)

	if r.policy != nil {
		if ok, reason := r.policy.Allowed(name, actx); !ok {
			return "", fault.PermissionDenied(name, reason)
		}
	}

	start := time.Now()
	res, err := r.dispatch(ctx, name, args, actx)
	if err != nil {
		return "", err
	}

	slog.Debug("tool executed",
		"tool", name,
		"agent", actx.AgentID,
		"success", res.Success,
		"duration", time.Since(start))
	return res.String(), nil
}

func (r *Router) dispatch(ctx context.Context, name string, args map[string]any, actx Context) (res Result, err error) {
	// Executor panics are tool failures, not framework failures.
	defer func() {
		if rec := recover(); rec != nil {
			res = Fail("tool %q panicked: %v", name, rec)
			err = nil
		}
	}()

	// 1. Dynamic tool creation.
	if name == NameCreateTool && r.dynamic != nil {
		return r.dynamic.Create(args)
	}

	// 2. Previously created dynamic tools.
	if r.dynamic != nil && r.dynamic.Has(name) {
		return r.dynamic.Execute(ctx, name, args)
	}

	// 3. Built-in unified tools.
	if isBuiltin(name) {
		return runBuiltin(ctx, name, args, actx)
	}

	tool, ok := r.registry.Get(name)
	if !ok {
		return Result{}, fault.ToolNotFound(name, r.registry.Suggest(name))
	}

	// 4. Sandboxed tools get the sandbox descriptor and its timeout.
	if tool.Definition().Scope == ScopeSandboxed {
		sb := r.sandbox
		if sb == nil {
			return Fail("tool %q requires a sandbox but none is configured", name), nil
		}
		ctx, cancel := context.WithTimeout(ctx, sb.Timeout)
		defer cancel()

		if st, ok := tool.(SandboxedTool); ok {
			res, err = st.ExecuteIn(ctx, sb, args)
			return r.normalize(name, res, err)
		}
		res, err = tool.Execute(ctx, args)
		return r.normalize(name, res, err)
	}

	// 5. Registry tools.
	res, err = tool.Execute(ctx, args)
	return r.normalize(name, res, err)
}

// normalize converts an executor error into a failed result so the model
// sees an observation instead of the loop seeing a fault.
func (r *Router) normalize(name string, res Result, err error) (Result, error) {
	if err != nil {
		return Fail("%v", fmt.Errorf("tool %q: %w", name, err)), nil
	}
	return res, nil
}
