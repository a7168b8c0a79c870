package tools

import (
	"context"
	"fmt"
	"go/parser"
	"strings"
	"sync"
	"time"
)

// DefaultDynamicTimeout bounds one dynamic tool execution.
const DefaultDynamicTimeout = 30 * time.Second

// PluginRunner executes compiled-in tool plugins discovered out of process.
// The runner owns the subprocess and kills it on timeout.
type PluginRunner interface {
	Has(name string) bool
	Run(ctx context.Context, name string, args map[string]any) (string, error)
}

// dynamicTool is one tool created at runtime by the model.
type dynamicTool struct {
	def        Definition
	expression string // restricted expression, or empty for plugin-backed
	plugin     string // plugin name when plugin-backed
}

// DynamicTools manages tools created through create_tool. Implementations
// are either restricted expressions evaluated in-process or references to
// discovered plugin binaries; both run under the creating agent's sandbox
// timeout.
type DynamicTools struct {
	mu      sync.RWMutex
	tools   map[string]*dynamicTool
	plugins PluginRunner
	timeout time.Duration
}

// NewDynamicTools creates an empty dynamic tool set. plugins may be nil.
func NewDynamicTools(plugins PluginRunner, timeout time.Duration) *DynamicTools {
	if timeout <= 0 {
		timeout = DefaultDynamicTimeout
	}
	return &DynamicTools{
		tools:   make(map[string]*dynamicTool),
		plugins: plugins,
		timeout: timeout,
	}
}

// CreateToolDefinition advertises the create_tool builtin.
func CreateToolDefinition() Definition {
	return Definition{
		Name: "create_tool",
		Description: "Create a new tool from a restricted expression. The expression may use " +
			"the declared parameters by name, arithmetic and comparison operators, and the " +
			"builtins len, upper, lower, trim, contains, replace, split, join, str, num, abs, " +
			"round, min, max, list, map, get, if. Prefix the implementation with \"plugin:\" " +
			"to bind a discovered plugin instead.",
		Parameters: ObjectSchema(map[string]any{
			"name":           Prop("string", "Tool name (letters, digits, underscores)"),
			"description":    Prop("string", "What the tool does"),
			"parameters":     map[string]any{"type": "object", "description": "JSON schema of the tool parameters"},
			"implementation": Prop("string", "Expression body, or plugin:<name>"),
		}, "name", "description", "implementation"),
		Scope: ScopeSandboxed,
	}
}

// forbidden constructs rejected during validation. The expression grammar
// cannot express any of these, but rejecting them by token gives the model a
// clear observation instead of a parse error.
var forbiddenTokens = []string{
	"import", "eval(", "exec(", "open(", "os.", "__",
	"syscall", "unsafe", "go func",
}

// Create validates and registers a new dynamic tool.
func (d *DynamicTools) Create(args map[string]any) (Result, error) {
	name := StringArg(args, "name")
	description := StringArg(args, "description")
	implementation := StringArg(args, "implementation")

	if name == "" || implementation == "" {
		return Fail("create_tool requires name and implementation"), nil
	}
	if !validToolName(name) {
		return Fail("invalid tool name %q: use letters, digits and underscores", name), nil
	}

	params, _ := args["parameters"].(map[string]any)
	if params == nil {
		params = map[string]any{"type": "object"}
	}

	tool := &dynamicTool{
		def: Definition{
			Name:        name,
			Description: description,
			Parameters:  params,
			Scope:       ScopeSandboxed,
		},
	}

	if pluginName, ok := strings.CutPrefix(implementation, "plugin:"); ok {
		if d.plugins == nil || !d.plugins.Has(pluginName) {
			return Fail("plugin %q is not available", pluginName), nil
		}
		tool.plugin = pluginName
	} else {
		if reason := validateExpression(implementation); reason != "" {
			return Fail("implementation rejected: %s", reason), nil
		}
		tool.expression = implementation
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.tools[name]; exists {
		return Fail("tool %q already exists", name), nil
	}
	d.tools[name] = tool
	return Text(fmt.Sprintf("tool %q created", name)), nil
}

// validateExpression rejects forbidden constructs and anything that does not
// parse as a single expression.
func validateExpression(src string) string {
	lowered := strings.ToLower(src)
	for _, tok := range forbiddenTokens {
		if strings.Contains(lowered, tok) {
			return fmt.Sprintf("forbidden construct %q", tok)
		}
	}
	if _, err := parser.ParseExpr(src); err != nil {
		return fmt.Sprintf("not a valid expression: %v", err)
	}
	return ""
}

func validToolName(name string) bool {
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return len(name) > 0
}

// Has reports whether a dynamic tool exists under name.
func (d *DynamicTools) Has(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.tools[name]
	return ok
}

// Definitions returns the definitions of all created tools.
func (d *DynamicTools) Definitions() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Definition, 0, len(d.tools))
	for _, t := range d.tools {
		out = append(out, t.def)
	}
	return out
}

// Execute runs a dynamic tool under the execution timeout. Expression
// evaluation is additionally bounded by a step budget; plugin executions are
// killed by their runner on expiry.
func (d *DynamicTools) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	d.mu.RLock()
	tool, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		return Fail("dynamic tool %q not found", name), nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if tool.plugin != "" {
		out, err := d.plugins.Run(ctx, tool.plugin, args)
		if err != nil {
			return Fail("plugin %q failed: %v", tool.plugin, err), nil
		}
		return Text(out), nil
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := evalExpression(tool.expression, args)
		done <- outcome{v, err}
	}()

	select {
	case <-ctx.Done():
		return Fail("tool %q timed out after %s", name, d.timeout), nil
	case res := <-done:
		if res.err != nil {
			return Fail("tool %q failed: %v", name, res.err), nil
		}
		return Text(toString(res.value)), nil
	}
}
