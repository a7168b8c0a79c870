// Package config loads and validates the runtime configuration: YAML from a
// pluggable source (file, consul, etcd, zookeeper), ${VAR} environment
// expansion, then a SetDefaults/Validate pass over every section.
package config

import (
	"fmt"
	"time"

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

// Config is the root document.
type Config struct {
	// LLMs are the named provider configurations.
	LLMs map[string]llms.Config `yaml:"llms"`

	// Embedders are the named embedding provider configurations.
	Embedders map[string]embedders.Config `yaml:"embedders"`

	// VectorStores are the named vector store configurations.
	VectorStores map[string]vector.StoreConfig `yaml:"vector_stores"`

	// Agents are the configured agents keyed by node id.
	Agents map[string]AgentConfig `yaml:"agents"`

	// Defaults fill unset agent references.
	Defaults Defaults `yaml:"defaults"`

	// Memory is the shared memory tier configuration.
	Memory memory.Config `yaml:"memory"`

	// Orchestrator bounds delegation.
	Orchestrator orchestrator.Config `yaml:"orchestrator"`

	// Interceptors configures the dispatcher chain.
	Interceptors InterceptorsConfig `yaml:"interceptors"`

	// Tools configures the tool surface.
	Tools ToolsConfig `yaml:"tools"`

	// Tasks configures the task archive.
	Tasks task.Config `yaml:"tasks"`

	// Server configures the ops HTTP server.
	Server server.Config `yaml:"server"`

	// Observability configures tracing and metrics.
	Observability observability.Config `yaml:"observability"`

	// Logging configures slog.
	Logging LoggingConfig `yaml:"logging"`
}

// AgentConfig is one agent entry: the loop configuration plus references to
// the named providers.
type AgentConfig struct {
	// Role is the agent's human-readable label.
	Role string `yaml:"role"`

	// SystemPrompt seeds every context build.
	SystemPrompt string `yaml:"system_prompt"`

	// LLM references an entry in the top-level llms map.
	LLM string `yaml:"llm"`

	// Embedder and VectorStore reference entries in the top-level maps;
	// empty disables L4 semantic memory.
	Embedder    string `yaml:"embedder,omitempty"`
	VectorStore string `yaml:"vector_store,omitempty"`

	// Tools is the agent's allowlist; empty allows everything.
	Tools []string `yaml:"tools,omitempty"`

	// MaxIterations bounds the loop; nil uses the default.
	MaxIterations *int `yaml:"max_iterations,omitempty"`

	// RequireDoneTool forces an explicit done call.
	RequireDoneTool bool `yaml:"require_done_tool"`

	// OutputReserve is the context fraction reserved for the reply.
	OutputReserve float64 `yaml:"output_reserve,omitempty"`

	// MaxTokens caps each completion.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// CanDelegate enables delegate_subtasks for this agent.
	CanDelegate bool `yaml:"can_delegate"`
}

// Defaults fill unset agent references.
type Defaults struct {
	LLM         string `yaml:"llm"`
	Embedder    string `yaml:"embedder,omitempty"`
	VectorStore string `yaml:"vector_store,omitempty"`
}

// InterceptorsConfig configures the dispatcher chain. Order is fixed:
// tracing, auth, budget, depth, timeout, hitl, adaptive.
type InterceptorsConfig struct {
	// AuthPrefixes is the allowed source-prefix set; empty disables auth.
	AuthPrefixes []string `yaml:"auth_prefixes,omitempty"`

	// MaxTokens is the session token ceiling; zero disables the budget.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// MaxDepth backs the depth interceptor; zero disables it.
	MaxDepth int `yaml:"max_depth,omitempty"`

	// DispatchTimeout bounds each dispatch.
	DispatchTimeout time.Duration `yaml:"dispatch_timeout,omitempty"`

	// HITLPatterns lists event-type patterns that require human approval.
	HITLPatterns []string `yaml:"hitl_patterns,omitempty"`

	// Adaptive tunes the anomaly accumulator.
	Adaptive interceptor.AdaptiveConfig `yaml:"adaptive"`
}

// ToolsConfig configures the tool surface.
type ToolsConfig struct {
	// Command configures the sandboxed shell tool.
	Command CommandConfig `yaml:"command"`

	// Sandbox is the confinement root for sandboxed tools.
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Web enables the HTTP fetch tool.
	Web WebConfig `yaml:"web"`

	// Dynamic enables runtime tool creation.
	Dynamic DynamicConfig `yaml:"dynamic"`

	// MCP lists external MCP tool sources.
	MCP []tools.MCPConfig `yaml:"mcp,omitempty"`

	// Plugins configures go-plugin discovery.
	Plugins plugins.DiscoveryConfig `yaml:"plugins"`
}

// CommandConfig configures the shell tool.
type CommandConfig struct {
	Enabled bool `yaml:"enabled"`

	// Allowed lists permitted executables.
	Allowed []string `yaml:"allowed,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// SandboxConfig confines sandboxed tools.
type SandboxConfig struct {
	// Dir is the sandbox root; empty uses a per-run temp directory.
	Dir string `yaml:"dir,omitempty"`

	// Operations allowed inside the sandbox: read, write, list, execute.
	Operations []string `yaml:"operations,omitempty"`

	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// WebConfig configures the HTTP fetch tool.
type WebConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DynamicConfig configures runtime tool creation.
type DynamicConfig struct {
	Enabled bool          `yaml:"enabled"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level,omitempty"`

	// Format is "text" or "json".
	Format string `yaml:"format,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	for name, cfg := range c.LLMs {
		cfg.SetDefaults()
		c.LLMs[name] = cfg
	}
	for name, cfg := range c.Embedders {
		cfg.SetDefaults()
		c.Embedders[name] = cfg
	}
	for name, cfg := range c.VectorStores {
		cfg.SetDefaults()
		c.VectorStores[name] = cfg
	}
	for name, cfg := range c.Agents {
		if cfg.LLM == "" {
			cfg.LLM = c.Defaults.LLM
		}
		if cfg.Embedder == "" {
			cfg.Embedder = c.Defaults.Embedder
		}
		if cfg.VectorStore == "" {
			cfg.VectorStore = c.Defaults.VectorStore
		}
		c.Agents[name] = cfg
	}

	c.Memory.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Tasks.SetDefaults()
	c.Interceptors.Adaptive.SetDefaults()
	c.Tools.Plugins.SetDefaults()
	for i := range c.Tools.MCP {
		c.Tools.MCP[i].SetDefaults()
	}

	if c.Tools.Command.Timeout == 0 {
		c.Tools.Command.Timeout = 30 * time.Second
	}
	if c.Tools.Sandbox.Timeout == 0 {
		c.Tools.Sandbox.Timeout = 30 * time.Second
	}
	if len(c.Tools.Sandbox.Operations) == 0 {
		c.Tools.Sandbox.Operations = []string{"read", "write", "list"}
	}
	if c.Tools.Web.Timeout == 0 {
		c.Tools.Web.Timeout = 30 * time.Second
	}
	if c.Tools.Dynamic.Timeout == 0 {
		c.Tools.Dynamic.Timeout = 10 * time.Second
	}

	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8420
	}
	if c.Interceptors.DispatchTimeout == 0 {
		c.Interceptors.DispatchTimeout = 2 * time.Minute
	}

	c.Observability.SetDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent is required")
	}
	for name, cfg := range c.LLMs {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("llm %q: %w", name, err)
		}
	}
	for name, cfg := range c.Embedders {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("embedder %q: %w", name, err)
		}
	}
	for name, cfg := range c.VectorStores {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("vector store %q: %w", name, err)
		}
	}
	for name, cfg := range c.Agents {
		if cfg.LLM == "" {
			return fmt.Errorf("agent %q: llm reference is required", name)
		}
		if _, ok := c.LLMs[cfg.LLM]; !ok {
			return fmt.Errorf("agent %q references unknown llm %q", name, cfg.LLM)
		}
		if cfg.Embedder != "" {
			if _, ok := c.Embedders[cfg.Embedder]; !ok {
				return fmt.Errorf("agent %q references unknown embedder %q", name, cfg.Embedder)
			}
		}
		if cfg.VectorStore != "" {
			if _, ok := c.VectorStores[cfg.VectorStore]; !ok {
				return fmt.Errorf("agent %q references unknown vector store %q", name, cfg.VectorStore)
			}
		}
		if cfg.OutputReserve < 0 || cfg.OutputReserve >= 1 {
			return fmt.Errorf("agent %q: output_reserve must be in [0, 1)", name)
		}
	}

	if err := c.Memory.Validate(); err != nil {
		return err
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return err
	}
	if err := c.Tasks.Validate(); err != nil {
		return err
	}
	for i := range c.Tools.MCP {
		if err := c.Tools.MCP[i].Validate(); err != nil {
			return fmt.Errorf("mcp source %d: %w", i, err)
		}
	}
	if c.Server.JWT.Enabled && c.Server.JWT.JWKSURL == "" {
		return fmt.Errorf("server jwt requires a jwks_url")
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}
	return nil
}
