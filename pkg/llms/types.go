// Package llms defines the LLM provider contract: a non-streaming Chat call,
// a streaming StreamChat call emitting typed chunks, and implementations for
// OpenAI-compatible endpoints (including Ollama and vLLM), Anthropic, and
// Gemini.
package llms

import (
	"context"
	"fmt"
)

// Role identifies a conversation message author.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls carries the calls an assistant turn requested.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID and ToolName bind a tool-role result to its call.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolCall is one parsed tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`

	// RawArguments preserves the argument text as streamed, for
	// diagnostics when parsing failed.
	RawArguments string `json:"raw_arguments,omitempty"`
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the result of a non-streaming Chat call.
type Response struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// ChunkType enumerates the streaming chunk kinds.
type ChunkType string

const (
	ChunkText             ChunkType = "text"
	ChunkToolCallStart    ChunkType = "tool_call_start"
	ChunkToolCallDelta    ChunkType = "tool_call_delta"
	ChunkToolCallComplete ChunkType = "tool_call_complete"
	ChunkDone             ChunkType = "done"
	ChunkError            ChunkType = "error"
)

// StreamChunk is one streamed fragment. Which fields are set depends on Type:
//
//	text                Text
//	tool_call_start     ToolID, ToolName, Index
//	tool_call_delta     Index, ArgumentsFragment
//	tool_call_complete  ToolID, ToolName, Index, Arguments (nil when the
//	                    streamed text was not valid JSON), RawArguments
//	done                FinishReason, Usage
//	error               Err
type StreamChunk struct {
	Type ChunkType `json:"type"`

	Text string `json:"text,omitempty"`

	ToolID            string         `json:"tool_id,omitempty"`
	ToolName          string         `json:"tool_name,omitempty"`
	Index             int            `json:"index,omitempty"`
	ArgumentsFragment string         `json:"arguments_fragment,omitempty"`
	Arguments         map[string]any `json:"arguments,omitempty"`
	RawArguments      string         `json:"raw_arguments,omitempty"`

	FinishReason string `json:"finish_reason,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`

	Err error `json:"-"`
}

// Params tunes one provider call. Zero values fall back to the provider's
// configured defaults.
type Params struct {
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Provider is the LLM capability contract.
type Provider interface {
	// Name returns the configured provider key.
	Name() string

	// Model returns the model identifier in use.
	Model() string

	// ContextWindow returns the model's input context size in tokens.
	ContextWindow() int

	// Chat performs a non-streaming completion.
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (*Response, error)

	// StreamChat performs a streaming completion. The returned channel is
	// closed after the terminal done or error chunk. Abandoning the
	// context closes the provider connection.
	StreamChat(ctx context.Context, messages []Message, tools []ToolDefinition, params Params) (<-chan StreamChunk, error)

	// Close releases pooled connections.
	Close() error
}

// Config selects and configures an LLM provider.
type Config struct {
	// Type is the provider type: "openai", "anthropic", "gemini",
	// "ollama" (openai-compatible with an Ollama default host).
	Type string `yaml:"type"`

	// Model is the model identifier.
	Model string `yaml:"model"`

	// Host overrides the API base URL.
	Host string `yaml:"host,omitempty"`

	// APIKey authenticates against hosted providers.
	APIKey string `yaml:"api_key,omitempty"`

	// ContextWindow is the model input budget in tokens. Default: 128000.
	ContextWindow int `yaml:"context_window,omitempty"`

	// MaxTokens caps completion length. Default: 4096.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Temperature is the sampling temperature.
	Temperature float64 `yaml:"temperature,omitempty"`

	// Timeout bounds each request, in seconds. Default: 120.
	Timeout int `yaml:"timeout,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.ContextWindow == 0 {
		c.ContextWindow = 128000
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.Host == "" {
		switch c.Type {
		case "openai":
			c.Host = "https://api.openai.com/v1"
		case "anthropic":
			c.Host = "https://api.anthropic.com/v1"
		case "ollama":
			c.Host = "http://localhost:11434/v1"
		}
	}
	if c.Model == "" && c.Type == "ollama" {
		c.Model = "llama3.2"
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for %s provider", c.Type)
		}
	case "ollama":
	case "":
		return fmt.Errorf("llm provider type is required")
	default:
		return fmt.Errorf("unknown llm provider type: %q", c.Type)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	return nil
}

// New creates a provider from configuration.
func New(name string, cfg Config) (Provider, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "openai", "ollama":
		return NewOpenAI(name, cfg)
	case "anthropic":
		return NewAnthropic(name, cfg)
	case "gemini":
		return NewGemini(name, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider type: %q", cfg.Type)
	}
}
