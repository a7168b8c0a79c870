// Package embedders provides text embedding providers for semantic memory.
//
// All providers satisfy Embedder. Embedding is deterministic per provider:
// the same text with the same model yields the same vector, which memory
// pruning relies on when re-embedding after failures.
package embedders

import (
	"context"
	"fmt"
)

// Embedder produces vector embeddings from text.
type Embedder interface {
	// Embed converts one text to a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts in one round trip where the
	// backend supports it. Results align with the input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding vector dimension. It is fixed for
	// the lifetime of the embedder.
	Dimension() int

	// Model returns the model name in use.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// Config selects and configures an embedding provider.
type Config struct {
	// Type is the provider type: "openai", "ollama", "gemini", "hash".
	Type string `yaml:"type"`

	// Model is the embedding model name.
	Model string `yaml:"model,omitempty"`

	// Host is the API base URL (openai-compatible and ollama providers).
	Host string `yaml:"host,omitempty"`

	// APIKey authenticates against hosted providers.
	APIKey string `yaml:"api_key,omitempty"`

	// Dimension overrides the provider's default vector dimension.
	Dimension int `yaml:"dimension,omitempty"`

	// Timeout bounds each request, in seconds. Default: 30.
	Timeout int `yaml:"timeout,omitempty"`

	// BatchSize caps texts per batch request. Default: 100.
	BatchSize int `yaml:"batch_size,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Type == "" {
		c.Type = "hash"
	}
	if c.Timeout == 0 {
		c.Timeout = 30
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Type {
	case "hash", "ollama":
		return nil
	case "openai":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for openai embedder")
		}
		return nil
	case "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("api_key is required for gemini embedder")
		}
		return nil
	case "":
		return fmt.Errorf("embedder type is required")
	default:
		return fmt.Errorf("unknown embedder type: %q", c.Type)
	}
}

// New creates an embedder from configuration.
func New(cfg Config) (Embedder, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "hash":
		return NewHash(cfg.Dimension), nil
	case "openai":
		return NewOpenAI(cfg)
	case "ollama":
		return NewOllama(cfg)
	case "gemini":
		return NewGemini(cfg)
	default:
		return nil, fmt.Errorf("unknown embedder type: %q", cfg.Type)
	}
}
