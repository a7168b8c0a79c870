package vector

import (
	"context"
	"fmt"
)

// StoreType identifies a vector store implementation.
type StoreType string

const (
	// StoreInMemory keeps vectors in process memory. Zero-config; the
	// default for tests and single-run sessions.
	StoreInMemory StoreType = "inmemory"

	// StoreChromem uses chromem-go for embedded storage with optional
	// file persistence.
	StoreChromem StoreType = "chromem"

	// StoreQdrant uses a Qdrant server over gRPC.
	StoreQdrant StoreType = "qdrant"

	// StorePinecone uses the managed Pinecone service.
	StorePinecone StoreType = "pinecone"
)

// StoreConfig selects and configures a vector store.
type StoreConfig struct {
	// Type identifies which store to create.
	Type StoreType `yaml:"type"`

	// Chromem configuration (used when Type == "chromem").
	Chromem *ChromemConfig `yaml:"chromem,omitempty"`

	// Qdrant configuration (used when Type == "qdrant").
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`

	// Pinecone configuration (used when Type == "pinecone").
	Pinecone *PineconeConfig `yaml:"pinecone,omitempty"`
}

// SetDefaults applies default values.
func (c *StoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = StoreInMemory
	}
	if c.Type == StoreChromem && c.Chromem == nil {
		c.Chromem = &ChromemConfig{}
	}
}

// Validate checks the configuration.
func (c *StoreConfig) Validate() error {
	switch c.Type {
	case StoreInMemory, StoreChromem:
		return nil
	case StoreQdrant:
		if c.Qdrant == nil || c.Qdrant.Host == "" {
			return fmt.Errorf("qdrant host is required")
		}
		return nil
	case StorePinecone:
		if c.Pinecone == nil || c.Pinecone.APIKey == "" {
			return fmt.Errorf("pinecone api_key is required")
		}
		return nil
	case "":
		return fmt.Errorf("store type is required")
	default:
		return fmt.Errorf("unknown store type: %q", c.Type)
	}
}

// NewStore creates a vector store from configuration.
func NewStore(ctx context.Context, cfg *StoreConfig) (Store, error) {
	if cfg == nil {
		return NewInMemory(), nil
	}

	switch cfg.Type {
	case "", StoreInMemory:
		return NewInMemory(), nil

	case StoreChromem:
		chromemCfg := ChromemConfig{}
		if cfg.Chromem != nil {
			chromemCfg = *cfg.Chromem
		}
		return NewChromem(chromemCfg)

	case StoreQdrant:
		if cfg.Qdrant == nil {
			return nil, fmt.Errorf("qdrant configuration is required")
		}
		return NewQdrant(*cfg.Qdrant)

	case StorePinecone:
		if cfg.Pinecone == nil {
			return nil, fmt.Errorf("pinecone configuration is required")
		}
		return NewPinecone(ctx, *cfg.Pinecone)

	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}
