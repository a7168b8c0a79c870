// Package provider abstracts configuration sources: local file, consul,
// etcd, and zookeeper, each with change watching.
package provider

import (
	"context"
	"fmt"
)

// Type identifies a config source.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// Provider is a configuration source. Implementations are safe for
// concurrent use.
type Provider interface {
	// Type identifies the source for logging.
	Type() Type

	// Load reads the raw configuration bytes.
	Load(ctx context.Context) ([]byte, error)

	// Watch signals on the returned channel whenever the source changes.
	// Cancel the context to stop. A nil channel means watching is not
	// supported.
	Watch(ctx context.Context) (<-chan struct{}, error)

	// Close releases source resources.
	Close() error
}

// Options configures provider creation.
type Options struct {
	// Type selects the source; empty means file.
	Type string `yaml:"type,omitempty"`

	// Path is the file path or remote key.
	Path string `yaml:"path"`

	// Endpoints address the remote source (consul, etcd, zookeeper).
	Endpoints []string `yaml:"endpoints,omitempty"`
}

// New creates a provider from options.
func New(opts Options) (Provider, error) {
	switch opts.Type {
	case "", string(TypeFile):
		return NewFile(opts.Path)
	case string(TypeConsul):
		return NewConsul(opts.Endpoints, opts.Path)
	case string(TypeEtcd):
		return NewEtcd(opts.Endpoints, opts.Path)
	case string(TypeZookeeper), "zk":
		return NewZookeeper(opts.Endpoints, opts.Path)
	default:
		return nil, fmt.Errorf("unknown config source type: %q", opts.Type)
	}
}
