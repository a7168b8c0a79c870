package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/fractalhq/fractal/pkg/config/provider"
)

// Loader reads configuration from a provider and can watch for changes.
type Loader struct {
	source   provider.Provider
	onChange func(*Config)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithOnChange registers a callback invoked with each successfully reloaded
// configuration while watching.
func WithOnChange(fn func(*Config)) LoaderOption {
	return func(l *Loader) { l.onChange = fn }
}

// NewLoader creates a loader over a config source.
func NewLoader(source provider.Provider, opts ...LoaderOption) *Loader {
	l := &Loader{source: source}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads, expands, decodes and validates the configuration.
func (l *Loader) Load(ctx context.Context) (*Config, error) {
	raw, err := l.source.Load(ctx)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

// Watch reloads on every source change notification and hands valid configs
// to the OnChange callback. Invalid reloads are logged and skipped; the
// previous configuration stays active.
func (l *Loader) Watch(ctx context.Context) error {
	changes, err := l.source.Watch(ctx)
	if err != nil {
		return err
	}
	if changes == nil {
		return fmt.Errorf("config source %s does not support watching", l.source.Type())
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				cfg, err := l.Load(ctx)
				if err != nil {
					slog.Error("config reload failed, keeping previous configuration", "error", err)
					continue
				}
				slog.Info("configuration reloaded", "source", l.source.Type())
				if l.onChange != nil {
					l.onChange(cfg)
				}
			}
		}
	}()
	return nil
}

// Close releases the underlying source.
func (l *Loader) Close() error {
	return l.source.Close()
}

// Parse decodes raw YAML into a validated Config. The YAML is decoded into a
// generic tree first so environment references can be expanded (and
// re-typed) before the mapstructure pass.
func Parse(raw []byte) (*Config, error) {
	var tree map[string]any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	expanded, _ := expandTree(tree).(map[string]any)

	var cfg Config
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		Result:           &cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(expanded); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
