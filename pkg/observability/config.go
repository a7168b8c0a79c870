// Package observability wires OpenTelemetry tracing and Prometheus-backed
// metrics for the runtime. Both are optional; disabled subsystems resolve
// to no-ops so callers never branch.
package observability

import (
	"fmt"
	"time"
)

const defaultServiceName = "fractal"

// Config configures tracing and metrics.
type Config struct {
	// Tracing configures the OpenTelemetry tracer provider.
	Tracing TracingConfig `yaml:"tracing"`

	// Metrics configures the Prometheus exporter.
	Metrics MetricsConfig `yaml:"metrics"`
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is "otlp" or "stdout".
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector address, host:port.
	Endpoint string `yaml:"endpoint,omitempty"`

	// SampleRate is the TraceIDRatioBased fraction in [0, 1].
	SampleRate float64 `yaml:"sample_rate,omitempty"`

	// ServiceName identifies this process in traces.
	ServiceName string `yaml:"service_name,omitempty"`

	// Timeout bounds exporter operations.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "otlp"
	}
	if c.Tracing.Endpoint == "" {
		c.Tracing.Endpoint = "localhost:4317"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaultServiceName
	}
	if c.Tracing.Timeout == 0 {
		c.Tracing.Timeout = 10 * time.Second
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !c.Tracing.Enabled {
		return nil
	}
	switch c.Tracing.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("unknown trace exporter %q (valid: otlp, stdout)", c.Tracing.Exporter)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be in [0, 1], got %f", c.Tracing.SampleRate)
	}
	return nil
}
