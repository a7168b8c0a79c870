package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Manager owns the tracer provider and metrics recorder lifecycle.
type Manager struct {
	cfg Config

	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        Metrics
}

// NewManager creates an uninitialized manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:            cfg,
		tracerProvider: noop.NewTracerProvider(),
		metrics:        noopMetrics{},
	}
}

// Initialize builds the configured subsystems and installs the global
// metrics recorder.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := InitTracer(ctx, m.cfg.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := InitMetrics(m.cfg.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics
	SetGlobalMetrics(metrics)
	return nil
}

// Tracer returns a named tracer from the managed provider.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the managed recorder, never nil.
func (m *Manager) Metrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Shutdown flushes pending spans.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return tp.Shutdown(ctx)
	}
	return nil
}
