package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

var (
	globalMetrics Metrics = noopMetrics{}
	metricsMu     sync.RWMutex
)

// Metrics records runtime measurements. Implementations are safe for
// concurrent use.
type Metrics interface {
	// RecordTask records one completed agent task.
	RecordTask(ctx context.Context, agentID string, duration time.Duration, iterations int, err error)

	// RecordToolExecution records one tool call.
	RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error)

	// RecordLLMUsage records provider token consumption.
	RecordLLMUsage(ctx context.Context, model string, inputTokens, outputTokens int)

	// RecordMemoryEviction records messages evicted from a tier.
	RecordMemoryEviction(ctx context.Context, tier string, count int)

	// RecordMemoryPromotion records a promotion between tiers.
	RecordMemoryPromotion(ctx context.Context, from, to string)

	// RecordEventPublished records one published bus event.
	RecordEventPublished(ctx context.Context, eventType string)

	// RecordEventDropped records one event dropped by an interceptor.
	RecordEventDropped(ctx context.Context, eventType string)
}

// InitMetrics builds the Prometheus-backed meter. Disabled metrics yield a
// no-op recorder.
func InitMetrics(cfg MetricsConfig) (Metrics, error) {
	if !cfg.Enabled {
		return noopMetrics{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("fractal")

	m := &promMetrics{}
	if m.taskDuration, err = meter.Float64Histogram(
		"fractal_agent_task_duration_seconds",
		metric.WithDescription("Agent task duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.taskIterations, err = meter.Int64Histogram(
		"fractal_agent_task_iterations",
		metric.WithDescription("Reasoning iterations per task"),
	); err != nil {
		return nil, err
	}
	if m.taskErrors, err = meter.Int64Counter(
		"fractal_agent_task_errors_total",
		metric.WithDescription("Failed agent tasks"),
	); err != nil {
		return nil, err
	}
	if m.toolDuration, err = meter.Float64Histogram(
		"fractal_tool_execution_duration_seconds",
		metric.WithDescription("Tool execution duration in seconds"),
	); err != nil {
		return nil, err
	}
	if m.toolErrors, err = meter.Int64Counter(
		"fractal_tool_errors_total",
		metric.WithDescription("Failed tool executions"),
	); err != nil {
		return nil, err
	}
	if m.llmInputTokens, err = meter.Int64Counter(
		"fractal_llm_tokens_input_total",
		metric.WithDescription("Input tokens sent to providers"),
	); err != nil {
		return nil, err
	}
	if m.llmOutputTokens, err = meter.Int64Counter(
		"fractal_llm_tokens_output_total",
		metric.WithDescription("Output tokens received from providers"),
	); err != nil {
		return nil, err
	}
	if m.memoryEvictions, err = meter.Int64Counter(
		"fractal_memory_evictions_total",
		metric.WithDescription("Messages evicted from memory tiers"),
	); err != nil {
		return nil, err
	}
	if m.memoryPromotions, err = meter.Int64Counter(
		"fractal_memory_promotions_total",
		metric.WithDescription("Promotions between memory tiers"),
	); err != nil {
		return nil, err
	}
	if m.eventsPublished, err = meter.Int64Counter(
		"fractal_bus_events_published_total",
		metric.WithDescription("Events published on the bus"),
	); err != nil {
		return nil, err
	}
	if m.eventsDropped, err = meter.Int64Counter(
		"fractal_bus_events_dropped_total",
		metric.WithDescription("Events blocked by interceptors"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// SetGlobalMetrics installs the process-wide recorder.
func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if m == nil {
		m = noopMetrics{}
	}
	globalMetrics = m
}

// GetGlobalMetrics returns the process-wide recorder, never nil.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return globalMetrics
}

type promMetrics struct {
	taskDuration   metric.Float64Histogram
	taskIterations metric.Int64Histogram
	taskErrors     metric.Int64Counter

	toolDuration metric.Float64Histogram
	toolErrors   metric.Int64Counter

	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter

	memoryEvictions  metric.Int64Counter
	memoryPromotions metric.Int64Counter

	eventsPublished metric.Int64Counter
	eventsDropped   metric.Int64Counter
}

func (m *promMetrics) RecordTask(ctx context.Context, agentID string, duration time.Duration, iterations int, err error) {
	attrs := metric.WithAttributes(attribute.String("agent", agentID))
	m.taskDuration.Record(ctx, duration.Seconds(), attrs)
	m.taskIterations.Record(ctx, int64(iterations), attrs)
	if err != nil {
		m.taskErrors.Add(ctx, 1, attrs)
	}
}

func (m *promMetrics) RecordToolExecution(ctx context.Context, tool string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("tool", tool))
	m.toolDuration.Record(ctx, duration.Seconds(), attrs)
	if err != nil {
		m.toolErrors.Add(ctx, 1, attrs)
	}
}

func (m *promMetrics) RecordLLMUsage(ctx context.Context, model string, inputTokens, outputTokens int) {
	attrs := metric.WithAttributes(attribute.String("model", model))
	m.llmInputTokens.Add(ctx, int64(inputTokens), attrs)
	m.llmOutputTokens.Add(ctx, int64(outputTokens), attrs)
}

func (m *promMetrics) RecordMemoryEviction(ctx context.Context, tier string, count int) {
	m.memoryEvictions.Add(ctx, int64(count), metric.WithAttributes(attribute.String("tier", tier)))
}

func (m *promMetrics) RecordMemoryPromotion(ctx context.Context, from, to string) {
	m.memoryPromotions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *promMetrics) RecordEventPublished(ctx context.Context, eventType string) {
	m.eventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *promMetrics) RecordEventDropped(ctx context.Context, eventType string) {
	m.eventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

// noopMetrics discards every measurement.
type noopMetrics struct{}

func (noopMetrics) RecordTask(context.Context, string, time.Duration, int, error) {}
func (noopMetrics) RecordToolExecution(context.Context, string, time.Duration, error) {
}
func (noopMetrics) RecordLLMUsage(context.Context, string, int, int)  {}
func (noopMetrics) RecordMemoryEviction(context.Context, string, int) {}
func (noopMetrics) RecordMemoryPromotion(context.Context, string, string) {
}
func (noopMetrics) RecordEventPublished(context.Context, string) {}
func (noopMetrics) RecordEventDropped(context.Context, string)   {}
