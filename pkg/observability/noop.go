package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace/noop"
)

// NoopManager returns a Manager whose tracer and metrics do nothing.
// Use this when observability is completely disabled.
func NoopManager() *Manager {
	return &Manager{
		tracerProvider: noop.NewTracerProvider(),
		metrics:        NoopMetrics{},
	}
}

// NoopMetrics is a metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) RecordIngest(_ context.Context, _ string, _ time.Duration, _ error) {}
func (NoopMetrics) RecordEmbedBatch(_ context.Context, _ string, _ int, _ time.Duration, _ error) {
}
func (NoopMetrics) RecordRetrieval(_ context.Context, _ string, _ time.Duration, _ int) {}
func (NoopMetrics) RecordLLMCall(_ context.Context, _ string, _ time.Duration, _, _ int, _ error) {
}

var (
	_ Metrics = (*PrometheusMetrics)(nil)
	_ Metrics = NoopMetrics{}
)
