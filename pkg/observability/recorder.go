package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	globalMetrics Metrics
	metricsMu     sync.RWMutex
)

// Metrics records the pipeline signals the service emits. Implementations
// must tolerate being called from concurrent goroutines.
type Metrics interface {
	RecordIngest(ctx context.Context, kind string, duration time.Duration, err error)
	RecordEmbedBatch(ctx context.Context, model string, batchSize int, duration time.Duration, err error)
	RecordRetrieval(ctx context.Context, source string, duration time.Duration, resultCount int)
	RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error)
}

type PrometheusMetrics struct {
	ingestDuration metric.Float64Histogram
	ingestTotal    metric.Int64Counter
	ingestErrors   metric.Int64Counter

	embedDuration metric.Float64Histogram
	embedTexts    metric.Int64Counter
	embedErrors   metric.Int64Counter

	retrievalDuration metric.Float64Histogram
	retrievalTotal    metric.Int64Counter

	llmDuration     metric.Float64Histogram
	llmInputTokens  metric.Int64Counter
	llmOutputTokens metric.Int64Counter
	llmErrorsTotal  metric.Int64Counter
}

func NewPrometheusMetrics(
	ingestDuration metric.Float64Histogram,
	ingestTotal metric.Int64Counter,
	ingestErrors metric.Int64Counter,
	embedDuration metric.Float64Histogram,
	embedTexts metric.Int64Counter,
	embedErrors metric.Int64Counter,
	retrievalDuration metric.Float64Histogram,
	retrievalTotal metric.Int64Counter,
	llmDuration metric.Float64Histogram,
	llmInputTokens metric.Int64Counter,
	llmOutputTokens metric.Int64Counter,
	llmErrorsTotal metric.Int64Counter,
) *PrometheusMetrics {
	return &PrometheusMetrics{
		ingestDuration:    ingestDuration,
		ingestTotal:       ingestTotal,
		ingestErrors:      ingestErrors,
		embedDuration:     embedDuration,
		embedTexts:        embedTexts,
		embedErrors:       embedErrors,
		retrievalDuration: retrievalDuration,
		retrievalTotal:    retrievalTotal,
		llmDuration:       llmDuration,
		llmInputTokens:    llmInputTokens,
		llmOutputTokens:   llmOutputTokens,
		llmErrorsTotal:    llmErrorsTotal,
	}
}

func (m *PrometheusMetrics) RecordIngest(ctx context.Context, kind string, duration time.Duration, err error) {
	if m == nil || m.ingestDuration == nil || m.ingestTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
	}

	m.ingestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.ingestTotal.Add(ctx, 1, metric.WithAttributes(attrs...))

	if err != nil && m.ingestErrors != nil {
		m.ingestErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordEmbedBatch(ctx context.Context, model string, batchSize int, duration time.Duration, err error) {
	if m == nil || m.embedDuration == nil || m.embedTexts == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.embedDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.embedTexts.Add(ctx, int64(batchSize), metric.WithAttributes(attrs...))

	if err != nil && m.embedErrors != nil {
		m.embedErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (m *PrometheusMetrics) RecordRetrieval(ctx context.Context, source string, duration time.Duration, resultCount int) {
	if m == nil || m.retrievalDuration == nil || m.retrievalTotal == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("source", source),
		attribute.Int("result_count", resultCount),
	}

	m.retrievalDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.retrievalTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func (m *PrometheusMetrics) RecordLLMCall(ctx context.Context, model string, duration time.Duration, inputTokens, outputTokens int, err error) {
	if m == nil || m.llmDuration == nil || m.llmInputTokens == nil || m.llmOutputTokens == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("model", model),
	}

	m.llmDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.llmInputTokens.Add(ctx, int64(inputTokens), metric.WithAttributes(attrs...))
	m.llmOutputTokens.Add(ctx, int64(outputTokens), metric.WithAttributes(attrs...))

	if err != nil && m.llmErrorsTotal != nil {
		m.llmErrorsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func SetGlobalMetrics(m Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	globalMetrics = m
}

// GetGlobalMetrics never returns nil; callers can record unconditionally.
func GetGlobalMetrics() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics{}
	}
	return globalMetrics
}
