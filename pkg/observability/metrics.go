package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func InitMetrics(ctx context.Context, cfg MetricsConfig) (*PrometheusMetrics, error) {
	if !cfg.Enabled {
		return &PrometheusMetrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)

	meter := meterProvider.Meter(cfg.Namespace)

	ingestDuration, err := meter.Float64Histogram(
		cfg.Namespace+"_ingest_duration_seconds",
		metric.WithDescription("Document ingestion duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest duration histogram: %w", err)
	}

	ingestTotal, err := meter.Int64Counter(
		cfg.Namespace+"_documents_ingested_total",
		metric.WithDescription("Total documents ingested"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest counter: %w", err)
	}

	ingestErrors, err := meter.Int64Counter(
		cfg.Namespace+"_ingest_errors_total",
		metric.WithDescription("Total document ingestion failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ingest errors counter: %w", err)
	}

	embedDuration, err := meter.Float64Histogram(
		cfg.Namespace+"_embed_batch_duration_seconds",
		metric.WithDescription("Embedding batch duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embed duration histogram: %w", err)
	}

	embedTexts, err := meter.Int64Counter(
		cfg.Namespace+"_embedded_texts_total",
		metric.WithDescription("Total texts embedded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embed texts counter: %w", err)
	}

	embedErrors, err := meter.Int64Counter(
		cfg.Namespace+"_embed_errors_total",
		metric.WithDescription("Total embedding batch failures"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embed errors counter: %w", err)
	}

	retrievalDuration, err := meter.Float64Histogram(
		cfg.Namespace+"_retrieval_duration_seconds",
		metric.WithDescription("Retrieval duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval duration histogram: %w", err)
	}

	retrievalTotal, err := meter.Int64Counter(
		cfg.Namespace+"_retrievals_total",
		metric.WithDescription("Total retrieval operations"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrieval counter: %w", err)
	}

	llmDuration, err := meter.Float64Histogram(
		cfg.Namespace+"_llm_request_duration_seconds",
		metric.WithDescription("LLM request duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm duration histogram: %w", err)
	}

	llmInputTokens, err := meter.Int64Counter(
		cfg.Namespace+"_llm_tokens_input_total",
		metric.WithDescription("Total input tokens sent to LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm input tokens counter: %w", err)
	}

	llmOutputTokens, err := meter.Int64Counter(
		cfg.Namespace+"_llm_tokens_output_total",
		metric.WithDescription("Total output tokens from LLM"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm output tokens counter: %w", err)
	}

	llmErrors, err := meter.Int64Counter(
		cfg.Namespace+"_llm_errors_total",
		metric.WithDescription("Total LLM errors"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create llm errors counter: %w", err)
	}

	return NewPrometheusMetrics(
		ingestDuration,
		ingestTotal,
		ingestErrors,
		embedDuration,
		embedTexts,
		embedErrors,
		retrievalDuration,
		retrievalTotal,
		llmDuration,
		llmInputTokens,
		llmOutputTokens,
		llmErrors,
	), nil
}
