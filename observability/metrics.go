package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var globalMeterProvider *sdkmetric.MeterProvider

// InitMetrics initializes OpenTelemetry metrics with Prometheus export.
func InitMetrics(serviceName string) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	globalMeterProvider = provider
	return provider, nil
}

// GetMeter returns a meter from the current global meter provider.
// Always resolved at call time so tests can inject their own provider.
func GetMeter(name string) metric.Meter {
	return otel.Meter(name)
}

// Metrics bundles the memory subsystem's instruments. One instance is
// shared by the manager, the retrieval engine, and the compression
// engine.
type Metrics struct {
	SessionsCreated   metric.Int64Counter
	SessionsDeleted   metric.Int64Counter
	ChunksStored      metric.Int64Counter
	Retrievals        metric.Int64Counter
	RetrievalLatency  metric.Float64Histogram
	Compressions      metric.Int64Counter
	CompressionRatios metric.Float64Histogram
}

// NewMetrics registers the subsystem's instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := GetMeter("convmem")

	sessionsCreated, err := meter.Int64Counter(
		"convmem.sessions.created",
		metric.WithDescription("Total number of sessions created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create sessions counter: %w", err)
	}

	sessionsDeleted, err := meter.Int64Counter(
		"convmem.sessions.deleted",
		metric.WithDescription("Total number of sessions deleted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deletions counter: %w", err)
	}

	chunksStored, err := meter.Int64Counter(
		"convmem.chunks.stored",
		metric.WithDescription("Total number of memory chunks stored"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create chunks counter: %w", err)
	}

	retrievals, err := meter.Int64Counter(
		"convmem.retrievals",
		metric.WithDescription("Retrieval requests by outcome layer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retrievals counter: %w", err)
	}

	retrievalLatency, err := meter.Float64Histogram(
		"convmem.retrieval.latency",
		metric.WithDescription("Retrieval pipeline latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create latency histogram: %w", err)
	}

	compressions, err := meter.Int64Counter(
		"convmem.compressions",
		metric.WithDescription("Compression runs by strategy and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressions counter: %w", err)
	}

	compressionRatios, err := meter.Float64Histogram(
		"convmem.compression.ratio",
		metric.WithDescription("Achieved compression ratios"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratio histogram: %w", err)
	}

	return &Metrics{
		SessionsCreated:   sessionsCreated,
		SessionsDeleted:   sessionsDeleted,
		ChunksStored:      chunksStored,
		Retrievals:        retrievals,
		RetrievalLatency:  retrievalLatency,
		Compressions:      compressions,
		CompressionRatios: compressionRatios,
	}, nil
}

// RecordRetrieval counts one retrieval resolved by the named layer
// ("semantic", "keyword", "fallback", or "empty").
func (m *Metrics) RecordRetrieval(ctx context.Context, layer string, latencyMs float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("layer", layer))
	m.Retrievals.Add(ctx, 1, attrs)
	m.RetrievalLatency.Record(ctx, latencyMs, attrs)
}

// RecordCompression counts one compression run and its achieved ratio.
func (m *Metrics) RecordCompression(ctx context.Context, strategy string, replaced bool, ratio float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Bool("replaced", replaced),
	)
	m.Compressions.Add(ctx, 1, attrs)
	m.CompressionRatios.Record(ctx, ratio, attrs)
}

// ShutdownMetrics gracefully shuts down the meter provider.
func ShutdownMetrics(ctx context.Context) error {
	if globalMeterProvider != nil {
		return globalMeterProvider.Shutdown(ctx)
	}
	return nil
}
