package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records delivery pipeline metrics.
// Use NewMetricsRecorder() for OTel metrics, NewPrometheusMetrics for a
// Prometheus registry, or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordDispatched records events handed to the batcher for an endpoint.
	RecordDispatched(ctx context.Context, endpoint string, events int)

	// RecordStage records one plugin stage with its duration and error status.
	RecordStage(ctx context.Context, plugin string, duration time.Duration, err error)

	// RecordFlush records one batch request.
	RecordFlush(ctx context.Context, endpoint string, events, sizeBytes int, err error)

	// RecordDropped records events given up on.
	RecordDropped(ctx context.Context, reason string, events int)

	// RecordQueueDepth records the current retry queue length.
	RecordQueueDepth(ctx context.Context, queue string, depth int)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	dispatched metric.Int64Counter
	stageLat   metric.Float64Histogram
	stageErrs  metric.Int64Counter
	flushes    metric.Int64Counter
	batchSize  metric.Int64Histogram
	dropped    metric.Int64Counter
	queueDepth metric.Int64Gauge
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter("analytics")

	dispatched, err := meter.Int64Counter("analytics.events.dispatched",
		metric.WithDescription("Number of events handed to the batcher"),
	)
	if err != nil {
		return nil, err
	}

	stageLat, err := meter.Float64Histogram("analytics.stage.latency_ms",
		metric.WithDescription("Plugin stage latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	stageErrs, err := meter.Int64Counter("analytics.stage.errors",
		metric.WithDescription("Number of plugin stage errors"),
	)
	if err != nil {
		return nil, err
	}

	flushes, err := meter.Int64Counter("analytics.batch.flushes",
		metric.WithDescription("Number of batch requests"),
	)
	if err != nil {
		return nil, err
	}

	batchSize, err := meter.Int64Histogram("analytics.batch.size_bytes",
		metric.WithDescription("Batch request body size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("analytics.delivery.dropped",
		metric.WithDescription("Number of events dropped without delivery"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge("analytics.queue.depth",
		metric.WithDescription("Retry queue length"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		dispatched: dispatched,
		stageLat:   stageLat,
		stageErrs:  stageErrs,
		flushes:    flushes,
		batchSize:  batchSize,
		dropped:    dropped,
		queueDepth: queueDepth,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses the global OTel
// meter provider. If metrics initialization fails, returns a no-op recorder.
//
// Configure the provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	return NewMetricsRecorderWithProvider(otel.GetMeterProvider())
}

// NewMetricsRecorderWithProvider returns a MetricsRecorder bound to provider.
func NewMetricsRecorderWithProvider(provider metric.MeterProvider) MetricsRecorder {
	m, err := newOtelMetrics(provider)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordDispatched records events handed to the batcher.
func (m *otelMetrics) RecordDispatched(ctx context.Context, endpoint string, events int) {
	m.dispatched.Add(ctx, int64(events), metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordStage records a plugin stage.
func (m *otelMetrics) RecordStage(ctx context.Context, plugin string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("plugin", plugin))
	m.stageLat.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	if err != nil {
		m.stageErrs.Add(ctx, 1, attrs)
	}
}

// RecordFlush records a batch request.
func (m *otelMetrics) RecordFlush(ctx context.Context, endpoint string, events, sizeBytes int, err error) {
	m.flushes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.Bool("success", err == nil),
	))
	m.batchSize.Record(ctx, int64(sizeBytes), metric.WithAttributes(
		attribute.String("endpoint", endpoint),
	))
}

// RecordDropped records dropped events.
func (m *otelMetrics) RecordDropped(ctx context.Context, reason string, events int) {
	m.dropped.Add(ctx, int64(events), metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordQueueDepth records the retry queue length.
func (m *otelMetrics) RecordQueueDepth(ctx context.Context, queue string, depth int) {
	m.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}
