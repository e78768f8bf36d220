package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartEventSpan starts the span covering one event's pipeline run.
	StartEventSpan(ctx context.Context, eventType, messageID string) (context.Context, trace.Span)

	// StartStageSpan starts a span for one plugin stage. It should be a
	// child of the event span.
	StartStageSpan(ctx context.Context, plugin, pluginType string) (context.Context, trace.Span)

	// StartFlushSpan starts a span for one batch request.
	StartFlushSpan(ctx context.Context, endpoint string, events int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct {
	tracer trace.Tracer
}

// NewSpanManager returns a SpanManager that uses the global OTel tracer
// provider.
//
// Configure the provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return NewSpanManagerWithProvider(otel.GetTracerProvider())
}

// NewSpanManagerWithProvider returns a SpanManager bound to provider.
func NewSpanManagerWithProvider(provider trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: provider.Tracer("analytics")}
}

// StartEventSpan starts the span for one event.
func (m *otelSpanManager) StartEventSpan(ctx context.Context, eventType, messageID string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "analytics.event",
		trace.WithAttributes(
			attribute.String("event.type", eventType),
			attribute.String("event.message_id", messageID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan starts a span for a plugin stage.
func (m *otelSpanManager) StartStageSpan(ctx context.Context, plugin, pluginType string) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "analytics.stage."+plugin,
		trace.WithAttributes(
			attribute.String("plugin.name", plugin),
			attribute.String("plugin.type", pluginType),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartFlushSpan starts a span for a batch request.
func (m *otelSpanManager) StartFlushSpan(ctx context.Context, endpoint string, events int) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, "analytics.flush",
		trace.WithAttributes(
			attribute.String("batch.endpoint", endpoint),
			attribute.Int("batch.events", events),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
