package telemetry

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type TelemetryTracer struct {
	tracer     trace.Tracer
	span       trace.Span
	tracerCtx  context.Context // parent of child spans
	spanName   string
	attributes *SpanAttributes

	started bool
}

func NewTelemetryTracer(ctx context.Context, tracer trace.Tracer, spanName string) *TelemetryTracer {
	return &TelemetryTracer{
		tracer:     tracer,
		tracerCtx:  ctx,
		spanName:   spanName,
		attributes: EmptySpanAttributes(),
	}
}

// NewTelemetryTracerFrom imports a span context produced by Export
func NewTelemetryTracerFrom(ctx context.Context, tracer trace.Tracer, exported string) (*TelemetryTracer, error) {
	carrier := make(map[string]string)
	if err := json.Unmarshal([]byte(exported), &carrier); err != nil {
		return nil, err
	}

	return &TelemetryTracer{
		tracer:     tracer,
		tracerCtx:  otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier)),
		attributes: EmptySpanAttributes(),
		started:    true, // the imported span is already running elsewhere
	}, nil
}

func (t *TelemetryTracer) Start() {
	attributes := t.attributes.Attributes()
	attributes = append(attributes, attribute.String("dmagma.action.name", t.spanName))
	t.tracerCtx, t.span = t.tracer.Start(t.tracerCtx,
		t.spanName,
		trace.WithAttributes(attributes...))
	t.started = true
}

func (t *TelemetryTracer) SetStatus(code codes.Code, message string) {
	if t.span == nil {
		return
	}
	t.span.SetStatus(code, message)
}

func (t *TelemetryTracer) WithAttributes(attributes *SpanAttributes) Tracer {
	t.attributes.Merge(attributes)
	if t.span != nil {
		t.span.SetAttributes(t.attributes.Attributes()...)
	}
	return t
}

func (t *TelemetryTracer) AddEvent(name string, e EventAttributes) {
	if t.span == nil {
		return
	}
	t.span.AddEvent(name, trace.WithAttributes(e...))
}

func (t *TelemetryTracer) Spawn(spanName string) Tracer {
	child := NewTelemetryTracer(t.tracerCtx, t.tracer, spanName)
	return child.WithAttributes(t.attributes)
}

// Export serializes the tracing context so another process can continue it
func (t *TelemetryTracer) Export() string {
	carrier := make(map[string]string)
	otel.GetTextMapPropagator().Inject(t.tracerCtx, propagation.MapCarrier(carrier))
	payload, _ := json.Marshal(carrier)
	return string(payload)
}

func (t *TelemetryTracer) End() {
	if t.span == nil {
		return
	}
	t.span.End()
}
