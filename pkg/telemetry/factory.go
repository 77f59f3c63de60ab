package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
)

type Tracer interface {
	Start()
	WithAttributes(attributes *SpanAttributes) Tracer
	AddEvent(name string, attributes EventAttributes)
	SetStatus(code codes.Code, message string)
	Spawn(spanName string) Tracer
	Export() string
	End()
}

type TracerKey struct{} // stores the active Tracer in a context

type TracerFactory struct {
	telemetry Telemetry
}

type TracerFactoryParams struct {
	fx.In
	Telemetry Telemetry `optional:"true"`
}

func NewTracerFactory(p TracerFactoryParams) *TracerFactory {
	return &TracerFactory{telemetry: p.Telemetry}
}

// NewNoopTracerFactory is used by tests and the local runner
func NewNoopTracerFactory() *TracerFactory {
	return &TracerFactory{}
}

func (t *TracerFactory) enabled() bool {
	return t != nil && t.telemetry != nil && t.telemetry.GetTracer() != nil
}

func (t *TracerFactory) NewTracer(ctx context.Context, spanName string) Tracer {
	if !t.enabled() {
		return &DummyTracer{}
	}
	return NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
}

// NewTracerSpawnedFrom continues a trace exported by another process (e.g. the
// scheduler that dispatched the task). A malformed export starts a new trace.
func (t *TracerFactory) NewTracerSpawnedFrom(ctx context.Context, exported string, spanName string) Tracer {
	if !t.enabled() {
		return &DummyTracer{}
	}
	if exported == "" {
		return NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
	}
	origin, err := NewTelemetryTracerFrom(ctx, t.telemetry.GetTracer(), exported)
	if err != nil {
		return NewTelemetryTracer(ctx, t.telemetry.GetTracer(), spanName)
	}
	return origin.Spawn(spanName)
}

// FromContext returns the tracer stored under TracerKey, or a dummy one
func FromContext(ctx context.Context) Tracer {
	if tracer, ok := ctx.Value(TracerKey{}).(Tracer); ok {
		return tracer
	}
	return &DummyTracer{}
}

// DummyTracer does nothing, it stands in when telemetry is not enabled
type DummyTracer struct{}

func (t *DummyTracer) Start()                                           {}
func (t *DummyTracer) WithAttributes(attributes *SpanAttributes) Tracer { return t }
func (t *DummyTracer) AddEvent(name string, attributes EventAttributes) {}
func (t *DummyTracer) SetStatus(code codes.Code, message string)        {}
func (t *DummyTracer) Spawn(spanName string) Tracer                     { return t }
func (t *DummyTracer) Export() string                                   { return "" }
func (t *DummyTracer) End()                                             {}
