package telemetry

import (
	"context"
	"dmagma/config"
	"errors"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
)

type Telemetry interface {
	GetTracer() trace.Tracer
	GetLogger() log.Logger // nil when the log exporter is unavailable
}

type telemetryImpl struct {
	tracer trace.Tracer
	logger log.Logger
}

type TelemetryParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.AppConfig
}

// NewTelemetry exports traces, and logs when possible, to the collector named
// by OTEL_EXPORTER_OTLP_ENDPOINT. Without it the Telemetry is nil, which every
// consumer treats as disabled.
func NewTelemetry(p TelemetryParams) (Telemetry, error) {
	if !p.Config.TelemetryEnabled {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	res := serviceResource(p.Config.ServiceName)

	traceProvider, err := newTraceProvider(ctx, res)
	if err != nil {
		cancel()
		return nil, err
	}
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &telemetryImpl{tracer: traceProvider.Tracer(p.Config.ServiceName)}
	logProvider := newLogProvider(ctx, res)
	if logProvider != nil {
		t.logger = logProvider.Logger(p.Config.ServiceName)
	}

	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			defer cancel()
			err := traceProvider.Shutdown(ctx)
			if logProvider != nil {
				err = errors.Join(err, logProvider.Shutdown(ctx))
			}
			return err
		},
	})
	return t, nil
}

// serviceResource tags every span with the service and the host running it
func serviceResource(service string) *resource.Resource {
	instance, _ := os.Hostname()
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(service),
		semconv.ServiceInstanceIDKey.String(instance),
	)
}

func newTraceProvider(ctx context.Context, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx)
	if err != nil {
		return nil, err
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// newLogProvider returns nil when the log exporter cannot be created
func newLogProvider(ctx context.Context, res *resource.Resource) *sdklog.LoggerProvider {
	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return nil
	}
	return sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
		sdklog.WithResource(res),
	)
}

func (t *telemetryImpl) GetTracer() trace.Tracer {
	return t.tracer
}

func (t *telemetryImpl) GetLogger() log.Logger {
	return t.logger
}
