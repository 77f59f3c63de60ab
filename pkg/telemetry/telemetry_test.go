package telemetry

import (
	"context"
	"dmagma/config"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
)

func TestNewTelemetry_DisabledWithoutEndpoint(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	telem, err := NewTelemetry(TelemetryParams{Lifecycle: lc, Config: &config.AppConfig{ServiceName: "dmagma"}})
	require.NoError(t, err)
	assert.Nil(t, telem)

	factory := NewTracerFactory(TracerFactoryParams{Telemetry: telem})
	assert.IsType(t, &DummyTracer{}, factory.NewTracer(context.Background(), "schedule"))
	assert.IsType(t, &DummyTracer{}, factory.NewTracerSpawnedFrom(context.Background(), `{"traceparent":"x"}`, "reduce"))
}

func TestServiceResource(t *testing.T) {
	res := serviceResource("dmagma-worker")
	var names []string
	for _, kv := range res.Attributes() {
		names = append(names, string(kv.Key))
	}
	assert.Contains(t, names, "service.name")
	assert.Contains(t, names, "service.instance.id")
}
