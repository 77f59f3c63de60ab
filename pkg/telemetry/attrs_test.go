package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSpanAttributes_Merge(t *testing.T) {
	base := EmptySpanAttributes().WithCampaignID("C1")
	other := NewSpanAttributes(Fuzzing).
		WithCampaignID("C2").
		WithPipelineID("p-1").
		WithExtraAttribute("k", "v")

	base.Merge(other)
	attrs := base.Attributes()

	assert.Contains(t, attrs, attribute.String("dmagma.action.category", "fuzzing"))
	assert.Contains(t, attrs, attribute.String("dmagma.campaign.id", "C1"))
	assert.Contains(t, attrs, attribute.String("dmagma.pipeline.id", "p-1"))
	assert.Contains(t, attrs, attribute.String("k", "v"))
}

func TestSpanAttributes_Leaf(t *testing.T) {
	attrs := NewSpanAttributes(Building).WithLeaf("F", "T", "P").WithPipelines(3).Attributes()
	assert.Contains(t, attrs, attribute.String("dmagma.fuzzer", "F"))
	assert.Contains(t, attrs, attribute.String("dmagma.target", "T"))
	assert.Contains(t, attrs, attribute.String("dmagma.program", "P"))
	assert.Contains(t, attrs, attribute.Int("dmagma.campaign.pipelines", 3))
}

func TestActionCategory_String(t *testing.T) {
	assert.Equal(t, "reducing", Reducing.String())
	assert.Equal(t, "unknown", ActionCategory(99).String())
}

func TestTracerFactory_Disabled(t *testing.T) {
	factory := NewTracerFactory(TracerFactoryParams{})
	tracer := factory.NewTracer(context.Background(), "span")
	assert.IsType(t, &DummyTracer{}, tracer)
	assert.Empty(t, tracer.Export())

	assert.IsType(t, &DummyTracer{}, factory.NewTracerSpawnedFrom(context.Background(), `{"traceparent":"x"}`, "child"))
	assert.IsType(t, &DummyTracer{}, FromContext(context.Background()))
}
