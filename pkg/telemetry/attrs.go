package telemetry

import (
	"fmt"
	"maps"

	"go.opentelemetry.io/otel/attribute"
)

type ActionCategory int

const (
	Scheduling ActionCategory = iota
	Building
	Fuzzing
	Packing
	Storing
	Reducing
)

func (a ActionCategory) String() string {
	switch a {
	case Scheduling:
		return "scheduling"
	case Building:
		return "building"
	case Fuzzing:
		return "fuzzing"
	case Packing:
		return "packing"
	case Storing:
		return "storing"
	case Reducing:
		return "reducing"
	default:
		return "unknown"
	}
}

type SpanAttributes struct {
	ActionCategory string

	CampaignID optional[string] // dmagma.campaign.id
	PipelineID optional[string] // dmagma.pipeline.id
	Fuzzer     optional[string] // dmagma.fuzzer
	Target     optional[string] // dmagma.target
	Program    optional[string] // dmagma.program
	Pipelines  optional[int]    // dmagma.campaign.pipelines

	extraAttributes map[string]any
}

func NewSpanAttributes(actionCategory ActionCategory) *SpanAttributes {
	return &SpanAttributes{
		ActionCategory:  actionCategory.String(),
		extraAttributes: make(map[string]any),
	}
}

// EmptySpanAttributes has no action category, it is populated later by Merge
func EmptySpanAttributes() *SpanAttributes {
	return &SpanAttributes{
		extraAttributes: make(map[string]any),
	}
}

// Merge copies into o the fields set in other and unset in o. The action
// category is always taken from other when present.
func (o *SpanAttributes) Merge(other *SpanAttributes) {
	if other == nil {
		return
	}

	if other.ActionCategory != "" {
		o.ActionCategory = other.ActionCategory
	}

	mergeOptional(&o.CampaignID, &other.CampaignID)
	mergeOptional(&o.PipelineID, &other.PipelineID)
	mergeOptional(&o.Fuzzer, &other.Fuzzer)
	mergeOptional(&o.Target, &other.Target)
	mergeOptional(&o.Program, &other.Program)
	mergeOptional(&o.Pipelines, &other.Pipelines)

	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	for k, v := range other.extraAttributes {
		if _, exists := o.extraAttributes[k]; !exists {
			o.extraAttributes[k] = v
		}
	}
}

func (o *SpanAttributes) WithCampaignID(val string) *SpanAttributes {
	o.CampaignID.Set(val)
	return o
}

func (o *SpanAttributes) WithPipelineID(val string) *SpanAttributes {
	o.PipelineID.Set(val)
	return o
}

// WithLeaf sets the fuzzer/target/program triple of a pipeline
func (o *SpanAttributes) WithLeaf(fuzzer, target, program string) *SpanAttributes {
	o.Fuzzer.Set(fuzzer)
	o.Target.Set(target)
	o.Program.Set(program)
	return o
}

func (o *SpanAttributes) WithPipelines(val int) *SpanAttributes {
	o.Pipelines.Set(val)
	return o
}

func (o *SpanAttributes) WithExtraAttribute(key string, val any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	o.extraAttributes[key] = val
	return o
}

func (o *SpanAttributes) WithExtraAttributes(attrs map[string]any) *SpanAttributes {
	if o.extraAttributes == nil {
		o.extraAttributes = make(map[string]any)
	}
	maps.Copy(o.extraAttributes, attrs)
	return o
}

func (o SpanAttributes) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	attrs = append(attrs, attribute.String("dmagma.action.category", o.ActionCategory))
	if o.CampaignID.set {
		attrs = append(attrs, attribute.String("dmagma.campaign.id", o.CampaignID.val))
	}
	if o.PipelineID.set {
		attrs = append(attrs, attribute.String("dmagma.pipeline.id", o.PipelineID.val))
	}
	if o.Fuzzer.set {
		attrs = append(attrs, attribute.String("dmagma.fuzzer", o.Fuzzer.val))
	}
	if o.Target.set {
		attrs = append(attrs, attribute.String("dmagma.target", o.Target.val))
	}
	if o.Program.set {
		attrs = append(attrs, attribute.String("dmagma.program", o.Program.val))
	}
	if o.Pipelines.set {
		attrs = append(attrs, attribute.Int("dmagma.campaign.pipelines", o.Pipelines.val))
	}

	for k, v := range o.extraAttributes {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprintf("%v", val)))
		}
	}

	return attrs
}

type EventAttributes []attribute.KeyValue

func NewEventAttributes(attributes map[string]string) EventAttributes {
	attrs := make(EventAttributes, 0, len(attributes))
	for k, v := range attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

type optional[T any] struct {
	val T
	set bool
}

func (o *optional[T]) Set(val T) { o.val = val; o.set = true }

func mergeOptional[T any](target, source *optional[T]) {
	if !target.set && source.set {
		target.val = source.val
		target.set = true
	}
}
