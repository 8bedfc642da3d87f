package emit

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter implements Emitter by recording crawl events as
// OpenTelemetry spans.
//
// Each event becomes a span, ended as soon as it starts, named after event.Msg carrying
// run id, iteration, layer, phase and every Meta entry as attributes.
// Events with Level "warn" or an "error" Meta key set the span status to
// Error.
//
// Usage:
//
//	tracer := otel.Tracer("spiderexpress")
//	emitter := emit.NewOTelEmitter(tracer)
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter creates an emitter backed by the given tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit records the event as a span.
func (o *OTelEmitter) Emit(event Event) {
	if o.tracer == nil {
		return
	}
	_, span := o.tracer.Start(context.Background(), event.Msg)
	defer span.End()

	span.SetAttributes(
		attribute.String("crawl.run_id", event.RunID),
		attribute.Int("crawl.iteration", event.Iteration),
		attribute.String("crawl.phase", event.Phase),
	)
	if event.Layer != "" {
		span.SetAttributes(attribute.String("crawl.layer", event.Layer))
	}
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("crawl.meta."+key, value))
	}
	if event.Level == "warn" {
		span.SetStatus(codes.Error, event.Msg)
	}
	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

// Flush is a no-op; span export is governed by the SDK's processor.
func (o *OTelEmitter) Flush(context.Context) error { return nil }

func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case bool:
		return attribute.Bool(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
