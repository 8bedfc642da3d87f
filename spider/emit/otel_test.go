package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingTracer wires an in-memory span exporter for assertions.
func recordingTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	otel.SetTracerProvider(tp)
	return NewOTelEmitter(otel.Tracer("test")), exporter
}

func TestOTelEmitterEmit(t *testing.T) {
	emitter, exporter := recordingTracer(t)

	emitter.Emit(Event{
		RunID:     "run-001",
		Iteration: 2,
		Layer:     "net",
		Phase:     "gathering",
		Msg:       "batch_done",
		Level:     "info",
		Meta: map[string]any{
			"seeds": 5,
			"edges": int64(12),
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Name != "batch_done" {
		t.Errorf("span name = %q, want %q", span.Name, "batch_done")
	}

	attrs := attributeMap(span.Attributes)
	if got := attrs["crawl.run_id"]; got != "run-001" {
		t.Errorf("run_id = %v, want %q", got, "run-001")
	}
	if got := attrs["crawl.iteration"]; got != int64(2) {
		t.Errorf("iteration = %v, want %d", got, 2)
	}
	if got := attrs["crawl.layer"]; got != "net" {
		t.Errorf("layer = %v, want %q", got, "net")
	}
	if got := attrs["crawl.phase"]; got != "gathering" {
		t.Errorf("phase = %v, want %q", got, "gathering")
	}
	if got := attrs["crawl.meta.seeds"]; got != int64(5) {
		t.Errorf("meta.seeds = %v, want %d", got, 5)
	}
	if got := attrs["crawl.meta.edges"]; got != int64(12) {
		t.Errorf("meta.edges = %v, want %d", got, 12)
	}

	if !span.EndTime.After(span.StartTime) {
		t.Error("span was not ended")
	}
}

func TestOTelEmitterWarnSetsErrorStatus(t *testing.T) {
	emitter, exporter := recordingTracer(t)

	emitter.Emit(Event{
		RunID: "run-001",
		Phase: "gathering",
		Msg:   "batch_failed",
		Level: "warn",
		Meta:  map[string]any{"error": "upstream down"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]

	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "upstream down" {
		t.Errorf("status description = %q, want %q", span.Status.Description, "upstream down")
	}
	attrs := attributeMap(span.Attributes)
	if got := attrs["crawl.meta.error"]; got != "upstream down" {
		t.Errorf("meta.error = %v, want %q", got, "upstream down")
	}
}

func TestOTelEmitterRunLevelEventOmitsLayer(t *testing.T) {
	emitter, exporter := recordingTracer(t)

	emitter.Emit(Event{RunID: "run-001", Phase: "starting", Msg: "starting", Level: "info"})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attributeMap(spans[0].Attributes)
	if _, ok := attrs["crawl.layer"]; ok {
		t.Error("layer attribute should be absent for run-level events")
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("info event must not set error status")
	}
}

func TestOTelEmitterMetadataTypes(t *testing.T) {
	emitter, exporter := recordingTracer(t)

	emitter.Emit(Event{
		RunID: "run-001",
		Phase: "sampling",
		Msg:   "layer_sampled",
		Meta: map[string]any{
			"string_val":  "hello",
			"int_val":     42,
			"int64_val":   int64(99),
			"float64_val": 3.14,
			"bool_val":    true,
			"other_val":   []string{"a", "b"},
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	attrs := attributeMap(spans[0].Attributes)

	if got := attrs["crawl.meta.string_val"]; got != "hello" {
		t.Errorf("string_val = %v, want %q", got, "hello")
	}
	if got := attrs["crawl.meta.int_val"]; got != int64(42) {
		t.Errorf("int_val = %v, want %d", got, 42)
	}
	if got := attrs["crawl.meta.int64_val"]; got != int64(99) {
		t.Errorf("int64_val = %v, want %d", got, 99)
	}
	if got := attrs["crawl.meta.float64_val"]; got != 3.14 {
		t.Errorf("float64_val = %v, want %f", got, 3.14)
	}
	if got := attrs["crawl.meta.bool_val"]; got != true {
		t.Errorf("bool_val = %v, want %t", got, true)
	}
	// Unknown types are stringified rather than dropped.
	if got := attrs["crawl.meta.other_val"]; got != "[a b]" {
		t.Errorf("other_val = %v, want %q", got, "[a b]")
	}
}

func TestOTelEmitterNilMetaAndTracer(t *testing.T) {
	emitter, exporter := recordingTracer(t)

	emitter.Emit(Event{RunID: "run-001", Msg: "starting", Meta: nil})
	if spans := exporter.GetSpans(); len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}

	// A nil tracer drops events instead of panicking.
	nilEmitter := NewOTelEmitter(nil)
	nilEmitter.Emit(Event{Msg: "ignored"})
	if err := nilEmitter.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

// attributeMap converts span attributes to a map for easy assertions.
func attributeMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
