package emit

import (
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecordingEmitter() (*OTelEmitter, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return NewOTelEmitter(provider.Tracer("contentflow-test")), recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	return attrs
}

func TestOTelEmitterRecordsSpan(t *testing.T) {
	emitter, recorder := newRecordingEmitter()

	emitter.Emit(Event{
		RunID:  "task-001",
		Step:   3,
		NodeID: "write",
		Msg:    "node_end",
		Meta: map[string]interface{}{
			"status":      "success",
			"duration_ms": int64(1840),
			"cost_usd":    0.0042,
			"cached":      true,
		},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	span := spans[0]
	if span.Name() != "node_end" {
		t.Errorf("span name = %q, want node_end", span.Name())
	}

	attrs := spanAttrs(span)
	if got := attrs["contentflow.run_id"].AsString(); got != "task-001" {
		t.Errorf("run_id attr = %q", got)
	}
	if got := attrs["contentflow.step"].AsInt64(); got != 3 {
		t.Errorf("step attr = %d", got)
	}
	if got := attrs["contentflow.node_id"].AsString(); got != "write" {
		t.Errorf("node_id attr = %q", got)
	}
	if got := attrs["contentflow.status"].AsString(); got != "success" {
		t.Errorf("status attr = %q", got)
	}
	if got := attrs["contentflow.duration_ms"].AsInt64(); got != 1840 {
		t.Errorf("duration_ms attr = %d", got)
	}
	if got := attrs["contentflow.cost_usd"].AsFloat64(); got != 0.0042 {
		t.Errorf("cost_usd attr = %v", got)
	}
	if got := attrs["contentflow.cached"].AsBool(); !got {
		t.Error("cached attr not recorded")
	}
	if span.Status().Code == codes.Error {
		t.Error("success event should not carry error status")
	}
}

func TestOTelEmitterErrorStatus(t *testing.T) {
	emitter, recorder := newRecordingEmitter()

	emitter.Emit(Event{
		RunID:  "task-002",
		NodeID: "generate_image",
		Msg:    "node_error",
		Meta:   map[string]interface{}{"error": "provider unavailable"},
	})

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	status := spans[0].Status()
	if status.Code != codes.Error {
		t.Errorf("status code = %v, want Error", status.Code)
	}
	if status.Description != "provider unavailable" {
		t.Errorf("status description = %q", status.Description)
	}
	if len(spans[0].Events()) == 0 {
		t.Error("RecordError should attach an exception event")
	}
}

func TestOTelEmitterSpanPerEvent(t *testing.T) {
	emitter, recorder := newRecordingEmitter()

	for i := 0; i < 3; i++ {
		emitter.Emit(Event{RunID: "task-003", Step: i + 1, NodeID: "search", Msg: "node_start"})
	}

	if got := len(recorder.Ended()); got != 3 {
		t.Errorf("got %d spans, want 3", got)
	}
}
