package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func sampleEvent() Event {
	return Event{
		RunID:  "task-001",
		Step:   3,
		NodeID: "write",
		Msg:    "node_end",
		Meta:   map[string]interface{}{"status": "success", "duration_ms": 1840},
	}
}

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(sampleEvent())

	line := buf.String()
	for _, want := range []string{"[node_end]", "runID=task-001", "step=3", "nodeID=write", `"status":"success"`} {
		if !strings.Contains(line, want) {
			t.Errorf("output %q missing %q", line, want)
		}
	}
	if !strings.HasSuffix(line, "\n") {
		t.Error("output is not newline terminated")
	}
}

func TestLogEmitterTextNoMeta(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, false)

	emitter.Emit(Event{RunID: "task-001", Msg: "run_start"})

	if strings.Contains(buf.String(), "meta=") {
		t.Errorf("empty meta should be omitted, got %q", buf.String())
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(sampleEvent())
	emitter.Emit(Event{RunID: "task-001", Msg: "run_end"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var decoded struct {
		RunID  string                 `json:"runID"`
		Step   int                    `json:"step"`
		NodeID string                 `json:"nodeID"`
		Msg    string                 `json:"msg"`
		Meta   map[string]interface{} `json:"meta"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &decoded); err != nil {
		t.Fatalf("line is not valid JSON: %v", err)
	}
	if decoded.RunID != "task-001" || decoded.Step != 3 || decoded.NodeID != "write" || decoded.Msg != "node_end" {
		t.Errorf("decoded = %+v", decoded)
	}
	if decoded.Meta["status"] != "success" {
		t.Errorf("meta = %v", decoded.Meta)
	}
}

func TestMultiFansOut(t *testing.T) {
	var a, b bytes.Buffer
	multi := Multi{NewLogEmitter(&a, false), NewLogEmitter(&b, true)}

	multi.Emit(sampleEvent())

	if a.Len() == 0 || b.Len() == 0 {
		t.Error("both emitters should receive the event")
	}
}

func TestNullEmitterDiscards(t *testing.T) {
	// Must not panic on any event.
	null := NewNullEmitter()
	null.Emit(sampleEvent())
	null.Emit(Event{})
}
