package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, false)

	e.Emit(Event{RunID: "run-1", Step: 2, Node: "router", Msg: EventNodeCompleted,
		Meta: map[string]any{"duration_ms": 1.5}})

	out := buf.String()
	for _, want := range []string{"[node_completed]", "run=run-1", "step=2", "node=router", "duration_ms"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected output to contain %q, got %q", want, out)
		}
	}
}

func TestLogEmitterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewLogEmitter(&buf, true)

	e.Emit(Event{RunID: "run-1", Step: 3, Node: "audit", Msg: EventCheckpointAppended,
		Meta: map[string]any{"checkpoint_id": "abc"}})

	var decoded struct {
		RunID string         `json:"run_id"`
		Step  int            `json:"step"`
		Node  string         `json:"node"`
		Msg   string         `json:"msg"`
		Meta  map[string]any `json:"meta"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if decoded.RunID != "run-1" || decoded.Step != 3 || decoded.Node != "audit" {
		t.Errorf("unexpected decoded event: %+v", decoded)
	}
	if decoded.Msg != EventCheckpointAppended {
		t.Errorf("unexpected msg: %s", decoded.Msg)
	}
	if decoded.Meta["checkpoint_id"] != "abc" {
		t.Errorf("meta lost: %v", decoded.Meta)
	}
}

func TestZapEmitterNilLogger(t *testing.T) {
	e := NewZapEmitter(nil)
	// Must not panic with a nil logger.
	e.Emit(Event{RunID: "run-1", Msg: EventRunStarted})
	if err := e.Sync(); err != nil {
		t.Logf("sync returned %v (acceptable for nop logger)", err)
	}
}
