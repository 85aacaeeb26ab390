package protocol

import (
	"errors"
	"testing"
)

func TestDecodeExecutionOutput(t *testing.T) {
	raw := []byte(`{"type":"execution_output","task_id":"t1","session_id":"s1","chunk":"hello","output_type":"stdout","timestamp":"2026-01-02T03:04:05Z"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	out, ok := msg.(ExecutionOutput)
	if !ok {
		t.Fatalf("message type = %T, want ExecutionOutput", msg)
	}
	if out.SessionID != "s1" || out.Chunk != "hello" || out.OutputType != "stdout" {
		t.Fatalf("unexpected execution output: %+v", out)
	}
}

func TestDecodeRejectsOutputWithoutChunk(t *testing.T) {
	_, err := Decode([]byte(`{"type":"execution_output","task_id":"t1","session_id":"s1"}`))
	if err == nil {
		t.Fatalf("Decode() error = nil, want invalid execution_output")
	}
}

func TestDecodeTaskEvents(t *testing.T) {
	for _, typ := range []MessageType{TypeTaskCreated, TypeTaskUpdated, TypeTaskDeleted} {
		raw := []byte(`{"type":"` + string(typ) + `","task_id":"t1"}`)
		msg, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", typ, err)
		}
		evt, ok := msg.(TaskChanged)
		if !ok {
			t.Fatalf("message type = %T, want TaskChanged", msg)
		}
		if evt.TaskID != "t1" {
			t.Fatalf("task id = %q, want t1", evt.TaskID)
		}
	}
}

func TestDecodeSubscriptionWarning(t *testing.T) {
	raw := []byte(`{"type":"subscription_warning","session_id":"s1","warning":{"type":"rate_limit","title":"Rate limited","message":"slow down","recommendations":["wait"]}}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	warn, ok := msg.(SubscriptionWarning)
	if !ok {
		t.Fatalf("message type = %T, want SubscriptionWarning", msg)
	}
	if warn.Warning.Kind != "rate_limit" || len(warn.Warning.Recommendations) != 1 {
		t.Fatalf("unexpected warning: %+v", warn.Warning)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestDecodePingPong(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ping","timestamp":"2026-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatalf("Decode(ping) error = %v", err)
	}
	if _, ok := msg.(Ping); !ok {
		t.Fatalf("message type = %T, want Ping", msg)
	}

	msg, err = Decode([]byte(`{"type":"pong","timestamp":"2026-01-02T03:04:05Z"}`))
	if err != nil {
		t.Fatalf("Decode(pong) error = %v", err)
	}
	if _, ok := msg.(Pong); !ok {
		t.Fatalf("message type = %T, want Pong", msg)
	}
}
