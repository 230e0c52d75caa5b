package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"duochat/models"
)

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"send","id":"c1","data":{"content":"hi","media":[{"url":"/uploads/a.png","kind":"image"}]}}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	if ev.Type != TypeSend || ev.ID != "c1" {
		t.Errorf("unexpected envelope: %+v", ev)
	}

	var req SendRequest
	if err := ev.Decode(&req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Content != "hi" || len(req.Media) != 1 || req.Media[0].Kind != models.MediaImage {
		t.Errorf("unexpected payload: %+v", req)
	}
}

func TestParseEventRejectsGarbage(t *testing.T) {
	for _, frame := range []string{``, `not json`, `{"id":"x"}`, `{"type":"   "}`} {
		if _, err := ParseEvent([]byte(frame)); err != ErrInvalidEvent {
			t.Errorf("ParseEvent(%q) = %v, want ErrInvalidEvent", frame, err)
		}
	}
}

func TestDecodeWithoutPayload(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"requestStatus"}`))
	if err != nil {
		t.Fatalf("ParseEvent: %v", err)
	}
	req := TypingRequest{IsTyping: true}
	if err := ev.Decode(&req); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !req.IsTyping {
		t.Error("Decode without payload must not touch the target")
	}

	bad := Event{Type: TypeTyping, Data: json.RawMessage(`{"isTyping":"yes"}`)}
	if err := bad.Decode(&req); err != ErrInvalidEvent {
		t.Errorf("Decode = %v, want ErrInvalidEvent", err)
	}
}

func TestFormatEvent(t *testing.T) {
	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	frame, err := FormatEvent(NewEvent(TypePresence, "", Presence{Username: "sara", Status: "offline", LastSeen: &seen}))
	if err != nil {
		t.Fatalf("FormatEvent: %v", err)
	}

	want := `{"type":"presence","data":{"username":"sara","status":"offline","lastSeen":"2024-03-01T12:00:00Z"}}`
	if string(frame) != want {
		t.Errorf("frame = %s\nwant    %s", frame, want)
	}

	frame, _ = FormatEvent(NewEvent(TypePong, "p1", nil))
	if string(frame) != `{"type":"pong","id":"p1"}` {
		t.Errorf("pong frame = %s", frame)
	}
}

func TestAckWireKeys(t *testing.T) {
	frame, err := FormatEvent(NewEvent(TypeAck, "c1", Ack{Error: "validation", Detail: "message needs content or media"}))
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Data map[string]json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.Data["error"]; !ok {
		t.Errorf("failed ack lacks error: %s", frame)
	}
	if _, ok := env.Data["detail"]; !ok {
		t.Errorf("failed ack lacks detail: %s", frame)
	}
	if _, ok := env.Data["message"]; ok {
		t.Errorf("failed ack must not carry message: %s", frame)
	}
}
