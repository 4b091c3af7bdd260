package queue

import (
	"reflect"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg := Message{
		SessionID:  "session-123",
		RequestID:  "request-456",
		EnqueuedAt: "2026-01-30T22:00:00Z",
		Version:    MessageVersion,
		Options:    ProcessOptions{SkipAI: true, Language: "es"},
	}

	payload, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("encode message: %v", err)
	}

	got, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}

	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, msg)
	}
}

func TestDecodeTrimsSessionID(t *testing.T) {
	got, err := DecodeMessage([]byte(`{"sessionId":"  s-1 ","requestId":"r","version":1}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "s-1" || got.Version != MessageVersion {
		t.Fatalf("unexpected message: %+v", got)
	}
}
