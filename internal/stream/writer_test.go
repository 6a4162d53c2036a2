package stream

import (
	"bytes"
	"testing"
)

func TestWriterRecordShape(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Send("message", map[string]any{"delta": "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	got := buf.String()
	want := "event: message\ndata: {\"delta\":\"hello\"}\n\n"
	if got != want {
		t.Fatalf("record shape: got %q, want %q", got, want)
	}
}

func TestWriterCustomEventType(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Send("suggestion_chips", map[string]any{"chips": []string{"Show my week"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := buf.String(); got != "event: suggestion_chips\ndata: {\"chips\":[\"Show my week\"]}\n\n" {
		t.Fatalf("custom event shape: got %q", got)
	}
}
