package logging

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestRedactValue(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "****"},
		{"sk-proj-1234567890abcd", "****abcd"},
		{"Bearer sk-proj-1234567890abcd", "Bearer ****abcd"},
		{"bearer sk-proj-1234567890abcd", "Bearer ****abcd"},
	}
	for _, tc := range cases {
		if got := RedactValue(tc.in); got != tc.want {
			t.Errorf("RedactValue(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactJSONMasksSecretKeys(t *testing.T) {
	raw := json.RawMessage(`{
		"workout": "w1",
		"nested": {"api_key": "sk-proj-1234567890abcd", "reps": 5},
		"items": [{"token": "tok-9876543210wxyz"}]
	}`)
	got := RedactJSON(raw)
	want := map[string]any{
		"workout": "w1",
		"nested":  map[string]any{"api_key": "****abcd", "reps": float64(5)},
		"items":   []any{map[string]any{"token": "****wxyz"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("RedactJSON = %#v, want %#v", got, want)
	}
}

func TestRedactJSONMalformedFallsBackToText(t *testing.T) {
	if got := RedactJSON(json.RawMessage(" not json ")); got != "not json" {
		t.Errorf("RedactJSON = %#v, want the trimmed raw text", got)
	}
	if got := RedactJSON(nil); got != nil {
		t.Errorf("RedactJSON(nil) = %#v, want nil", got)
	}
}
