package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Writer emits "event: <type>\ndata: <json>\n\n" records to a client. Sends
// are serialized; the underlying writer is flushed after every record when it
// supports flushing so deltas reach the client incrementally.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (w *Writer) Send(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	if flusher, ok := w.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}
