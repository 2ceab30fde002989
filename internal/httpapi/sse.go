package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/promptgate/promptgate/internal/pipeline"
)

// sseWriter writes pipeline events as data: <json> frames, flushing each
// one so clients see chunks as they are produced.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the streaming headers and returns a writer, or an error
// when the underlying ResponseWriter cannot flush.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Accel-Buffering", "no")
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Emit writes one event payload. It satisfies pipeline.EmitFunc.
func (s *sseWriter) Emit(e pipeline.Event) error {
	return s.emitRaw(e.Payload)
}

func (s *sseWriter) emitRaw(payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
