package llm

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// DeltaDecoder extracts the text delta from one SSE data payload. ok=false
// means the payload carried no text (control frames, usage events) and the
// reader should keep scanning.
type DeltaDecoder func(data []byte) (delta string, ok bool)

// sseStream adapts a raw text/event-stream body into a Stream of text deltas.
// Providers differ only in the shape of each data payload, captured by the
// decoder.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	decode  DeltaDecoder
}

// NewSSEStream wraps a streaming response body. The scanner buffer is sized
// for large single-event payloads (some backends send multi-KB deltas).
func NewSSEStream(body io.ReadCloser, decode DeltaDecoder) Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &sseStream{body: body, scanner: sc, decode: decode}
}

// Recv returns the next non-empty text delta, or io.EOF when the backend
// signals completion or closes the connection.
func (s *sseStream) Recv() (string, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if strings.EqualFold(string(data), "[DONE]") {
			return "", io.EOF
		}
		delta, ok := s.decode(data)
		if !ok || delta == "" {
			continue
		}
		return delta, nil
	}
	if err := s.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (s *sseStream) Close() error { return s.body.Close() }
