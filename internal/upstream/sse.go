package upstream

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// SSEFrame is one server-sent event: optional event name plus data payload.
type SSEFrame struct {
	Event string
	Data  []byte
}

// SSEReader scans a text/event-stream body frame by frame. Multi-line data
// fields are joined with newlines per the SSE spec; comment lines are
// skipped.
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader wraps a response body. The buffer grows to 10 MB for large
// tool-input payloads.
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	return &SSEReader{scanner: sc}
}

// Next returns the next frame or io.EOF when the stream ends.
func (r *SSEReader) Next() (*SSEFrame, error) {
	frame := &SSEFrame{}
	var data [][]byte
	for r.scanner.Scan() {
		line := r.scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 || frame.Event != "" {
				frame.Data = bytes.Join(data, []byte("\n"))
				return frame, nil
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			frame.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, []byte(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")))
		}
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if len(data) > 0 || frame.Event != "" {
		frame.Data = bytes.Join(data, []byte("\n"))
		return frame, nil
	}
	return nil, io.EOF
}
