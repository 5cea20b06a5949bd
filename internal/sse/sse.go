// Package sse implements line-oriented server-sent event reading and
// writing shared by the upstream decoders and the downstream emitters.
package sse

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Done is the OpenAI-style stream terminator payload.
const Done = "[DONE]"

// Event is one parsed SSE event. Name is empty for default (unnamed) events;
// Data joins multi-line data fields with newlines per the SSE spec.
type Event struct {
	Name string
	Data string
}

// IsDone reports whether the event is the [DONE] sentinel.
func (e Event) IsDone() bool { return e.Data == Done }

// maxEventSize bounds a single SSE event; large tool arguments and base64
// payloads can exceed bufio's 64K default.
const maxEventSize = 4 * 1024 * 1024

// Scanner reads events from an SSE byte stream.
type Scanner struct {
	s *bufio.Scanner
}

// NewScanner wraps r for event-at-a-time reading.
func NewScanner(r io.Reader) *Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxEventSize)
	return &Scanner{s: s}
}

// Next returns the next event, io.EOF at end of stream, or a read error.
// Comment lines (leading ':') and unknown fields are skipped.
func (sc *Scanner) Next() (Event, error) {
	var (
		ev      Event
		dataSet bool
		lines   []string
	)

	for sc.s.Scan() {
		line := sc.s.Text()
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if dataSet || ev.Name != "" {
				ev.Data = strings.Join(lines, "\n")
				return ev, nil
			}
			continue // blank line before any field
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
		case "data":
			dataSet = true
			lines = append(lines, value)
		}
	}

	if err := sc.s.Err(); err != nil {
		return Event{}, err
	}
	if dataSet || ev.Name != "" {
		// Stream ended without a trailing blank line; flush what we have.
		ev.Data = strings.Join(lines, "\n")
		return ev, nil
	}
	return Event{}, io.EOF
}

// Writer emits events to an HTTP response, flushing after every event so
// tokens reach the client as they arrive.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter asserts flushing support and sets the SSE response headers.
// Headers must go out before the first write locks them in.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("sse: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent writes one event. An empty name emits a bare data event.
func (w *Writer) WriteEvent(name string, data []byte) error {
	if name != "" {
		if _, err := fmt.Fprintf(w.w, "event: %s\n", name); err != nil {
			return fmt.Errorf("sse: writing event name: %w", err)
		}
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("sse: writing event data: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// WriteDone writes the [DONE] sentinel.
func (w *Writer) WriteDone() error {
	return w.WriteEvent("", []byte(Done))
}
