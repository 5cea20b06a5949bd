// Package protocoltest provides helpers shared by the adapter tests.
package protocoltest

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/sse"
)

// Recorder captures SSE output written through an sse.Writer so tests can
// inspect the emitted events.
type Recorder struct {
	rec    *httptest.ResponseRecorder
	Writer *sse.Writer
}

// NewRecorder builds a recorder with a ready SSE writer.
func NewRecorder(t *testing.T) *Recorder {
	t.Helper()
	rec := httptest.NewRecorder()
	w, err := sse.NewWriter(rec)
	require.NoError(t, err)
	return &Recorder{rec: rec, Writer: w}
}

// Body returns the raw SSE output.
func (r *Recorder) Body() string { return r.rec.Body.String() }

// Events parses the output into (name, data) pairs in emission order.
func (r *Recorder) Events(t *testing.T) []sse.Event {
	t.Helper()
	sc := sse.NewScanner(strings.NewReader(r.Body()))
	var out []sse.Event
	for {
		ev, err := sc.Next()
		if err != nil {
			return out
		}
		out = append(out, ev)
	}
}

// Payloads returns just the data payloads in emission order.
func (r *Recorder) Payloads(t *testing.T) []string {
	t.Helper()
	events := r.Events(t)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Data)
	}
	return out
}
