package reqlog

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/store"
)

func newWriter(t *testing.T) (*Writer, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWriter(s, logger), s
}

func TestPendingThenFinalize(t *testing.T) {
	w, s := newWriter(t)
	ctx := context.Background()

	w.Pending(ctx, &store.RequestLog{RequestID: "r1", UserID: "u1", Model: "m1"})
	got, err := s.GetLogByRequestID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.LogStatusPending, got.Status)

	w.Finalize(&store.RequestLog{RequestID: "r1", UserID: "u1", Model: "m1", Status: store.LogStatusSuccess})
	w.Wait()

	got, err = s.GetLogByRequestID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, store.LogStatusSuccess, got.Status)
}

func TestPendingSkippedWithoutRequestID(t *testing.T) {
	w, s := newWriter(t)
	ctx := context.Background()

	w.Pending(ctx, &store.RequestLog{UserID: "u1"})
	logs, err := s.ListLogsByUser(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestFinalizeWithoutPending(t *testing.T) {
	w, s := newWriter(t)

	w.Finalize(&store.RequestLog{UserID: "u1", Model: "m1", Status: store.LogStatusError, ErrorCode: "upstream_error"})
	w.Wait()

	logs, err := s.ListLogsByUser(context.Background(), "u1", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, store.LogStatusError, logs[0].Status)
}

func TestFinalizeFailureOnlyWarns(t *testing.T) {
	w, s := newWriter(t)
	s.Close()

	// Must not panic or surface the error.
	w.FinalizeSync(context.Background(), &store.RequestLog{UserID: "u1"})
	w.Finalize(&store.RequestLog{UserID: "u1"})
	w.Wait()
}
