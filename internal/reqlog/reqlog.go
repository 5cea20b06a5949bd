// Package reqlog writes request-log rows without ever failing the request
// they describe.
package reqlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/howard-nolan/llmgateway/internal/store"
)

const finalizeTimeout = 10 * time.Second

// Writer records pending and terminal request rows. Finalization runs on a
// background goroutine so the response path never waits on the database.
type Writer struct {
	store  *store.Store
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWriter builds a writer over the store.
func NewWriter(st *store.Store, logger *slog.Logger) *Writer {
	return &Writer{store: st, logger: logger}
}

// Pending inserts the live-dashboard row for a client-supplied request id.
// Requests without one skip straight to finalization.
func (w *Writer) Pending(ctx context.Context, l *store.RequestLog) {
	if l.RequestID == "" {
		return
	}
	if err := w.store.InsertPendingLog(ctx, l); err != nil {
		w.logger.Warn("request log: pending insert failed", "request_id", l.RequestID, "error", err)
	}
}

// Finalize records the terminal outcome asynchronously.
func (w *Writer) Finalize(l *store.RequestLog) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		if err := w.store.FinalizeLog(ctx, l); err != nil {
			w.logger.Warn("request log: finalize failed", "request_id", l.RequestID, "error", err)
		}
	}()
}

// FinalizeSync records the terminal outcome on the caller's goroutine. The
// prober uses this so probe rows land before the next sweep.
func (w *Writer) FinalizeSync(ctx context.Context, l *store.RequestLog) {
	if err := w.store.FinalizeLog(ctx, l); err != nil {
		w.logger.Warn("request log: finalize failed", "request_id", l.RequestID, "error", err)
	}
}

// Wait blocks until all in-flight finalizations land. Called on shutdown.
func (w *Writer) Wait() { w.wg.Wait() }
