package storage

import (
	"context"
	"log/slog"
	"time"

	"bookpipe/internal/domain"
	"bookpipe/internal/infra"
	"bookpipe/internal/pipeline"
)

const appendTimeout = 30 * time.Second

// WriterConfig holds the storage sink settings.
type WriterConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// Writer drains the storage queue into the backend. Rows accumulate
// until the batch fills or the flush interval passes, whichever comes
// first. A failing backend is retried with capped backoff while the
// batch is held; when retries run out the writer degrades to
// logging-only mode and counts what it drops, so the book pipeline
// itself keeps running.
type Writer struct {
	queue     *pipeline.Queue
	backend   Backend
	metrics   *infra.Metrics
	symbolFor func(uint32) string

	batchSize  int
	flushEvery time.Duration
	maxRetries int

	batch    []domain.BookChange
	degraded bool
	done     chan struct{}
}

// NewWriter creates a storage sink draining the given queue.
func NewWriter(cfg WriterConfig, queue *pipeline.Queue, backend Backend, symbolFor func(uint32) string, metrics *infra.Metrics) *Writer {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Millisecond
	}
	if symbolFor == nil {
		symbolFor = func(uint32) string { return "" }
	}
	return &Writer{
		queue:      queue,
		backend:    backend,
		metrics:    metrics,
		symbolFor:  symbolFor,
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushInterval,
		maxRetries: cfg.MaxRetries,
		batch:      make([]domain.BookChange, 0, cfg.BatchSize),
		done:       make(chan struct{}),
	}
}

// Run consumes the queue until it closes, then flushes the partial
// batch. Call in a dedicated goroutine; Done is closed on exit.
func (w *Writer) Run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-w.queue.Items():
			if !ok {
				w.flush()
				return
			}
			if w.degraded {
				w.metrics.RecordDiscardedRows(1)
				continue
			}
			w.batch = append(w.batch, domain.NewBookChange(n, w.symbolFor(n.Instrument)))
			if len(w.batch) >= w.batchSize {
				w.flush()
			}
		case <-ticker.C:
			w.flush()
		}
	}
}

// Done is closed after the queue drained and the last batch was
// handled.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// Degraded reports whether the writer gave up on the backend.
func (w *Writer) Degraded() bool {
	return w.degraded
}

// flush writes the held batch, retrying transient failures with
// capped backoff. The batch is only released once the backend took it
// or the writer degraded.
func (w *Writer) flush() {
	if len(w.batch) == 0 || w.degraded {
		return
	}

	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := w.backend.AppendBatch(ctx, w.batch)
		cancel()

		if err == nil {
			w.metrics.RecordStorageBatch(len(w.batch))
			w.batch = w.batch[:0]
			return
		}

		if !domain.IsRetriable(err) || attempt >= w.maxRetries {
			w.degrade(err)
			return
		}

		w.metrics.RecordStorageRetry()
		delay := infra.CalculateBackoff(attempt)
		slog.Warn("Storage batch write failed, retrying",
			slog.Any("error", err),
			slog.Int("retry", attempt),
			slog.Duration("delay", delay),
			slog.Int("rows", len(w.batch)))
		time.Sleep(delay)
	}
}

// degrade abandons the backend for the rest of the run. The held batch
// and everything after it is counted, not silently lost.
func (w *Writer) degrade(err error) {
	w.degraded = true
	w.metrics.RecordStorageFailure()
	w.metrics.SetStorageDegraded(true)
	w.metrics.RecordDiscardedRows(len(w.batch))
	slog.Error("Storage sink degraded to logging-only mode",
		slog.Any("error", err),
		slog.Int("lost_rows", len(w.batch)))
	w.batch = w.batch[:0]
}
