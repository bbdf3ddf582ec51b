package snapshot

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"bookpipe/internal/domain"
	"bookpipe/internal/infra"
	"bookpipe/internal/pipeline"
)

// WriterConfig holds the snapshot file sink settings.
type WriterConfig struct {
	Path     string
	Interval time.Duration
	Scale    int32
}

// Writer consumes the snapshot-file queue and appends market-by-price
// JSON lines on a fixed cadence. Notifications only mark instruments
// dirty; the line is rendered from the latest snapshot cell, so a
// burst of events between two ticks produces one line, not many.
type Writer struct {
	path     string
	interval time.Duration
	scale    int32
	queue    *pipeline.Queue
	cells    *Registry
	metrics  *infra.Metrics

	file  *os.File
	buf   *bufio.Writer
	dirty map[uint32]bool
	done  chan struct{}
}

// NewWriter creates a snapshot file writer draining the given queue.
func NewWriter(cfg WriterConfig, queue *pipeline.Queue, cells *Registry, metrics *infra.Metrics) *Writer {
	return &Writer{
		path:     cfg.Path,
		interval: cfg.Interval,
		scale:    cfg.Scale,
		queue:    queue,
		cells:    cells,
		metrics:  metrics,
		dirty:    make(map[uint32]bool),
		done:     make(chan struct{}),
	}
}

// Run consumes the queue until it closes. Call in a dedicated
// goroutine; Done is closed once the final lines are flushed.
func (w *Writer) Run() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case n, ok := <-w.queue.Items():
			if !ok {
				w.writeDirty()
				w.closeFile()
				return
			}
			w.dirty[n.Instrument] = true
		case <-ticker.C:
			w.writeDirty()
		}
	}
}

// Done is closed after the queue drained and the file was flushed.
func (w *Writer) Done() <-chan struct{} {
	return w.done
}

// writeDirty renders one line per dirty instrument. On a write error
// the dirty set is kept so the next tick retries with a fresh file
// handle.
func (w *Writer) writeDirty() {
	if len(w.dirty) == 0 {
		return
	}

	for id := range w.dirty {
		snap := w.cells.Latest(id)
		if snap == nil {
			continue
		}
		if err := w.writeLine(snap); err != nil {
			w.metrics.RecordFileError()
			slog.Error("Snapshot file write failed",
				slog.Any("error", err),
				slog.String("path", w.path))
			w.dropFile()
			return
		}
		w.metrics.RecordFileWrite()
	}

	if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			w.metrics.RecordFileError()
			slog.Error("Snapshot file flush failed",
				slog.Any("error", err),
				slog.String("path", w.path))
			w.dropFile()
			return
		}
	}

	clear(w.dirty)
}

func (w *Writer) writeLine(snap *domain.Snapshot) error {
	if err := w.ensureOpen(); err != nil {
		return err
	}

	line, err := json.Marshal(Render(snap, w.scale))
	if err != nil {
		return err
	}

	if _, err := w.buf.Write(line); err != nil {
		return err
	}
	return w.buf.WriteByte('\n')
}

func (w *Writer) ensureOpen() error {
	if w.file != nil {
		return nil
	}

	if dir := filepath.Dir(w.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	w.file = file
	w.buf = bufio.NewWriter(file)
	return nil
}

// dropFile abandons the current handle so the next write reopens.
func (w *Writer) dropFile() {
	if w.file != nil {
		w.file.Close()
	}
	w.file = nil
	w.buf = nil
}

func (w *Writer) closeFile() {
	if w.buf != nil {
		if err := w.buf.Flush(); err != nil {
			slog.Error("Snapshot file flush failed on close", slog.Any("error", err))
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			slog.Error("Snapshot file close failed", slog.Any("error", err))
		}
	}
	w.file = nil
	w.buf = nil
}
