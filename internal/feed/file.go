package feed

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"bookpipe/internal/event"
	"bookpipe/internal/infra"
)

// FileSource replays a framed capture file. The stream ends at EOF; a
// truncated final frame is tolerated because interrupted captures are
// common.
type FileSource struct {
	path    string
	sink    Sink
	metrics *infra.Metrics
}

// NewFileSource creates a source reading the capture at path.
func NewFileSource(path string, sink Sink, metrics *infra.Metrics) *FileSource {
	return &FileSource{path: path, sink: sink, metrics: metrics}
}

// Run decodes the capture until EOF or cancellation.
func (s *FileSource) Run(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	slog.Info("Replaying capture file", slog.String("path", s.path))

	dec := NewDecoder(bufio.NewReaderSize(f, 64*1024))
	var count uint64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		ev := event.AcquireOrderEvent()
		err := dec.Next(ev)
		switch {
		case err == nil:
			s.sink.Submit(ev)
			count++
			continue
		case errors.Is(err, io.EOF):
			event.ReleaseOrderEvent(ev)
			slog.Info("Capture replay complete", slog.Uint64("events", count))
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			event.ReleaseOrderEvent(ev)
			s.metrics.RecordDecodeError()
			slog.Warn("Capture ends mid-frame, treating as end of stream",
				slog.Uint64("events", count))
			return nil
		case errors.Is(err, ErrChecksum), errors.Is(err, ErrBadPayload):
			// Framing is intact, only this payload is damaged.
			event.ReleaseOrderEvent(ev)
			s.metrics.RecordDecodeError()
			slog.Warn("Skipping damaged frame", slog.Any("error", err))
			continue
		default:
			event.ReleaseOrderEvent(ev)
			return fmt.Errorf("failed to decode capture: %w", err)
		}
	}
}
