package feed

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"bookpipe/internal/event"
	"bookpipe/internal/infra"
)

const (
	tcpMaxRetries  = 10
	tcpDialTimeout = 10 * time.Second
)

// TCPSource consumes framed events from a TCP stream, reconnecting
// with capped backoff until cancelled.
type TCPSource struct {
	addr    string
	sink    Sink
	metrics *infra.Metrics
}

// NewTCPSource creates a source dialing the given address.
func NewTCPSource(addr string, sink Sink, metrics *infra.Metrics) *TCPSource {
	return &TCPSource{addr: addr, sink: sink, metrics: metrics}
}

// Run dials and reads until the context ends. A dropped connection is
// redialed; the sequence monitor downstream surfaces whatever was
// missed in between.
func (s *TCPSource) Run(ctx context.Context) error {
	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dialer := net.Dialer{Timeout: tcpDialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", s.addr)
		if err != nil {
			slog.Warn("Feed connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > tcpMaxRetries {
				retryCount = 0
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
				continue
			}
		}

		retryCount = 0
		s.readLoop(ctx, conn)
	}
}

func (s *TCPSource) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock the read when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	slog.Info("Feed connected", slog.String("addr", s.addr))

	dec := NewDecoder(bufio.NewReaderSize(conn, 64*1024))
	for {
		ev := event.AcquireOrderEvent()
		err := dec.Next(ev)
		switch {
		case err == nil:
			s.sink.Submit(ev)
		case errors.Is(err, ErrChecksum), errors.Is(err, ErrBadPayload):
			event.ReleaseOrderEvent(ev)
			s.metrics.RecordDecodeError()
			slog.Warn("Skipping damaged frame", slog.Any("error", err))
		default:
			event.ReleaseOrderEvent(ev)
			if ctx.Err() == nil {
				slog.Warn("Feed stream closed", slog.Any("error", err))
			}
			return
		}
	}
}
