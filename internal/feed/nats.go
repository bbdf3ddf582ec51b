package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"bookpipe/internal/event"
	"bookpipe/internal/infra"
)

// NATSSource consumes bare-payload events from a NATS subject. The
// client handles reconnects itself, so unlike the TCP source there is
// no redial loop here.
type NATSSource struct {
	url     string
	subject string
	sink    Sink
	metrics *infra.Metrics
}

// NewNATSSource creates a source for the given server URL and subject.
func NewNATSSource(url, subject string, sink Sink, metrics *infra.Metrics) *NATSSource {
	return &NATSSource{url: url, subject: subject, sink: sink, metrics: metrics}
}

// Run subscribes and delivers events until the context ends.
func (s *NATSSource) Run(ctx context.Context) error {
	nc, err := nats.Connect(s.url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", slog.Any("error", err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to nats at %s: %w", s.url, err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(s.subject, func(msg *nats.Msg) {
		ev := event.AcquireOrderEvent()
		if err := DecodeEvent(msg.Data, ev); err != nil {
			event.ReleaseOrderEvent(ev)
			s.metrics.RecordDecodeError()
			slog.Warn("Skipping undecodable message", slog.Any("error", err))
			return
		}
		s.sink.Submit(ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	// The default pending limits would silently drop on a slow
	// consumer. Unbounded here; backpressure belongs to the engine inbox.
	sub.SetPendingLimits(-1, -1)

	slog.Info("NATS feed subscribed", slog.String("url", s.url), slog.String("subject", s.subject))

	<-ctx.Done()
	sub.Unsubscribe()
	nc.Drain()
	return ctx.Err()
}
