package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/segmentio/kafka-go"

	"bookpipe/internal/event"
	"bookpipe/internal/infra"
)

// KafkaSource consumes bare-payload events from a Kafka topic. The
// reader handles broker reconnects and offset tracking itself.
type KafkaSource struct {
	brokers string
	topic   string
	sink    Sink
	metrics *infra.Metrics
}

// NewKafkaSource creates a source for the given broker list
// (comma separated) and topic.
func NewKafkaSource(brokers, topic string, sink Sink, metrics *infra.Metrics) *KafkaSource {
	return &KafkaSource{brokers: brokers, topic: topic, sink: sink, metrics: metrics}
}

// Run reads and delivers events until the context ends.
func (s *KafkaSource) Run(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  strings.Split(s.brokers, ","),
		Topic:    s.topic,
		MinBytes: 1,
		MaxBytes: 10 << 20,
	})
	defer reader.Close()

	slog.Info("Kafka feed reading", slog.String("brokers", s.brokers), slog.String("topic", s.topic))

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read from kafka: %w", err)
		}

		ev := event.AcquireOrderEvent()
		if err := DecodeEvent(msg.Value, ev); err != nil {
			event.ReleaseOrderEvent(ev)
			s.metrics.RecordDecodeError()
			slog.Warn("Skipping undecodable message", slog.Any("error", err))
			continue
		}
		s.sink.Submit(ev)
	}
}
