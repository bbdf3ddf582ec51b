package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/segmentio/kafka-go"

	"bookpipe/internal/event"
)

// Publisher sends events to a transport. Used by the replay tool to
// drive a live pipeline from a capture file.
type Publisher interface {
	Publish(ctx context.Context, ev *event.OrderEvent) error
	Close() error
}

// NATSPublisher publishes bare payloads to a subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, subject: subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, ev *event.OrderEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject, payload)
}

func (p *NATSPublisher) Close() error {
	p.nc.Flush()
	p.nc.Close()
	return nil
}

// KafkaPublisher publishes bare payloads to a topic, keyed by
// instrument so per-instrument order survives partitioning.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(brokers, ",")...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev *event.OrderEvent) error {
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%d", ev.Instrument))
	return p.writer.WriteMessages(ctx, kafka.Message{Key: key, Value: payload})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
