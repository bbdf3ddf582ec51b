package feed

import (
	"context"
	"fmt"

	"bookpipe/internal/event"
	"bookpipe/internal/infra"
)

// Sink accepts decoded events. The engine satisfies it; ownership of
// each event passes to the sink.
type Sink interface {
	Submit(ev *event.OrderEvent)
}

// Source delivers feed events to a sink until the stream ends or the
// context is cancelled. Run blocks; call it from a dedicated
// goroutine.
type Source interface {
	Run(ctx context.Context) error
}

// New builds the source named by the configuration.
func New(cfg *infra.Config, sink Sink, metrics *infra.Metrics) (Source, error) {
	switch cfg.Feed.Source {
	case "file":
		return NewFileSource(cfg.Feed.InputPath, sink, metrics), nil
	case "tcp":
		return NewTCPSource(cfg.Feed.Addr, sink, metrics), nil
	case "ws":
		return NewWSSource(cfg.Feed.Addr, instrumentIDs(cfg), sink, metrics), nil
	case "nats":
		return NewNATSSource(cfg.Feed.Addr, cfg.Feed.Topic, sink, metrics), nil
	case "kafka":
		return NewKafkaSource(cfg.Feed.Addr, cfg.Feed.Topic, sink, metrics), nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}
}

func instrumentIDs(cfg *infra.Config) []uint32 {
	ids := make([]uint32, 0, len(cfg.Instruments))
	for id := range cfg.Instruments {
		ids = append(ids, id)
	}
	return ids
}
