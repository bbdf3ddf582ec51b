// Command bookreplay streams a framed capture file to a live pipeline,
// either by serving it over TCP or by publishing it to NATS or Kafka.
// Useful for load tests and for exercising the reconnect paths.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bookpipe/internal/event"
	"bookpipe/internal/feed"
)

func main() {
	input := flag.String("input", "data/capture.mbo", "framed capture file to replay")
	mode := flag.String("mode", "tcp", "transport: tcp | nats | kafka")
	addr := flag.String("addr", "127.0.0.1:9099", "tcp listen address, nats URL or kafka broker list")
	topic := flag.String("topic", "mbo.events", "nats subject / kafka topic")
	rate := flag.Int("rate", 0, "events per second, 0 replays as fast as possible")
	loop := flag.Bool("loop", false, "restart the capture from the top when it ends")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events, err := loadCapture(*input)
	if err != nil {
		slog.Error("❌ Failed to load capture", slog.Any("error", err))
		os.Exit(1)
	}
	if len(events) == 0 {
		slog.Error("❌ Capture contains no events", slog.String("path", *input))
		os.Exit(1)
	}
	slog.Info("Capture loaded", slog.String("path", *input), slog.Int("events", len(events)))

	switch *mode {
	case "tcp":
		err = serveTCP(ctx, *addr, events, *rate, *loop)
	case "nats", "kafka":
		err = publish(ctx, *mode, *addr, *topic, events, *rate, *loop)
	default:
		err = fmt.Errorf("unknown mode: %s", *mode)
	}
	if err != nil {
		slog.Error("❌ Replay failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// loadCapture decodes the whole file up front so pacing is not skewed
// by disk reads. Damaged frames are skipped the same way the daemon
// skips them.
func loadCapture(path string) ([]*event.OrderEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := feed.NewDecoder(bufio.NewReaderSize(f, 64*1024))
	var events []*event.OrderEvent
	for {
		ev := &event.OrderEvent{}
		err := dec.Next(ev)
		switch {
		case err == nil:
			events = append(events, ev)
		case errors.Is(err, io.EOF):
			return events, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			slog.Warn("Capture ends mid-frame", slog.Int("events", len(events)))
			return events, nil
		case errors.Is(err, feed.ErrChecksum), errors.Is(err, feed.ErrBadPayload):
			slog.Warn("Skipping damaged frame", slog.Any("error", err))
		default:
			return nil, err
		}
	}
}

// serveTCP streams the capture to every client that connects. Each
// client gets its own replay from the top.
func serveTCP(ctx context.Context, addr string, events []*event.OrderEvent, rate int, loop bool) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	slog.Info("✨ Replay server listening", slog.String("addr", addr), slog.Int("rate", rate))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			defer conn.Close()
			slog.Info("Client connected", slog.String("remote", conn.RemoteAddr().String()))
			enc := feed.NewEncoder(conn)
			pace := pacer(rate)
			for {
				for _, ev := range events {
					if ctx.Err() != nil {
						return
					}
					if err := enc.Encode(ev); err != nil {
						slog.Info("Client gone", slog.String("remote", conn.RemoteAddr().String()))
						return
					}
					pace()
				}
				if !loop {
					slog.Info("Replay complete", slog.String("remote", conn.RemoteAddr().String()))
					return
				}
			}
		}()
	}
}

func publish(ctx context.Context, mode, addr, topic string, events []*event.OrderEvent, rate int, loop bool) error {
	var pub feed.Publisher
	var err error
	switch mode {
	case "nats":
		pub, err = feed.NewNATSPublisher(addr, topic)
	case "kafka":
		pub = feed.NewKafkaPublisher(addr, topic)
	}
	if err != nil {
		return err
	}
	defer pub.Close()

	slog.Info("✨ Publishing capture", slog.String("mode", mode), slog.String("topic", topic), slog.Int("rate", rate))
	pace := pacer(rate)
	published := 0
	for {
		for _, ev := range events {
			if ctx.Err() != nil {
				slog.Info("Interrupted", slog.Int("published", published))
				return nil
			}
			if err := pub.Publish(ctx, ev); err != nil {
				return fmt.Errorf("publish failed after %d events: %w", published, err)
			}
			published++
			pace()
		}
		if !loop {
			slog.Info("Replay complete", slog.Int("published", published))
			return nil
		}
	}
}

// pacer returns a function that sleeps just enough to hold the target
// rate. Scheduling error accumulates into the next tick instead of
// drifting the overall rate.
func pacer(rate int) func() {
	if rate <= 0 {
		return func() {}
	}
	interval := time.Second / time.Duration(rate)
	next := time.Now()
	return func() {
		next = next.Add(interval)
		if d := time.Until(next); d > 0 {
			time.Sleep(d)
		}
	}
}
