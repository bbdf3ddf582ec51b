package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"bookpipe/internal/event"
	"bookpipe/internal/infra"
)

const (
	wsMaxRetries       = 10
	wsHandshakeTimeout = 10 * time.Second
	wsReadTimeout      = 60 * time.Second
)

// subscribeRequest is the control message sent right after the
// handshake. An empty instrument list subscribes to everything the
// feed carries.
type subscribeRequest struct {
	Op          string   `json:"op"`
	Instruments []uint32 `json:"instruments,omitempty"`
}

// WSSource consumes bare-payload events from a websocket feed.
type WSSource struct {
	url         string
	instruments []uint32
	sink        Sink
	metrics     *infra.Metrics

	conn    *websocket.Conn
	mu      sync.RWMutex
	writeMu sync.Mutex
}

// NewWSSource creates a source for the given endpoint subscribing to
// the listed instruments.
func NewWSSource(url string, instruments []uint32, sink Sink, metrics *infra.Metrics) *WSSource {
	return &WSSource{
		url:         url,
		instruments: instruments,
		sink:        sink,
		metrics:     metrics,
	}
}

// Run connects and reads until the context ends, redialing with
// capped backoff after every drop.
func (s *WSSource) Run(ctx context.Context) error {
	defer s.closeConnection()

	retryCount := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.connect(ctx); err != nil {
			slog.Warn("Websocket connection failed", slog.Any("error", err), slog.Int("retry", retryCount))
			delay := infra.CalculateBackoff(retryCount)
			retryCount++
			if retryCount > wsMaxRetries {
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
		s.readLoop(ctx)
		s.closeConnection()
	}
}

func (s *WSSource) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", s.url, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribe(); err != nil {
		s.closeConnection()
		return err
	}

	slog.Info("Websocket feed connected", slog.String("url", s.url), slog.Int("instruments", len(s.instruments)))
	return nil
}

func (s *WSSource) subscribe() error {
	msg, err := json.Marshal(subscribeRequest{Op: "subscribe", Instruments: s.instruments})
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe request: %w", err)
	}
	return s.threadSafeWrite(websocket.TextMessage, msg)
}

func (s *WSSource) threadSafeWrite(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	return conn.WriteMessage(messageType, data)
}

func (s *WSSource) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		if err := conn.SetReadDeadline(time.Now().Add(wsReadTimeout)); err != nil {
			slog.Warn("Failed to set read deadline", slog.Any("error", err))
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("Websocket read failed", slog.Any("error", err))
			}
			return
		}

		s.handleMessage(msg)
	}
}

func (s *WSSource) handleMessage(msg []byte) {
	ev := event.AcquireOrderEvent()
	if err := DecodeEvent(msg, ev); err != nil {
		event.ReleaseOrderEvent(ev)
		s.metrics.RecordDecodeError()
		slog.Warn("Skipping undecodable message", slog.Any("error", err))
		return
	}
	s.sink.Submit(ev)
}

func (s *WSSource) closeConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
