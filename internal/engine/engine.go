// Package engine owns the hot path: sharded single-writer loops that
// apply feed events to their instrument books and publish the results.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"bookpipe/internal/book"
	"bookpipe/internal/domain"
	"bookpipe/internal/event"
	"bookpipe/internal/infra"
	"bookpipe/internal/pipeline"
	"bookpipe/internal/snapshot"
)

// Config holds the engine knobs.
type Config struct {
	// Shards is the number of independent apply loops. An instrument
	// is pinned to one shard for its lifetime, so per-instrument
	// ordering is preserved at any shard count.
	Shards int

	// QueueCapacity bounds each shard inbox.
	QueueCapacity int

	// SnapshotDepth is the number of levels per side in published
	// snapshots.
	SnapshotDepth int

	// Policy is handed to every book.
	Policy book.Policy

	// SymbolFor maps an instrument id to its display symbol.
	SymbolFor func(uint32) string
}

// Engine routes events to shards and owns their lifecycle.
type Engine struct {
	shards  []*shard
	fanout  *pipeline.Fanout
	cells   *snapshot.Registry
	metrics *infra.Metrics
	wg      sync.WaitGroup
}

// shard is one single-writer apply loop. Only run touches books and
// monitor, so neither needs a lock.
type shard struct {
	id        int
	inbox     chan *event.OrderEvent
	books     map[uint32]*book.Book
	monitor   *SequenceMonitor
	depth     int
	policy    book.Policy
	symbolFor func(uint32) string
	engine    *Engine
}

// NewEngine creates the engine with its shards. Start must be called
// before Submit.
func NewEngine(cfg Config, fanout *pipeline.Fanout, cells *snapshot.Registry, metrics *infra.Metrics) *Engine {
	if cfg.Shards < 1 {
		cfg.Shards = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	if cfg.SymbolFor == nil {
		cfg.SymbolFor = func(id uint32) string { return fmt.Sprintf("INST-%d", id) }
	}

	e := &Engine{
		fanout:  fanout,
		cells:   cells,
		metrics: metrics,
	}
	for i := 0; i < cfg.Shards; i++ {
		e.shards = append(e.shards, &shard{
			id:        i,
			inbox:     make(chan *event.OrderEvent, cfg.QueueCapacity),
			books:     make(map[uint32]*book.Book),
			monitor:   NewSequenceMonitor(),
			depth:     cfg.SnapshotDepth,
			policy:    cfg.Policy,
			symbolFor: cfg.SymbolFor,
			engine:    e,
		})
	}
	return e
}

// Start launches one goroutine per shard.
func (e *Engine) Start() {
	slog.Info("Engine started", slog.Int("shards", len(e.shards)))
	for _, s := range e.shards {
		e.wg.Add(1)
		go s.run()
	}
}

// Submit hands an event to its shard, blocking while the inbox is
// full. Ownership of the event transfers to the engine, which returns
// it to the pool after processing. Must not be called after Stop.
func (e *Engine) Submit(ev *event.OrderEvent) {
	e.metrics.RecordEventIn()
	e.shards[int(ev.Instrument)%len(e.shards)].inbox <- ev
}

// Stop drains the shards and closes the fan-out. All producers must
// have stopped calling Submit first.
func (e *Engine) Stop() {
	for _, s := range e.shards {
		close(s.inbox)
	}
	e.wg.Wait()
	e.fanout.Close()
	slog.Info("Engine stopped")
}

// Run starts the main apply loop for one shard. Books and the monitor
// are only ever touched here.
func (s *shard) run() {
	defer s.engine.wg.Done()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.Any("panic", r), slog.Int("shard", s.id))
			s.dumpState(fmt.Sprintf("panic_dump_shard%d.json", s.id))
			panic(fmt.Sprintf("HALTED: %v", r))
		}
	}()

	for ev := range s.inbox {
		s.process(ev)
	}
}

func (s *shard) process(ev *event.OrderEvent) {
	start := time.Now()

	// 1. Sequence accounting. Detection only: the event is applied
	// regardless of the verdict.
	obs := s.monitor.Observe(ev.Instrument, ev.Sequence)
	switch obs.Outcome {
	case Duplicate:
		s.engine.metrics.RecordSequenceDuplicate()
		slog.Warn("Duplicate sequence",
			slog.Uint64("instrument", uint64(ev.Instrument)),
			slog.Uint64("seq", ev.Sequence))
	case Gap:
		s.engine.metrics.RecordSequenceGap()
		slog.Warn("Sequence gap",
			slog.Uint64("instrument", uint64(ev.Instrument)),
			slog.Uint64("expected", obs.Expected),
			slog.Uint64("got", obs.Got))
	}

	// 2. Apply to the instrument's book.
	b := s.bookFor(ev.Instrument)
	note, err := b.Apply(ev)
	if err != nil {
		s.countAnomaly(ev, err)
		event.ReleaseOrderEvent(ev)
		return
	}

	// 3. Crossed book check. A crossed book points at upstream data damage.
	if b.Crossed() {
		s.engine.metrics.RecordCrossedBook()
		slog.Warn("Crossed book",
			slog.Uint64("instrument", uint64(ev.Instrument)),
			slog.Uint64("seq", ev.Sequence))
	}

	// 4. Publish: snapshot cell first, then the change notification.
	snap := b.Snapshot(s.depth)
	snap.Symbol = s.symbolFor(ev.Instrument)
	snap.AsOfSequence = ev.Sequence
	snap.Timestamp = ev.Timestamp
	s.engine.cells.Publish(snap)
	s.engine.metrics.RecordSnapshotPublished()
	s.engine.fanout.Publish(note)

	s.engine.metrics.RecordApply(time.Since(start).Nanoseconds())
	event.ReleaseOrderEvent(ev)
}

func (s *shard) bookFor(instrument uint32) *book.Book {
	b, ok := s.books[instrument]
	if !ok {
		b = book.NewWithPolicy(instrument, s.policy)
		s.books[instrument] = b
	}
	return b
}

// countAnomaly classifies a tolerated no-op by its sentinel and the
// action that caused it.
func (s *shard) countAnomaly(ev *event.OrderEvent, err error) {
	m := s.engine.metrics
	switch {
	case errors.Is(err, domain.ErrDuplicateOrderID):
		m.RecordDuplicateAdd()
	case errors.Is(err, domain.ErrOversizedTrade):
		m.RecordInvalidTrade()
	case errors.Is(err, domain.ErrUnknownOrder):
		switch ev.Action {
		case domain.ActionCancel:
			m.RecordInvalidCancel()
		case domain.ActionModify:
			m.RecordInvalidModify()
		case domain.ActionTrade:
			m.RecordInvalidTrade()
		}
	}
	slog.Warn("Event ignored",
		slog.Any("error", err),
		slog.Uint64("instrument", uint64(ev.Instrument)),
		slog.Uint64("seq", ev.Sequence))
}

// dumpState writes the shard's books to a file (for post-mortem).
func (s *shard) dumpState(filename string) {
	slog.Info("Dumping shard state...", slog.String("file", filename))

	books := make(map[uint32]*domain.Snapshot, len(s.books))
	for id, b := range s.books {
		books[id] = b.Snapshot(s.depth)
	}

	data := struct {
		Shard int                         `json:"shard"`
		Books map[uint32]*domain.Snapshot `json:"books"`
	}{
		Shard: s.id,
		Books: books,
	}

	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal shard state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
