package engine

import (
	"fmt"
	"testing"

	"bookpipe/internal/domain"
	"bookpipe/internal/event"
	"bookpipe/internal/infra"
	"bookpipe/internal/pipeline"
	"bookpipe/internal/snapshot"
)

type harness struct {
	metrics *infra.Metrics
	queue   *pipeline.Queue
	cells   *snapshot.Registry
	engine  *Engine
}

func newHarness(shards int) *harness {
	m := infra.NewMetrics()
	q := pipeline.NewQueue("storage", 4096, pipeline.Block, m)
	f := pipeline.NewFanout()
	f.AddQueue(q)
	cells := snapshot.NewRegistry()

	e := NewEngine(Config{
		Shards:        shards,
		QueueCapacity: 256,
		SnapshotDepth: 10,
		SymbolFor:     func(id uint32) string { return fmt.Sprintf("SYM-%d", id) },
	}, f, cells, m)
	e.Start()

	return &harness{metrics: m, queue: q, cells: cells, engine: e}
}

func (h *harness) submit(seq uint64, instrument uint32, action domain.Action, side domain.Side, id uint64, px int64, qty uint32) {
	ev := event.AcquireOrderEvent()
	ev.Sequence = seq
	ev.Timestamp = seq * 1000
	ev.Instrument = instrument
	ev.OrderID = id
	ev.Price = px
	ev.Quantity = qty
	ev.Action = action
	ev.Side = side
	h.engine.Submit(ev)
}

// drain stops the engine and returns every notification that reached
// the storage queue.
func (h *harness) drain() []*domain.ChangeNotification {
	h.engine.Stop()
	var out []*domain.ChangeNotification
	for n := range h.queue.Items() {
		out = append(out, n)
	}
	return out
}

func TestEngineAppliesAndPublishes(t *testing.T) {
	h := newHarness(1)

	h.submit(1, 1, domain.ActionAdd, domain.Bid, 101, 100, 5)
	h.submit(2, 1, domain.ActionAdd, domain.Ask, 102, 101, 8)

	notes := h.drain()
	if len(notes) != 2 {
		t.Fatalf("Expected 2 notifications, got %d", len(notes))
	}
	if notes[0].Sequence != 1 || notes[0].Side != domain.Bid || notes[0].NewLevelQuantity != 5 {
		t.Errorf("Unexpected first notification: %+v", notes[0])
	}
	if notes[1].Sequence != 2 || notes[1].Side != domain.Ask || notes[1].NewLevelQuantity != 8 {
		t.Errorf("Unexpected second notification: %+v", notes[1])
	}

	snap := h.cells.Latest(1)
	if snap == nil {
		t.Fatal("Expected a published snapshot")
	}
	if snap.Symbol != "SYM-1" || snap.AsOfSequence != 2 {
		t.Errorf("Expected SYM-1 as of seq 2, got %s/%d", snap.Symbol, snap.AsOfSequence)
	}
	if best, ok := snap.BestBid(); !ok || best.Price != 100 || best.Quantity != 5 || best.OrderCount != 1 {
		t.Errorf("Unexpected best bid: %+v", best)
	}
	if best, ok := snap.BestAsk(); !ok || best.Price != 101 || best.Quantity != 8 || best.OrderCount != 1 {
		t.Errorf("Unexpected best ask: %+v", best)
	}

	ms := h.metrics.Snapshot()
	if ms.EventsIn != 2 || ms.EventsApplied != 2 || ms.SnapshotsPublished != 2 {
		t.Errorf("Unexpected metrics: %+v", ms)
	}
}

func TestEngineToleratesFeedAnomalies(t *testing.T) {
	h := newHarness(1)

	h.submit(1, 1, domain.ActionAdd, domain.Bid, 101, 100, 5)
	// Reused live id, unknown cancel, oversized trade, unknown modify.
	h.submit(2, 1, domain.ActionAdd, domain.Bid, 101, 99, 3)
	h.submit(3, 1, domain.ActionCancel, domain.Bid, 999, 0, 0)
	h.submit(4, 1, domain.ActionTrade, domain.Bid, 101, 100, 100)
	h.submit(5, 1, domain.ActionModify, domain.Bid, 888, 98, 1)

	notes := h.drain()
	if len(notes) != 1 {
		t.Fatalf("Expected only the valid add to notify, got %d", len(notes))
	}

	snap := h.cells.Latest(1)
	if snap.TotalOrders != 1 {
		t.Errorf("Expected book untouched by anomalies, got %d orders", snap.TotalOrders)
	}

	ms := h.metrics.Snapshot()
	if ms.DuplicateAdds != 1 {
		t.Errorf("Expected 1 duplicate add, got %d", ms.DuplicateAdds)
	}
	if ms.InvalidCancels != 1 {
		t.Errorf("Expected 1 invalid cancel, got %d", ms.InvalidCancels)
	}
	if ms.InvalidTrades != 1 {
		t.Errorf("Expected 1 invalid trade, got %d", ms.InvalidTrades)
	}
	if ms.InvalidModifies != 1 {
		t.Errorf("Expected 1 invalid modify, got %d", ms.InvalidModifies)
	}
	if ms.EventsIn != 5 || ms.EventsApplied != 1 {
		t.Errorf("Expected 5 in / 1 applied, got %d/%d", ms.EventsIn, ms.EventsApplied)
	}
}

func TestEngineRecordsSequenceAnomalies(t *testing.T) {
	h := newHarness(1)

	// Gap between 3 and 5, then a replayed sequence number.
	id := uint64(100)
	for _, seq := range []uint64{1, 2, 3, 5, 6, 6} {
		id++
		h.submit(seq, 1, domain.ActionAdd, domain.Bid, id, int64(90+id), 1)
	}

	notes := h.drain()
	if len(notes) != 6 {
		t.Fatalf("Expected all events applied despite anomalies, got %d", len(notes))
	}

	ms := h.metrics.Snapshot()
	if ms.SequenceGaps != 1 {
		t.Errorf("Expected 1 gap, got %d", ms.SequenceGaps)
	}
	if ms.SequenceDuplicates != 1 {
		t.Errorf("Expected 1 duplicate, got %d", ms.SequenceDuplicates)
	}
}

func TestEngineDetectsCrossedBook(t *testing.T) {
	h := newHarness(1)

	h.submit(1, 1, domain.ActionAdd, domain.Bid, 101, 100, 5)
	h.submit(2, 1, domain.ActionAdd, domain.Ask, 102, 99, 5)

	h.drain()

	ms := h.metrics.Snapshot()
	if ms.CrossedBooks == 0 {
		t.Error("Expected crossed book recorded")
	}
}

func TestEngineShardsPreserveInstrumentOrder(t *testing.T) {
	h := newHarness(4)

	const instruments = 8
	const perInstrument = 50

	for seq := uint64(1); seq <= perInstrument; seq++ {
		for inst := uint32(1); inst <= instruments; inst++ {
			id := uint64(inst)*1000 + seq
			h.submit(seq, inst, domain.ActionAdd, domain.Bid, id, int64(100+seq), 1)
		}
	}

	notes := h.drain()
	if len(notes) != instruments*perInstrument {
		t.Fatalf("Expected %d notifications, got %d", instruments*perInstrument, len(notes))
	}

	// Global interleaving varies with shard scheduling, but each
	// instrument's stream must stay in apply order.
	lastSeq := make(map[uint32]uint64)
	for _, n := range notes {
		if n.Sequence <= lastSeq[n.Instrument] {
			t.Fatalf("Instrument %d: sequence %d after %d", n.Instrument, n.Sequence, lastSeq[n.Instrument])
		}
		lastSeq[n.Instrument] = n.Sequence
	}

	for inst := uint32(1); inst <= instruments; inst++ {
		snap := h.cells.Latest(inst)
		if snap == nil {
			t.Fatalf("Instrument %d: no snapshot", inst)
		}
		if snap.AsOfSequence != perInstrument {
			t.Errorf("Instrument %d: expected as-of %d, got %d", inst, perInstrument, snap.AsOfSequence)
		}
		if snap.BidLevels != perInstrument {
			t.Errorf("Instrument %d: expected %d bid levels, got %d", inst, perInstrument, snap.BidLevels)
		}
		if len(snap.Bids) != 10 {
			t.Errorf("Instrument %d: expected depth-limited view of 10, got %d", inst, len(snap.Bids))
		}
	}
}

func TestEngineSessionClear(t *testing.T) {
	h := newHarness(1)

	h.submit(1, 1, domain.ActionAdd, domain.Bid, 101, 100, 5)
	h.submit(2, 1, domain.ActionAdd, domain.Ask, 102, 101, 8)
	h.submit(3, 1, domain.ActionClear, domain.Bid, 0, 0, 0)

	notes := h.drain()
	if len(notes) != 3 {
		t.Fatalf("Expected 3 notifications, got %d", len(notes))
	}
	if notes[2].Action != domain.ActionClear {
		t.Errorf("Expected clear notification, got %v", notes[2].Action)
	}

	snap := h.cells.Latest(1)
	if snap.TotalOrders != 0 || snap.BidLevels != 0 || snap.AskLevels != 0 {
		t.Errorf("Expected empty book after clear, got %+v", snap)
	}
}
