package book

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"

	"bookpipe/internal/domain"
	"bookpipe/internal/event"
)

func mkEvent(seq uint64, action domain.Action, side domain.Side, id uint64, price int64, qty uint32) *event.OrderEvent {
	return &event.OrderEvent{
		Sequence:   seq,
		Timestamp:  seq * 1000,
		Instrument: 1,
		Action:     action,
		Side:       side,
		OrderID:    id,
		Price:      price,
		Quantity:   qty,
	}
}

// checkInvariants walks the whole book: strict price ordering per side,
// level aggregates equal to the sum over member orders, and a consistent
// order index.
func checkInvariants(t *testing.T, b *Book) {
	t.Helper()

	for i := 1; i < len(b.bids.prices); i++ {
		if b.bids.prices[i-1] <= b.bids.prices[i] {
			t.Fatalf("bid prices not strictly descending: %v", b.bids.prices)
		}
	}
	for i := 1; i < len(b.asks.prices); i++ {
		if b.asks.prices[i-1] >= b.asks.prices[i] {
			t.Fatalf("ask prices not strictly ascending: %v", b.asks.prices)
		}
	}

	indexed := 0
	for _, s := range []*bookSide{&b.bids, &b.asks} {
		if len(s.prices) != len(s.levels) {
			t.Fatalf("%v price index has %d entries, levels map has %d", s.side, len(s.prices), len(s.levels))
		}
		for p, l := range s.levels {
			if l.price != p {
				t.Fatalf("level keyed %d reports price %d", p, l.price)
			}
			if l.count == 0 {
				t.Fatalf("empty level %d not removed", p)
			}
			var sum uint64
			n, synth := 0, 0
			for o := l.head; o != nil; o = o.next {
				sum += uint64(o.quantity)
				n++
				if o.synthetic {
					synth++
					continue
				}
				if b.orders[o.id] != o {
					t.Fatalf("order %d in level %d missing from index", o.id, p)
				}
			}
			if sum != l.totalQty {
				t.Fatalf("level %d totalQty %d, orders sum to %d", p, l.totalQty, sum)
			}
			if n != l.count {
				t.Fatalf("level %d count %d, holds %d orders", p, l.count, n)
			}
			if synth != l.synth {
				t.Fatalf("level %d synth %d, holds %d synthetic orders", p, l.synth, synth)
			}
			indexed += n - synth
		}
	}
	if indexed != len(b.orders) {
		t.Fatalf("index holds %d orders, levels hold %d", len(b.orders), indexed)
	}
}

// levelIDs returns the FIFO order of ids resting at one price.
func levelIDs(t *testing.T, b *Book, side domain.Side, price int64) []uint64 {
	t.Helper()
	l, ok := b.sideOf(side).levels[price]
	if !ok {
		return nil
	}
	var ids []uint64
	for o := l.head; o != nil; o = o.next {
		ids = append(ids, o.id)
	}
	return ids
}

func mustApply(t *testing.T, b *Book, ev *event.OrderEvent) *domain.ChangeNotification {
	t.Helper()
	n, err := b.Apply(ev)
	if err != nil {
		t.Fatalf("Apply(%v seq=%d): %v", ev.Action, ev.Sequence, err)
	}
	return n
}

func TestAddCancelTopOfBook(t *testing.T) {
	b := New(1)

	// The end-to-end priority scenario: two bids at one level, one ask,
	// then the first bid is cancelled.
	mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Bid, 1, 100, 10))
	mustApply(t, b, mkEvent(2, domain.ActionAdd, domain.Bid, 2, 100, 5))
	mustApply(t, b, mkEvent(3, domain.ActionAdd, domain.Ask, 3, 101, 8))
	mustApply(t, b, mkEvent(4, domain.ActionCancel, domain.Bid, 1, 100, 0))
	checkInvariants(t, b)

	s := b.Snapshot(10)
	bid, ok := s.BestBid()
	if !ok || bid.Price != 100 || bid.Quantity != 5 || bid.OrderCount != 1 {
		t.Errorf("best bid = %+v, want {100 5 1}", bid)
	}
	ask, ok := s.BestAsk()
	if !ok || ask.Price != 101 || ask.Quantity != 8 || ask.OrderCount != 1 {
		t.Errorf("best ask = %+v, want {101 8 1}", ask)
	}
}

func TestDuplicateAddRejected(t *testing.T) {
	b := New(1)
	mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Bid, 7, 100, 10))

	before := b.Snapshot(100)
	n, err := b.Apply(mkEvent(2, domain.ActionAdd, domain.Bid, 7, 99, 4))
	if n != nil {
		t.Error("duplicate add produced a notification")
	}
	if !errors.Is(err, domain.ErrDuplicateOrderID) {
		t.Errorf("err = %v, want ErrDuplicateOrderID", err)
	}
	if !reflect.DeepEqual(before, b.Snapshot(100)) {
		t.Error("book changed on rejected add")
	}
}

func TestCancelUnknownIsNoOp(t *testing.T) {
	b := New(1)
	mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Bid, 1, 100, 10))

	before := b.Snapshot(100)
	rankBefore := b.nextRank

	n, err := b.Apply(mkEvent(2, domain.ActionCancel, domain.Bid, 99, 100, 0))
	if n != nil {
		t.Error("invalid cancel produced a notification")
	}
	if !errors.Is(err, domain.ErrUnknownOrder) {
		t.Errorf("err = %v, want ErrUnknownOrder", err)
	}
	if !reflect.DeepEqual(before, b.Snapshot(100)) {
		t.Error("book changed on invalid cancel")
	}
	if b.nextRank != rankBefore {
		t.Error("arrival rank advanced on invalid cancel")
	}
	checkInvariants(t, b)
}

func TestModifyPriority(t *testing.T) {
	setup := func(t *testing.T, p Policy) *Book {
		b := NewWithPolicy(1, p)
		mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Bid, 1, 100, 10))
		mustApply(t, b, mkEvent(2, domain.ActionAdd, domain.Bid, 2, 100, 20))
		mustApply(t, b, mkEvent(3, domain.ActionAdd, domain.Bid, 3, 100, 30))
		return b
	}

	t.Run("quantity decrease keeps position", func(t *testing.T) {
		b := setup(t, Policy{})
		mustApply(t, b, mkEvent(4, domain.ActionModify, domain.Bid, 2, 100, 15))

		if got := levelIDs(t, b, domain.Bid, 100); !reflect.DeepEqual(got, []uint64{1, 2, 3}) {
			t.Errorf("FIFO after decrease = %v, want [1 2 3]", got)
		}
		if l := b.bids.levels[100]; l.totalQty != 55 {
			t.Errorf("level qty = %d, want 55", l.totalQty)
		}
		checkInvariants(t, b)
	})

	t.Run("quantity increase loses position", func(t *testing.T) {
		b := setup(t, Policy{})
		mustApply(t, b, mkEvent(4, domain.ActionModify, domain.Bid, 2, 100, 25))

		if got := levelIDs(t, b, domain.Bid, 100); !reflect.DeepEqual(got, []uint64{1, 3, 2}) {
			t.Errorf("FIFO after increase = %v, want [1 3 2]", got)
		}
		checkInvariants(t, b)
	})

	t.Run("quantity increase keeps position under policy", func(t *testing.T) {
		b := setup(t, Policy{ModifyIncreaseKeepsPriority: true})
		mustApply(t, b, mkEvent(4, domain.ActionModify, domain.Bid, 2, 100, 25))

		if got := levelIDs(t, b, domain.Bid, 100); !reflect.DeepEqual(got, []uint64{1, 2, 3}) {
			t.Errorf("FIFO under keep policy = %v, want [1 2 3]", got)
		}
		checkInvariants(t, b)
	})

	t.Run("price change moves to tail of new level", func(t *testing.T) {
		b := setup(t, Policy{})
		mustApply(t, b, mkEvent(4, domain.ActionAdd, domain.Bid, 4, 99, 7))
		mustApply(t, b, mkEvent(5, domain.ActionModify, domain.Bid, 2, 99, 20))

		if got := levelIDs(t, b, domain.Bid, 99); !reflect.DeepEqual(got, []uint64{4, 2}) {
			t.Errorf("FIFO at new level = %v, want [4 2]", got)
		}
		if got := levelIDs(t, b, domain.Bid, 100); !reflect.DeepEqual(got, []uint64{1, 3}) {
			t.Errorf("FIFO at old level = %v, want [1 3]", got)
		}
		checkInvariants(t, b)
	})

	t.Run("modify unknown is ignored", func(t *testing.T) {
		b := setup(t, Policy{})
		before := b.Snapshot(100)

		n, err := b.Apply(mkEvent(4, domain.ActionModify, domain.Bid, 42, 100, 5))
		if n != nil || !errors.Is(err, domain.ErrUnknownOrder) {
			t.Errorf("modify unknown: n=%v err=%v", n, err)
		}
		if !reflect.DeepEqual(before, b.Snapshot(100)) {
			t.Error("book changed on invalid modify")
		}
	})
}

func TestTradeConsumesRestingOrder(t *testing.T) {
	t.Run("full consumption removes order", func(t *testing.T) {
		b := New(1)
		mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Bid, 1, 100, 10))
		n := mustApply(t, b, mkEvent(2, domain.ActionTrade, domain.Bid, 1, 100, 10))

		if len(b.bids.prices) != 0 {
			t.Error("bid side should be empty after full trade")
		}
		if _, ok := b.orders[1]; ok {
			t.Error("order 1 still indexed after full trade")
		}
		if n.NewLevelQuantity != 0 || n.NewLevelOrderCount != 0 {
			t.Errorf("notification should report vanished level, got %+v", n)
		}
		checkInvariants(t, b)
	})

	t.Run("partial consumption decrements", func(t *testing.T) {
		b := New(1)
		mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Ask, 1, 101, 10))
		n := mustApply(t, b, mkEvent(2, domain.ActionTrade, domain.Ask, 1, 101, 4))

		if n.NewLevelQuantity != 6 || n.NewLevelOrderCount != 1 {
			t.Errorf("level after partial trade = %+v, want qty 6 count 1", n)
		}
		checkInvariants(t, b)
	})

	t.Run("oversized trade is rejected", func(t *testing.T) {
		b := New(1)
		mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Ask, 1, 101, 10))
		before := b.Snapshot(100)

		n, err := b.Apply(mkEvent(2, domain.ActionTrade, domain.Ask, 1, 101, 11))
		if n != nil || !errors.Is(err, domain.ErrOversizedTrade) {
			t.Errorf("oversized trade: n=%v err=%v", n, err)
		}
		if !reflect.DeepEqual(before, b.Snapshot(100)) {
			t.Error("book changed on oversized trade")
		}
	})
}

func TestClearEmptiesBook(t *testing.T) {
	b := New(1)
	mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Bid, 1, 100, 10))
	mustApply(t, b, mkEvent(2, domain.ActionAdd, domain.Ask, 2, 101, 5))

	n := mustApply(t, b, mkEvent(3, domain.ActionClear, domain.Bid, 0, 0, 0))
	if n.Action != domain.ActionClear {
		t.Errorf("action = %v, want clear", n.Action)
	}
	if b.TotalOrders() != 0 || len(b.bids.prices) != 0 || len(b.asks.prices) != 0 {
		t.Error("book not empty after clear")
	}
	checkInvariants(t, b)
}

func TestTopOfBookReplacement(t *testing.T) {
	b := New(1)
	mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Bid, 1, 100, 10))
	mustApply(t, b, mkEvent(2, domain.ActionAdd, domain.Bid, 2, 99, 5))

	tob := mkEvent(3, domain.ActionAdd, domain.Bid, 900, 101, 3)
	tob.Flags = event.FlagTOB
	n := mustApply(t, b, tob)

	if got := levelIDs(t, b, domain.Bid, 101); !reflect.DeepEqual(got, []uint64{900}) {
		t.Errorf("bid side after TOB = %v, want [900]", got)
	}
	if len(b.bids.prices) != 1 {
		t.Errorf("TOB should leave a single bid level, have %d", len(b.bids.prices))
	}
	if n.Action != domain.ActionAdd || n.NewLevelQuantity != 3 || n.NewLevelOrderCount != 0 {
		t.Errorf("TOB notification = %+v, want add qty 3 count 0", n)
	}

	// Undefined price clears the side outright.
	wipe := mkEvent(4, domain.ActionAdd, domain.Bid, 0, event.UndefPrice, 0)
	wipe.Flags = event.FlagTOB
	n = mustApply(t, b, wipe)
	if n.Action != domain.ActionClear {
		t.Errorf("TOB wipe action = %v, want clear", n.Action)
	}
	if len(b.bids.prices) != 0 {
		t.Error("bid side should be empty after TOB wipe")
	}
	checkInvariants(t, b)
}

func TestTopOfBookBothSidesShareID(t *testing.T) {
	// Top-of-book feeds publish both sides under the same order id, usually
	// 0. Synthetic orders stay out of the id index, so the sides coexist and
	// neither can be touched by id.
	b := New(1)

	bid := mkEvent(1, domain.ActionAdd, domain.Bid, 0, 100, 10)
	bid.Flags = event.FlagTOB
	mustApply(t, b, bid)

	ask := mkEvent(2, domain.ActionAdd, domain.Ask, 0, 101, 5)
	ask.Flags = event.FlagTOB
	mustApply(t, b, ask)
	checkInvariants(t, b)

	if got := levelIDs(t, b, domain.Bid, 100); !reflect.DeepEqual(got, []uint64{0}) {
		t.Errorf("bid side = %v, want [0]", got)
	}
	if got := levelIDs(t, b, domain.Ask, 101); !reflect.DeepEqual(got, []uint64{0}) {
		t.Errorf("ask side = %v, want [0]", got)
	}
	if b.TotalOrders() != 0 {
		t.Errorf("TotalOrders = %d, want 0 (synthetic orders are unindexed)", b.TotalOrders())
	}

	s := b.Snapshot(10)
	bb, _ := s.BestBid()
	ba, _ := s.BestAsk()
	if bb.Quantity != 10 || bb.OrderCount != 0 {
		t.Errorf("best bid = %+v, want qty 10 count 0", bb)
	}
	if ba.Quantity != 5 || ba.OrderCount != 0 {
		t.Errorf("best ask = %+v, want qty 5 count 0", ba)
	}

	// A cancel against the shared id is an unknown order, not a wipe.
	n, err := b.Apply(mkEvent(3, domain.ActionCancel, domain.Bid, 0, 100, 0))
	if n != nil || !errors.Is(err, domain.ErrUnknownOrder) {
		t.Errorf("cancel of synthetic id: n=%v err=%v", n, err)
	}
	checkInvariants(t, b)
}

func TestCrossedDetection(t *testing.T) {
	b := New(1)
	mustApply(t, b, mkEvent(1, domain.ActionAdd, domain.Bid, 1, 100, 10))
	mustApply(t, b, mkEvent(2, domain.ActionAdd, domain.Ask, 2, 101, 5))
	if b.Crossed() {
		t.Error("book should not be crossed")
	}

	mustApply(t, b, mkEvent(3, domain.ActionAdd, domain.Ask, 3, 100, 5))
	if !b.Crossed() {
		t.Error("bid 100 vs ask 100 should report crossed")
	}
}

func TestSnapshotDepthLimit(t *testing.T) {
	b := New(1)
	seq := uint64(1)
	for i := 0; i < 20; i++ {
		mustApply(t, b, mkEvent(seq, domain.ActionAdd, domain.Bid, uint64(100+i), int64(100-i), 1))
		seq++
	}

	s := b.Snapshot(10)
	if len(s.Bids) != 10 {
		t.Fatalf("depth-limited snapshot has %d bid levels, want 10", len(s.Bids))
	}
	if s.BidLevels != 20 {
		t.Errorf("BidLevels = %d, want 20 (full book)", s.BidLevels)
	}
	if s.Bids[0].Price != 100 || s.Bids[9].Price != 91 {
		t.Errorf("snapshot window = [%d..%d], want [100..91]", s.Bids[0].Price, s.Bids[9].Price)
	}
}

// TestRandomizedInvariants drives the book through a long pseudo-random but
// always-valid event sequence and checks the structural invariants after
// every apply.
func TestRandomizedInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	b := New(1)

	type live struct {
		side domain.Side
		qty  uint32
	}
	resting := make(map[uint64]*live)
	var ids []uint64
	nextID := uint64(1)
	seq := uint64(1)

	removeID := func(id uint64) {
		delete(resting, id)
		for i, v := range ids {
			if v == id {
				ids = append(ids[:i], ids[i+1:]...)
				break
			}
		}
	}

	for i := 0; i < 2000; i++ {
		op := rng.Intn(10)
		switch {
		case op < 5 || len(ids) == 0: // add
			side := domain.Side(rng.Intn(2))
			price := int64(1000 + rng.Intn(50))
			if side == domain.Ask {
				price = int64(1051 + rng.Intn(50))
			}
			qty := uint32(1 + rng.Intn(100))
			mustApply(t, b, mkEvent(seq, domain.ActionAdd, side, nextID, price, qty))
			resting[nextID] = &live{side: side, qty: qty}
			ids = append(ids, nextID)
			nextID++
		case op < 7: // cancel
			id := ids[rng.Intn(len(ids))]
			mustApply(t, b, mkEvent(seq, domain.ActionCancel, resting[id].side, id, 0, 0))
			removeID(id)
		case op < 9: // modify
			id := ids[rng.Intn(len(ids))]
			o := resting[id]
			price := int64(1000 + rng.Intn(50))
			if o.side == domain.Ask {
				price = int64(1051 + rng.Intn(50))
			}
			qty := uint32(1 + rng.Intn(100))
			mustApply(t, b, mkEvent(seq, domain.ActionModify, o.side, id, price, qty))
			o.qty = qty
		default: // trade
			id := ids[rng.Intn(len(ids))]
			o := resting[id]
			traded := uint32(1 + rng.Intn(int(o.qty)))
			mustApply(t, b, mkEvent(seq, domain.ActionTrade, o.side, id, 0, traded))
			if traded == o.qty {
				removeID(id)
			} else {
				o.qty -= traded
			}
		}
		seq++
		checkInvariants(t, b)
	}

	if b.TotalOrders() != len(resting) {
		t.Fatalf("book holds %d orders, model holds %d", b.TotalOrders(), len(resting))
	}
}
