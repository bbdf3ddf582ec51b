package book

import (
	"fmt"
	"sort"

	"bookpipe/internal/domain"
	"bookpipe/internal/event"
)

// Policy holds the book's configurable behavior knobs.
type Policy struct {
	// ModifyIncreaseKeepsPriority keeps an order's queue position when a
	// modify only raises its quantity at an unchanged price. Standard
	// exchange convention is that any size increase loses time priority,
	// so this defaults to false.
	ModifyIncreaseKeepsPriority bool
}

// order is one resting order. It doubles as an intrusive list node inside
// its price level's FIFO. Synthetic orders come from top-of-book events:
// they rest on a level like any other order but stay out of the id index,
// so they can never be cancelled, modified or traded by id.
type order struct {
	id        uint64
	price     int64
	quantity  uint32
	side      domain.Side
	synthetic bool
	rank      uint64 // arrival rank; establishes time priority within a level
	level     *level
	prev      *order
	next      *order
}

// level is the FIFO of orders resting at one price. count is the structural
// member count; synth is how many of those are synthetic top-of-book orders,
// which carry quantity but no real order count.
type level struct {
	price    int64
	head     *order
	tail     *order
	totalQty uint64
	count    int
	synth    int
}

func (l *level) pushTail(o *order) {
	o.level = l
	o.prev = l.tail
	o.next = nil
	if l.tail != nil {
		l.tail.next = o
	} else {
		l.head = o
	}
	l.tail = o
	l.totalQty += uint64(o.quantity)
	l.count++
	if o.synthetic {
		l.synth++
	}
}

func (l *level) unlink(o *order) {
	if o.level != l {
		panic(fmt.Sprintf("BOOK_CORRUPTED: order %d unlinked from wrong level %d", o.id, l.price))
	}
	if o.prev != nil {
		o.prev.next = o.next
	} else {
		l.head = o.next
	}
	if o.next != nil {
		o.next.prev = o.prev
	} else {
		l.tail = o.prev
	}
	o.prev, o.next, o.level = nil, nil, nil
	l.totalQty -= uint64(o.quantity)
	l.count--
	if o.synthetic {
		l.synth--
	}
	if l.count < 0 || l.synth < 0 {
		panic(fmt.Sprintf("BOOK_CORRUPTED: negative order count at level %d", l.price))
	}
}

// bookSide is one half of the book: levels keyed by price plus a best-first
// sorted price index (descending for bids, ascending for asks).
type bookSide struct {
	side   domain.Side
	levels map[int64]*level
	prices []int64
}

func newBookSide(s domain.Side) bookSide {
	return bookSide{side: s, levels: make(map[int64]*level)}
}

// searchIdx returns the position price p occupies (or would occupy) in the
// best-first index.
func (s *bookSide) searchIdx(p int64) int {
	if s.side == domain.Bid {
		return sort.Search(len(s.prices), func(i int) bool { return s.prices[i] <= p })
	}
	return sort.Search(len(s.prices), func(i int) bool { return s.prices[i] >= p })
}

func (s *bookSide) getOrCreate(p int64) *level {
	if l, ok := s.levels[p]; ok {
		return l
	}
	l := &level{price: p}
	s.levels[p] = l

	i := s.searchIdx(p)
	s.prices = append(s.prices, 0)
	copy(s.prices[i+1:], s.prices[i:])
	s.prices[i] = p
	return l
}

func (s *bookSide) remove(l *level) {
	if l.count != 0 || l.head != nil {
		panic(fmt.Sprintf("BOOK_CORRUPTED: removing non-empty level %d", l.price))
	}
	delete(s.levels, l.price)

	i := s.searchIdx(l.price)
	if i >= len(s.prices) || s.prices[i] != l.price {
		panic(fmt.Sprintf("BOOK_CORRUPTED: level %d missing from price index", l.price))
	}
	s.prices = append(s.prices[:i], s.prices[i+1:]...)
}

func (s *bookSide) best() (int64, bool) {
	if len(s.prices) == 0 {
		return 0, false
	}
	return s.prices[0], true
}

// Book reconstructs one instrument's limit order book from MBO events.
// It is single-owner state: exactly one goroutine may call Apply.
type Book struct {
	instrument uint32
	bids       bookSide
	asks       bookSide
	orders     map[uint64]*order
	nextRank   uint64
	policy     Policy
}

// New creates an empty book with the default policy.
func New(instrument uint32) *Book {
	return NewWithPolicy(instrument, Policy{})
}

// NewWithPolicy creates an empty book with an explicit policy.
func NewWithPolicy(instrument uint32, p Policy) *Book {
	return &Book{
		instrument: instrument,
		bids:       newBookSide(domain.Bid),
		asks:       newBookSide(domain.Ask),
		orders:     make(map[uint64]*order),
		policy:     p,
	}
}

// Instrument returns the instrument id this book reconstructs.
func (b *Book) Instrument() uint32 { return b.instrument }

func (b *Book) sideOf(s domain.Side) *bookSide {
	if s == domain.Bid {
		return &b.bids
	}
	return &b.asks
}

// Apply mutates the book according to one feed event and returns the change
// notification for the touched level. Tolerated feed anomalies (unknown
// order ids, duplicate adds, oversized trades) return a nil notification and
// an error wrapping the matching domain sentinel; the book is unchanged and
// the caller decides how to log and count. Corrupted internal state panics.
func (b *Book) Apply(ev *event.OrderEvent) (*domain.ChangeNotification, error) {
	switch ev.Action {
	case domain.ActionAdd:
		if ev.IsTOB() {
			return b.applyTOB(ev), nil
		}
		return b.applyAdd(ev)
	case domain.ActionCancel:
		return b.applyCancel(ev)
	case domain.ActionModify:
		return b.applyModify(ev)
	case domain.ActionTrade:
		return b.applyTrade(ev)
	case domain.ActionClear:
		b.Clear()
		return b.notify(ev, ev.Side, 0, nil, domain.ActionClear), nil
	default:
		return nil, fmt.Errorf("apply: unknown action %v (seq %d)", ev.Action, ev.Sequence)
	}
}

func (b *Book) applyAdd(ev *event.OrderEvent) (*domain.ChangeNotification, error) {
	if _, ok := b.orders[ev.OrderID]; ok {
		return nil, fmt.Errorf("add: %w: order %d (seq %d)", domain.ErrDuplicateOrderID, ev.OrderID, ev.Sequence)
	}
	o := b.insert(ev.OrderID, ev.Side, ev.Price, ev.Quantity)
	return b.notify(ev, o.side, o.price, o.level, domain.ActionAdd), nil
}

// applyTOB handles a synthetic top-of-book replacement: the whole side is
// cleared and, unless the price is the undefined sentinel, repopulated with
// a single synthetic order. A sentinel price means "side is empty now".
// Top-of-book feeds reuse order ids (typically 0) on both sides, so the
// synthetic order is kept out of the id index entirely.
func (b *Book) applyTOB(ev *event.OrderEvent) *domain.ChangeNotification {
	b.clearSide(ev.Side)
	if ev.Price == event.UndefPrice {
		return b.notify(ev, ev.Side, 0, nil, domain.ActionClear)
	}
	o := b.insertSynthetic(ev.OrderID, ev.Side, ev.Price, ev.Quantity)
	return b.notify(ev, o.side, o.price, o.level, domain.ActionAdd)
}

func (b *Book) applyCancel(ev *event.OrderEvent) (*domain.ChangeNotification, error) {
	o, ok := b.orders[ev.OrderID]
	if !ok {
		return nil, fmt.Errorf("cancel: %w: order %d (seq %d)", domain.ErrUnknownOrder, ev.OrderID, ev.Sequence)
	}
	side, price := o.side, o.price
	b.removeOrder(o)
	return b.notify(ev, side, price, b.sideOf(side).levels[price], domain.ActionCancel), nil
}

func (b *Book) applyModify(ev *event.OrderEvent) (*domain.ChangeNotification, error) {
	o, ok := b.orders[ev.OrderID]
	if !ok {
		return nil, fmt.Errorf("modify: %w: order %d (seq %d)", domain.ErrUnknownOrder, ev.OrderID, ev.Sequence)
	}

	samePrice := ev.Price == o.price
	increase := ev.Quantity > o.quantity
	if samePrice && (!increase || b.policy.ModifyIncreaseKeepsPriority) {
		// Quantity change at the same price that keeps time priority:
		// update in place, arrival rank untouched.
		delta := int64(ev.Quantity) - int64(o.quantity)
		o.level.totalQty = uint64(int64(o.level.totalQty) + delta)
		o.quantity = ev.Quantity
		return b.notify(ev, o.side, o.price, o.level, domain.ActionModify), nil
	}

	// Price change, or quantity increase: the order loses time priority and
	// goes to the tail of the target level with a fresh arrival rank.
	side := o.side
	b.removeOrder(o)
	moved := b.insert(ev.OrderID, side, ev.Price, ev.Quantity)
	return b.notify(ev, moved.side, moved.price, moved.level, domain.ActionModify), nil
}

func (b *Book) applyTrade(ev *event.OrderEvent) (*domain.ChangeNotification, error) {
	o, ok := b.orders[ev.OrderID]
	if !ok {
		return nil, fmt.Errorf("trade: %w: order %d (seq %d)", domain.ErrUnknownOrder, ev.OrderID, ev.Sequence)
	}
	if ev.Quantity > o.quantity {
		return nil, fmt.Errorf("trade: %w: order %d has %d, traded %d (seq %d)",
			domain.ErrOversizedTrade, ev.OrderID, o.quantity, ev.Quantity, ev.Sequence)
	}

	side, price := o.side, o.price
	if ev.Quantity == o.quantity {
		b.removeOrder(o)
	} else {
		o.level.totalQty -= uint64(ev.Quantity)
		o.quantity -= ev.Quantity
	}
	return b.notify(ev, side, price, b.sideOf(side).levels[price], domain.ActionTrade), nil
}

// insert places a new order at the tail of its level, creating the level on
// first use, and indexes it.
func (b *Book) insert(id uint64, side domain.Side, price int64, qty uint32) *order {
	b.nextRank++
	o := &order{id: id, price: price, quantity: qty, side: side, rank: b.nextRank}
	b.sideOf(side).getOrCreate(price).pushTail(o)
	b.orders[id] = o
	return o
}

// insertSynthetic places a top-of-book order without indexing it, so a real
// order resting under the same id on the other side is left alone.
func (b *Book) insertSynthetic(id uint64, side domain.Side, price int64, qty uint32) *order {
	b.nextRank++
	o := &order{id: id, price: price, quantity: qty, side: side, synthetic: true, rank: b.nextRank}
	b.sideOf(side).getOrCreate(price).pushTail(o)
	return o
}

// removeOrder unlinks an order, drops its level when empty, and unindexes it.
func (b *Book) removeOrder(o *order) {
	l := o.level
	if l == nil {
		panic(fmt.Sprintf("BOOK_CORRUPTED: indexed order %d has no level", o.id))
	}
	l.unlink(o)
	if l.count == 0 {
		b.sideOf(o.side).remove(l)
	}
	delete(b.orders, o.id)
}

func (b *Book) clearSide(s domain.Side) {
	bs := b.sideOf(s)
	for _, l := range bs.levels {
		for o := l.head; o != nil; o = o.next {
			if !o.synthetic {
				delete(b.orders, o.id)
			}
		}
	}
	bs.levels = make(map[int64]*level)
	bs.prices = bs.prices[:0]
}

// Clear empties both sides and the order index (session boundary).
func (b *Book) Clear() {
	b.bids = newBookSide(domain.Bid)
	b.asks = newBookSide(domain.Ask)
	b.orders = make(map[uint64]*order)
}

// notify builds the change notification for the level an event landed on.
// A nil level means the level vanished (last order removed) or a side was
// cleared; the notification then carries zero aggregates.
func (b *Book) notify(ev *event.OrderEvent, side domain.Side, price int64, l *level, applied domain.Action) *domain.ChangeNotification {
	n := &domain.ChangeNotification{
		Sequence:   ev.Sequence,
		Timestamp:  ev.Timestamp,
		Instrument: b.instrument,
		Side:       side,
		Price:      price,
		Action:     applied,
	}
	if l != nil {
		n.NewLevelQuantity = l.totalQty
		n.NewLevelOrderCount = l.count - l.synth
	}
	return n
}

// Crossed reports whether the book is currently crossed (best bid at or
// above best ask). A crossed book is a feed anomaly to log, never a panic.
func (b *Book) Crossed() bool {
	bb, okB := b.bids.best()
	ba, okA := b.asks.best()
	return okB && okA && bb >= ba
}

// TotalOrders returns the number of id-addressable resting orders across
// both sides. Synthetic top-of-book orders are not counted.
func (b *Book) TotalOrders() int { return len(b.orders) }

// Snapshot materializes a depth-limited view: up to depth levels per side,
// best first. Sequence, timestamp and symbol are stamped by the caller.
func (b *Book) Snapshot(depth int) *domain.Snapshot {
	s := &domain.Snapshot{
		Instrument:  b.instrument,
		Bids:        make([]domain.Level, 0, min(depth, len(b.bids.prices))),
		Asks:        make([]domain.Level, 0, min(depth, len(b.asks.prices))),
		TotalOrders: len(b.orders),
		BidLevels:   len(b.bids.prices),
		AskLevels:   len(b.asks.prices),
	}
	for _, p := range b.bids.prices {
		if len(s.Bids) == depth {
			break
		}
		l := b.bids.levels[p]
		s.Bids = append(s.Bids, domain.Level{Price: l.price, Quantity: l.totalQty, OrderCount: l.count - l.synth})
	}
	for _, p := range b.asks.prices {
		if len(s.Asks) == depth {
			break
		}
		l := b.asks.levels[p]
		s.Asks = append(s.Asks, domain.Level{Price: l.price, Quantity: l.totalQty, OrderCount: l.count - l.synth})
	}
	return s
}
