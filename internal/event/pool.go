package event

import (
	"math"
	"sync"

	"bookpipe/internal/domain"
)

// Flag bits carried on an OrderEvent. Values follow common MBO feed
// conventions; only FlagTOB changes book behavior (synthetic top-of-book
// replacement), the rest travel through untouched.
const (
	FlagMBP      uint8 = 1 << 4
	FlagSnapshot uint8 = 1 << 5
	FlagTOB      uint8 = 1 << 6
	FlagLast     uint8 = 1 << 7
)

// UndefPrice is the sentinel for "no price". A top-of-book event at this
// price clears its side instead of inserting.
const UndefPrice int64 = math.MaxInt64

// OrderEvent is one decoded MBO feed message. Instances are pooled: feed
// sources acquire and fill them, the engine releases them after processing.
// Hot fields (those touched on every apply) come first.
type OrderEvent struct {
	Sequence   uint64        `json:"seq"`
	Timestamp  uint64        `json:"ts"`
	OrderID    uint64        `json:"order_id"`
	Price      int64         `json:"price"`
	Quantity   uint32        `json:"qty"`
	Instrument uint32        `json:"instrument"`
	Action     domain.Action `json:"action"`
	Side       domain.Side   `json:"side"`
	Flags      uint8         `json:"flags,omitempty"`
}

// IsTOB reports whether this is a synthetic top-of-book replacement event.
func (e *OrderEvent) IsTOB() bool {
	return e.Flags&FlagTOB != 0
}

// OrderEvent pool. Use this to reduce GC pressure in the hotpath.
//
// Usage:
//
//	ev := AcquireOrderEvent()
//	// ... fill and hand to the engine ...
//	ReleaseOrderEvent(ev)  // Return to pool after processing
var orderEventPool = sync.Pool{
	New: func() interface{} {
		return &OrderEvent{}
	},
}

// AcquireOrderEvent gets an OrderEvent from the pool.
// The returned event has zero values and must be initialized.
func AcquireOrderEvent() *OrderEvent {
	return orderEventPool.Get().(*OrderEvent)
}

// ReleaseOrderEvent returns an OrderEvent to the pool.
// The event is reset to zero values before being pooled.
func ReleaseOrderEvent(ev *OrderEvent) {
	if ev == nil {
		return
	}
	// Reset all fields to zero values
	ev.Sequence = 0
	ev.Timestamp = 0
	ev.OrderID = 0
	ev.Price = 0
	ev.Quantity = 0
	ev.Instrument = 0
	ev.Action = 0
	ev.Side = 0
	ev.Flags = 0

	orderEventPool.Put(ev)
}

// Warmup pre-allocates event objects to reduce GC pressure at startup.
// It acquires and releases a batch of events.
func Warmup() {
	const batchSize = 1000

	evs := make([]*OrderEvent, 0, batchSize)
	for i := 0; i < batchSize; i++ {
		evs = append(evs, AcquireOrderEvent())
	}
	for _, ev := range evs {
		ReleaseOrderEvent(ev)
	}
}
