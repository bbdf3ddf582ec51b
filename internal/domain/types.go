package domain

import "fmt"

// Side identifies which half of the book an event or level belongs to.
type Side uint8

const (
	Bid Side = iota
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return fmt.Sprintf("side(%d)", uint8(s))
	}
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Bid {
		return Ask
	}
	return Bid
}

// MarshalText renders the side as "bid" or "ask" for JSON payloads.
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "bid"/"ask" (as produced by MarshalText).
func (s *Side) UnmarshalText(text []byte) error {
	switch string(text) {
	case "bid", "B":
		*s = Bid
	case "ask", "A":
		*s = Ask
	default:
		return fmt.Errorf("unknown side %q", text)
	}
	return nil
}

// Action is the book operation carried by an input event.
type Action uint8

const (
	ActionAdd Action = iota
	ActionCancel
	ActionModify
	ActionTrade
	ActionClear
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionCancel:
		return "cancel"
	case ActionModify:
		return "modify"
	case ActionTrade:
		return "trade"
	case ActionClear:
		return "clear"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// MarshalText renders the action name for JSON payloads.
func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText parses an action name (long form or single-letter feed code).
func (a *Action) UnmarshalText(text []byte) error {
	switch string(text) {
	case "add", "A":
		*a = ActionAdd
	case "cancel", "C":
		*a = ActionCancel
	case "modify", "M":
		*a = ActionModify
	case "trade", "T":
		*a = ActionTrade
	case "clear", "R":
		*a = ActionClear
	default:
		return fmt.Errorf("unknown action %q", text)
	}
	return nil
}

// ChangeNotification describes the book level touched by one applied event.
// It is immutable once emitted: produced exactly once per successful mutation
// and shared read-only by every sink.
type ChangeNotification struct {
	Sequence           uint64 `json:"seq"`
	Timestamp          uint64 `json:"ts"`
	Instrument         uint32 `json:"instrument"`
	Side               Side   `json:"side"`
	Price              int64  `json:"price"`
	NewLevelQuantity   uint64 `json:"level_qty"`
	NewLevelOrderCount int    `json:"level_count"`
	Action             Action `json:"action"`
}

// Level is one aggregated price level inside a depth view.
type Level struct {
	Price      int64  `json:"price"`
	Quantity   uint64 `json:"qty"`
	OrderCount int    `json:"orders"`
}

// Snapshot is a depth-limited view of one instrument's book, published into
// the snapshot cell after every applied event. Bids are ordered best (highest)
// first, asks best (lowest) first; both are at most the configured depth.
// The *Levels counters report the full book, not just the visible depth.
type Snapshot struct {
	Instrument   uint32  `json:"instrument"`
	Symbol       string  `json:"symbol,omitempty"`
	AsOfSequence uint64  `json:"as_of_seq"`
	Timestamp    uint64  `json:"ts"`
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
	TotalOrders  int     `json:"total_orders"`
	BidLevels    int     `json:"bid_levels"`
	AskLevels    int     `json:"ask_levels"`
}

// BestBid returns the top bid level, if any.
func (s *Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, if any.
func (s *Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}
