package engine

import "fmt"

// Outcome classifies one observed sequence number.
type Outcome uint8

const (
	InOrder Outcome = iota
	Duplicate
	Gap
)

func (o Outcome) String() string {
	switch o {
	case InOrder:
		return "in_order"
	case Duplicate:
		return "duplicate"
	case Gap:
		return "gap"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Observation is the monitor's verdict for one event. Expected is the
// sequence the monitor wanted next, filled for Duplicate and Gap.
type Observation struct {
	Outcome  Outcome
	Expected uint64
	Got      uint64
}

// SequenceState is the tracked position of one instrument stream plus
// its gap history. LastGapFrom/LastGapTo span the most recent jump,
// from the first missed sequence to the one that arrived instead.
type SequenceState struct {
	Last        uint64
	Seen        bool
	GapCount    uint64
	LastGapFrom uint64
	LastGapTo   uint64
}

// SequenceMonitor tracks the last sequence number per instrument
// stream and classifies each new one. Detection only: the caller
// decides how to react, the event is applied either way.
type SequenceMonitor struct {
	states map[uint32]*SequenceState
}

// NewSequenceMonitor creates a monitor with no tracked instruments.
func NewSequenceMonitor() *SequenceMonitor {
	return &SequenceMonitor{
		states: make(map[uint32]*SequenceState),
	}
}

// Observe classifies seq for the instrument and advances the tracked
// position. The first observation of an instrument is in order by
// definition. A duplicate (seq at or below the tracked position)
// leaves the position unchanged; a gap jumps it forward.
func (m *SequenceMonitor) Observe(instrument uint32, seq uint64) Observation {
	st, ok := m.states[instrument]
	if !ok {
		st = &SequenceState{}
		m.states[instrument] = st
	}
	if !st.Seen {
		st.Last = seq
		st.Seen = true
		return Observation{Outcome: InOrder, Got: seq}
	}

	if seq <= st.Last {
		return Observation{Outcome: Duplicate, Expected: st.Last + 1, Got: seq}
	}

	expected := st.Last + 1
	st.Last = seq
	if seq == expected {
		return Observation{Outcome: InOrder, Got: seq}
	}
	st.GapCount++
	st.LastGapFrom = expected
	st.LastGapTo = seq
	return Observation{Outcome: Gap, Expected: expected, Got: seq}
}

// Last returns the most recent tracked position for the instrument.
func (m *SequenceMonitor) Last(instrument uint32) (uint64, bool) {
	st, ok := m.states[instrument]
	if !ok || !st.Seen {
		return 0, false
	}
	return st.Last, true
}

// State returns a copy of the instrument's tracked state.
func (m *SequenceMonitor) State(instrument uint32) (SequenceState, bool) {
	st, ok := m.states[instrument]
	if !ok {
		return SequenceState{}, false
	}
	return *st, true
}
