package engine

import "testing"

func TestSequenceMonitor_GapDetection(t *testing.T) {
	m := NewSequenceMonitor()

	var gaps []Observation
	for _, seq := range []uint64{1, 2, 3, 5, 6} {
		obs := m.Observe(1, seq)
		if obs.Outcome == Gap {
			gaps = append(gaps, obs)
		}
	}

	if len(gaps) != 1 {
		t.Fatalf("Expected exactly 1 gap, got %d", len(gaps))
	}
	if gaps[0].Expected != 4 || gaps[0].Got != 5 {
		t.Errorf("Expected gap {4, 5}, got {%d, %d}", gaps[0].Expected, gaps[0].Got)
	}

	st, ok := m.State(1)
	if !ok {
		t.Fatal("Expected tracked state for instrument 1")
	}
	if st.GapCount != 1 {
		t.Errorf("Expected gap count 1, got %d", st.GapCount)
	}
	if st.LastGapFrom != 4 || st.LastGapTo != 5 {
		t.Errorf("Expected last gap range [4, 5], got [%d, %d]", st.LastGapFrom, st.LastGapTo)
	}

	// Position advanced past the gap, so 6 was in order.
	if last, _ := m.Last(1); last != 6 {
		t.Errorf("Expected tracked position 6, got %d", last)
	}
}

func TestSequenceMonitor_DuplicateDetection(t *testing.T) {
	m := NewSequenceMonitor()

	var duplicates int
	for _, seq := range []uint64{1, 2, 2, 3} {
		obs := m.Observe(1, seq)
		switch obs.Outcome {
		case Duplicate:
			duplicates++
		case Gap:
			t.Errorf("Unexpected gap at seq %d", seq)
		}
	}

	if duplicates != 1 {
		t.Errorf("Expected exactly 1 duplicate, got %d", duplicates)
	}
	if last, _ := m.Last(1); last != 3 {
		t.Errorf("Expected tracked position 3, got %d", last)
	}
}

func TestSequenceMonitor_DuplicateKeepsPosition(t *testing.T) {
	m := NewSequenceMonitor()

	m.Observe(1, 10)
	obs := m.Observe(1, 7)

	if obs.Outcome != Duplicate {
		t.Fatalf("Expected duplicate for replayed seq, got %v", obs.Outcome)
	}
	if last, _ := m.Last(1); last != 10 {
		t.Errorf("Expected position unchanged at 10, got %d", last)
	}

	// 11 follows 10, not 7.
	if obs := m.Observe(1, 11); obs.Outcome != InOrder {
		t.Errorf("Expected 11 in order after duplicate, got %v", obs.Outcome)
	}
}

func TestSequenceMonitor_FirstObservationInOrder(t *testing.T) {
	m := NewSequenceMonitor()

	// Streams may start at any sequence, e.g. mid-session attach.
	obs := m.Observe(1, 5000)
	if obs.Outcome != InOrder {
		t.Errorf("Expected first observation in order, got %v", obs.Outcome)
	}
}

func TestSequenceMonitor_TracksInstrumentsIndependently(t *testing.T) {
	m := NewSequenceMonitor()

	m.Observe(1, 1)
	m.Observe(2, 100)

	if obs := m.Observe(1, 2); obs.Outcome != InOrder {
		t.Errorf("Instrument 1: expected in order, got %v", obs.Outcome)
	}
	if obs := m.Observe(2, 101); obs.Outcome != InOrder {
		t.Errorf("Instrument 2: expected in order, got %v", obs.Outcome)
	}
	if obs := m.Observe(1, 5); obs.Outcome != Gap {
		t.Errorf("Instrument 1: expected gap, got %v", obs.Outcome)
	}
	if obs := m.Observe(2, 102); obs.Outcome != InOrder {
		t.Errorf("Instrument 2: gap on 1 must not affect 2, got %v", obs.Outcome)
	}
}
