// Package snapshot keeps the latest order book snapshot per instrument
// and renders it for readers.
package snapshot

import (
	"sort"
	"sync"
	"sync/atomic"

	"bookpipe/internal/domain"
)

// Cell holds the latest snapshot for one instrument. Writes come from
// a single engine shard; reads come from any goroutine. Readers always
// see a complete snapshot, never a partially updated one.
type Cell struct {
	latest atomic.Pointer[domain.Snapshot]
}

// Store replaces the current snapshot.
func (c *Cell) Store(s *domain.Snapshot) {
	c.latest.Store(s)
}

// Load returns the current snapshot, or nil if none was stored yet.
func (c *Cell) Load() *domain.Snapshot {
	return c.latest.Load()
}

// Registry manages the snapshot cells of all instruments.
type Registry struct {
	mu    sync.RWMutex
	cells map[uint32]*Cell
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		cells: make(map[uint32]*Cell),
	}
}

// Publish stores the snapshot in the instrument's cell, creating the
// cell on first use.
func (r *Registry) Publish(s *domain.Snapshot) {
	r.mu.RLock()
	cell, exists := r.cells[s.Instrument]
	r.mu.RUnlock()

	if !exists {
		r.mu.Lock()
		cell, exists = r.cells[s.Instrument]
		if !exists {
			cell = &Cell{}
			r.cells[s.Instrument] = cell
		}
		r.mu.Unlock()
	}

	cell.Store(s)
}

// Latest returns the most recent snapshot for the instrument, or nil
// if no event was applied for it yet.
func (r *Registry) Latest(instrument uint32) *domain.Snapshot {
	r.mu.RLock()
	cell, exists := r.cells[instrument]
	r.mu.RUnlock()

	if !exists {
		return nil
	}
	return cell.Load()
}

// Instruments returns all instrument ids with a published snapshot,
// sorted for consistent ordering.
func (r *Registry) Instruments() []uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]uint32, 0, len(r.cells))
	for id := range r.cells {
		result = append(result, id)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i] < result[j]
	})

	return result
}

// All returns the latest snapshot of every instrument, sorted by
// instrument id.
func (r *Registry) All() []*domain.Snapshot {
	ids := r.Instruments()

	result := make([]*domain.Snapshot, 0, len(ids))
	for _, id := range ids {
		if s := r.Latest(id); s != nil {
			result = append(result, s)
		}
	}
	return result
}

// Single returns the snapshot when exactly one instrument is tracked.
// Convenient for single-instrument captures.
func (r *Registry) Single() *domain.Snapshot {
	ids := r.Instruments()
	if len(ids) != 1 {
		return nil
	}
	return r.Latest(ids[0])
}
