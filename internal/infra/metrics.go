package infra

import (
	"sync/atomic"
	"time"
)

// Metrics tracks pipeline health with atomic counters.
// All methods are safe for concurrent use and never block.
type Metrics struct {
	// Event flow
	eventsIn      atomic.Uint64
	eventsApplied atomic.Uint64

	// Feed anomalies (counted, never fatal)
	seqGaps       atomic.Uint64
	seqDuplicates atomic.Uint64
	duplicateAdds atomic.Uint64
	invalidCancel atomic.Uint64
	invalidModify atomic.Uint64
	invalidTrade  atomic.Uint64
	crossedBooks  atomic.Uint64
	decodeErrors  atomic.Uint64

	// Apply latency in nanoseconds
	applySumNs atomic.Int64
	applyCount atomic.Uint64
	applyMaxNs atomic.Int64

	// Fan-out
	snapshotsPublished   atomic.Uint64
	droppedNotifications atomic.Uint64
	queueBlockedNs       atomic.Int64

	// Storage sink
	storageBatches  atomic.Uint64
	storageRows     atomic.Uint64
	storageRetries  atomic.Uint64
	storageFailures atomic.Uint64
	discardedRows   atomic.Uint64
	storageDegraded atomic.Bool

	// Snapshot file sink
	fileWrites atomic.Uint64
	fileErrors atomic.Uint64

	// Optional Prometheus mirror, nil unless attached.
	prom *PromMetrics
}

// NewMetrics creates a zeroed metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// AttachProm mirrors all subsequent recordings into Prometheus
// instruments. Must be called before the pipeline starts.
func (m *Metrics) AttachProm(p *PromMetrics) {
	m.prom = p
}

// RecordEventIn records an event accepted from the feed.
func (m *Metrics) RecordEventIn() {
	m.eventsIn.Add(1)
	if m.prom != nil {
		m.prom.eventsIn.Inc()
	}
}

// RecordApply records a successfully applied event with its latency.
func (m *Metrics) RecordApply(latencyNs int64) {
	m.eventsApplied.Add(1)
	m.applySumNs.Add(latencyNs)
	m.applyCount.Add(1)
	for {
		current := m.applyMaxNs.Load()
		if latencyNs <= current || m.applyMaxNs.CompareAndSwap(current, latencyNs) {
			break
		}
	}
	if m.prom != nil {
		m.prom.eventsApplied.Inc()
		m.prom.applyLatency.Observe(float64(latencyNs))
	}
}

// RecordSequenceGap records a detected sequence gap.
func (m *Metrics) RecordSequenceGap() {
	m.seqGaps.Add(1)
	if m.prom != nil {
		m.prom.sequenceGaps.Inc()
	}
}

// RecordSequenceDuplicate records a duplicate or out-of-order sequence number.
func (m *Metrics) RecordSequenceDuplicate() {
	m.seqDuplicates.Add(1)
	if m.prom != nil {
		m.prom.sequenceDuplicates.Inc()
	}
}

// RecordDuplicateAdd records an add rejected for reusing a live order id.
func (m *Metrics) RecordDuplicateAdd() {
	m.duplicateAdds.Add(1)
	if m.prom != nil {
		m.prom.invalidActions.WithLabelValues("add").Inc()
	}
}

// RecordInvalidCancel records a cancel for an unknown order id.
func (m *Metrics) RecordInvalidCancel() {
	m.invalidCancel.Add(1)
	if m.prom != nil {
		m.prom.invalidActions.WithLabelValues("cancel").Inc()
	}
}

// RecordInvalidModify records a modify for an unknown order id.
func (m *Metrics) RecordInvalidModify() {
	m.invalidModify.Add(1)
	if m.prom != nil {
		m.prom.invalidActions.WithLabelValues("modify").Inc()
	}
}

// RecordInvalidTrade records a trade that could not be applied.
func (m *Metrics) RecordInvalidTrade() {
	m.invalidTrade.Add(1)
	if m.prom != nil {
		m.prom.invalidActions.WithLabelValues("trade").Inc()
	}
}

// RecordCrossedBook records a book observed with bid >= ask.
func (m *Metrics) RecordCrossedBook() {
	m.crossedBooks.Add(1)
	if m.prom != nil {
		m.prom.crossedBooks.Inc()
	}
}

// RecordDecodeError records a feed frame or payload that failed to decode.
func (m *Metrics) RecordDecodeError() {
	m.decodeErrors.Add(1)
	if m.prom != nil {
		m.prom.decodeErrors.Inc()
	}
}

// RecordSnapshotPublished records a snapshot handed to the fan-out stage.
func (m *Metrics) RecordSnapshotPublished() {
	m.snapshotsPublished.Add(1)
	if m.prom != nil {
		m.prom.snapshotsPublished.Inc()
	}
}

// RecordDroppedNotifications adds n notifications evicted by a
// drop-oldest queue.
func (m *Metrics) RecordDroppedNotifications(n int) {
	m.droppedNotifications.Add(uint64(n))
	if m.prom != nil {
		m.prom.droppedNotifications.Add(float64(n))
	}
}

// RecordQueueBlocked adds time a producer spent blocked on a full queue.
func (m *Metrics) RecordQueueBlocked(ns int64) {
	m.queueBlockedNs.Add(ns)
	if m.prom != nil {
		m.prom.queueBlockedSeconds.Add(float64(ns) / 1e9)
	}
}

// RecordStorageBatch records a batch persisted with its row count.
func (m *Metrics) RecordStorageBatch(rows int) {
	m.storageBatches.Add(1)
	m.storageRows.Add(uint64(rows))
	if m.prom != nil {
		m.prom.storageBatches.Inc()
		m.prom.storageRows.Add(float64(rows))
	}
}

// RecordStorageRetry records a retried batch write.
func (m *Metrics) RecordStorageRetry() {
	m.storageRetries.Add(1)
	if m.prom != nil {
		m.prom.storageRetries.Inc()
	}
}

// RecordStorageFailure records a batch abandoned after exhausting retries.
func (m *Metrics) RecordStorageFailure() {
	m.storageFailures.Add(1)
	if m.prom != nil {
		m.prom.storageFailures.Inc()
	}
}

// RecordDiscardedRows adds rows dropped while the storage sink is degraded.
func (m *Metrics) RecordDiscardedRows(n int) {
	m.discardedRows.Add(uint64(n))
	if m.prom != nil {
		m.prom.discardedRows.Add(float64(n))
	}
}

// SetStorageDegraded flips the storage sink degraded flag.
func (m *Metrics) SetStorageDegraded(degraded bool) {
	m.storageDegraded.Store(degraded)
	if m.prom != nil {
		if degraded {
			m.prom.storageDegraded.Set(1)
		} else {
			m.prom.storageDegraded.Set(0)
		}
	}
}

// StorageDegraded reports whether the storage sink is in logging-only mode.
func (m *Metrics) StorageDegraded() bool {
	return m.storageDegraded.Load()
}

// RecordFileWrite records a snapshot file write.
func (m *Metrics) RecordFileWrite() {
	m.fileWrites.Add(1)
	if m.prom != nil {
		m.prom.fileWrites.Inc()
	}
}

// RecordFileError records a failed snapshot file write.
func (m *Metrics) RecordFileError() {
	m.fileErrors.Add(1)
	if m.prom != nil {
		m.prom.fileErrors.Inc()
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	EventsIn             uint64    `json:"events_in"`
	EventsApplied        uint64    `json:"events_applied"`
	SequenceGaps         uint64    `json:"sequence_gaps"`
	SequenceDuplicates   uint64    `json:"sequence_duplicates"`
	DuplicateAdds        uint64    `json:"duplicate_adds"`
	InvalidCancels       uint64    `json:"invalid_cancels"`
	InvalidModifies      uint64    `json:"invalid_modifies"`
	InvalidTrades        uint64    `json:"invalid_trades"`
	CrossedBooks         uint64    `json:"crossed_books"`
	DecodeErrors         uint64    `json:"decode_errors"`
	AvgApplyNs           int64     `json:"avg_apply_ns"`
	MaxApplyNs           int64     `json:"max_apply_ns"`
	SnapshotsPublished   uint64    `json:"snapshots_published"`
	DroppedNotifications uint64    `json:"dropped_notifications"`
	QueueBlockedNs       int64     `json:"queue_blocked_ns"`
	StorageBatches       uint64    `json:"storage_batches"`
	StorageRows          uint64    `json:"storage_rows"`
	StorageRetries       uint64    `json:"storage_retries"`
	StorageFailures      uint64    `json:"storage_failures"`
	DiscardedRows        uint64    `json:"discarded_rows"`
	StorageDegraded      bool      `json:"storage_degraded"`
	FileWrites           uint64    `json:"file_writes"`
	FileErrors           uint64    `json:"file_errors"`
	Timestamp            time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot. Individual loads are
// atomic; the set as a whole is not.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgApply int64
	count := m.applyCount.Load()
	if count > 0 {
		avgApply = m.applySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		EventsIn:             m.eventsIn.Load(),
		EventsApplied:        m.eventsApplied.Load(),
		SequenceGaps:         m.seqGaps.Load(),
		SequenceDuplicates:   m.seqDuplicates.Load(),
		DuplicateAdds:        m.duplicateAdds.Load(),
		InvalidCancels:       m.invalidCancel.Load(),
		InvalidModifies:      m.invalidModify.Load(),
		InvalidTrades:        m.invalidTrade.Load(),
		CrossedBooks:         m.crossedBooks.Load(),
		DecodeErrors:         m.decodeErrors.Load(),
		AvgApplyNs:           avgApply,
		MaxApplyNs:           m.applyMaxNs.Load(),
		SnapshotsPublished:   m.snapshotsPublished.Load(),
		DroppedNotifications: m.droppedNotifications.Load(),
		QueueBlockedNs:       m.queueBlockedNs.Load(),
		StorageBatches:       m.storageBatches.Load(),
		StorageRows:          m.storageRows.Load(),
		StorageRetries:       m.storageRetries.Load(),
		StorageFailures:      m.storageFailures.Load(),
		DiscardedRows:        m.discardedRows.Load(),
		StorageDegraded:      m.storageDegraded.Load(),
		FileWrites:           m.fileWrites.Load(),
		FileErrors:           m.fileErrors.Load(),
		Timestamp:            time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.eventsIn.Store(0)
	m.eventsApplied.Store(0)
	m.seqGaps.Store(0)
	m.seqDuplicates.Store(0)
	m.duplicateAdds.Store(0)
	m.invalidCancel.Store(0)
	m.invalidModify.Store(0)
	m.invalidTrade.Store(0)
	m.crossedBooks.Store(0)
	m.decodeErrors.Store(0)
	m.applySumNs.Store(0)
	m.applyCount.Store(0)
	m.applyMaxNs.Store(0)
	m.snapshotsPublished.Store(0)
	m.droppedNotifications.Store(0)
	m.queueBlockedNs.Store(0)
	m.storageBatches.Store(0)
	m.storageRows.Store(0)
	m.storageRetries.Store(0)
	m.storageFailures.Store(0)
	m.discardedRows.Store(0)
	m.storageDegraded.Store(false)
	m.fileWrites.Store(0)
	m.fileErrors.Store(0)
}
