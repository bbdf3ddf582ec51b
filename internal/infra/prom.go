package infra

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromMetrics owns a private Prometheus registry and the instruments
// mirrored from Metrics. Scrapes go through Handler.
type PromMetrics struct {
	registry *prometheus.Registry

	eventsIn           prometheus.Counter
	eventsApplied      prometheus.Counter
	sequenceGaps       prometheus.Counter
	sequenceDuplicates prometheus.Counter
	invalidActions     *prometheus.CounterVec
	crossedBooks       prometheus.Counter
	decodeErrors       prometheus.Counter
	applyLatency       prometheus.Histogram

	snapshotsPublished   prometheus.Counter
	droppedNotifications prometheus.Counter
	queueBlockedSeconds  prometheus.Counter
	queueDepth           *prometheus.GaugeVec

	storageBatches  prometheus.Counter
	storageRows     prometheus.Counter
	storageRetries  prometheus.Counter
	storageFailures prometheus.Counter
	discardedRows   prometheus.Counter
	storageDegraded prometheus.Gauge

	fileWrites prometheus.Counter
	fileErrors prometheus.Counter

	goroutines prometheus.Gauge
	heapBytes  prometheus.Gauge
}

// NewPromMetrics creates and registers all instruments under the given
// namespace.
func NewPromMetrics(namespace string) *PromMetrics {
	registry := prometheus.NewRegistry()

	p := &PromMetrics{
		registry: registry,

		eventsIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_in_total",
			Help:      "Total order events accepted from the feed",
		}),
		eventsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_applied_total",
			Help:      "Total order events applied to a book",
		}),
		sequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Total sequence gaps detected per instrument stream",
		}),
		sequenceDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_duplicates_total",
			Help:      "Total duplicate or out-of-order sequence numbers",
		}),
		invalidActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_actions_total",
			Help:      "Total events tolerated as no-ops, partitioned by action",
		}, []string{"action"}),
		crossedBooks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "crossed_books_total",
			Help:      "Total books observed with best bid >= best ask",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_decode_errors_total",
			Help:      "Total feed frames or payloads that failed to decode",
		}),
		applyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_latency_nanoseconds",
			Help:      "Book apply latency in nanoseconds",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 16), // 50ns -> ~1.6ms
		}),

		snapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_published_total",
			Help:      "Total snapshots handed to the fan-out stage",
		}),
		droppedNotifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_notifications_total",
			Help:      "Total notifications evicted by drop-oldest queues",
		}),
		queueBlockedSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_blocked_seconds_total",
			Help:      "Total time producers spent blocked on full queues",
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current queue depth by queue name",
		}, []string{"queue"}),

		storageBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_batches_total",
			Help:      "Total batches persisted by the storage sink",
		}),
		storageRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_rows_total",
			Help:      "Total rows persisted by the storage sink",
		}),
		storageRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Total retried batch writes",
		}),
		storageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_failures_total",
			Help:      "Total batches abandoned after exhausting retries",
		}),
		discardedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_discarded_rows_total",
			Help:      "Total rows dropped while the storage sink is degraded",
		}),
		storageDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_degraded",
			Help:      "1 when the storage sink is in logging-only mode",
		}),

		fileWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_file_writes_total",
			Help:      "Total snapshot lines written to the market-by-price file",
		}),
		fileErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_file_errors_total",
			Help:      "Total failed snapshot file writes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
		heapBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_alloc_bytes",
			Help:      "Current heap allocation in bytes",
		}),
	}

	registry.MustRegister(
		p.eventsIn,
		p.eventsApplied,
		p.sequenceGaps,
		p.sequenceDuplicates,
		p.invalidActions,
		p.crossedBooks,
		p.decodeErrors,
		p.applyLatency,
		p.snapshotsPublished,
		p.droppedNotifications,
		p.queueBlockedSeconds,
		p.queueDepth,
		p.storageBatches,
		p.storageRows,
		p.storageRetries,
		p.storageFailures,
		p.discardedRows,
		p.storageDegraded,
		p.fileWrites,
		p.fileErrors,
		p.goroutines,
		p.heapBytes,
	)

	return p
}

// Handler returns the scrape handler for the private registry.
func (p *PromMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// SetQueueDepth updates the depth gauge for the named queue.
func (p *PromMetrics) SetQueueDepth(queue string, depth int) {
	p.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// CollectSystemMetrics samples runtime stats until ctx is cancelled.
func (p *PromMetrics) CollectSystemMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var memStats runtime.MemStats
			runtime.ReadMemStats(&memStats)
			p.heapBytes.Set(float64(memStats.HeapAlloc))
			p.goroutines.Set(float64(runtime.NumGoroutine()))
		}
	}
}
