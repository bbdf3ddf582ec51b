package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bookpipe/internal/book"
	"bookpipe/internal/engine"
	"bookpipe/internal/feed"
	"bookpipe/internal/infra"
	"bookpipe/internal/pipeline"
	"bookpipe/internal/server"
	"bookpipe/internal/snapshot"
	"bookpipe/internal/storage"
)

const (
	systemMetricsInterval = 15 * time.Second

	// shutdownGrace bounds the drain after the feed stops. A sink that
	// cannot finish inside the window is abandoned, and whatever is
	// still queued is logged as lost.
	shutdownGrace = 30 * time.Second
)

// Bootstrap orchestrates the application startup sequence and owns the
// assembled pipeline: feed source, sharded engine, fan-out queues, the
// storage and file sinks, and the HTTP server.
type Bootstrap struct {
	Config  *infra.Config
	Metrics *infra.Metrics
	Prom    *infra.PromMetrics
	Cells   *snapshot.Registry

	backend      storage.Backend
	fan          *pipeline.Fanout
	storageQueue *pipeline.Queue
	fileQueue    *pipeline.Queue
	engine       *engine.Engine
	storageSink  *storage.Writer
	fileSink     *snapshot.Writer
	source       feed.Source
	httpServer   *server.Server
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize performs core system initialization (config, logger,
// metrics, storage, pipeline wiring). Nothing runs yet; Run starts the
// actual processing.
func (b *Bootstrap) Initialize(configPath string) error {
	slog.Info("🚀 Bootstrapping bookpipe...")

	// 1. Load Config
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	// 3. Metrics (atomic counters mirrored into Prometheus)
	b.Metrics = infra.NewMetrics()
	b.Prom = infra.NewPromMetrics("bookpipe")
	b.Metrics.AttachProm(b.Prom)

	// 4. Storage backend
	backend, err := storage.Open(cfg.Storage.DatabaseURL, storage.Options{BulkLoad: cfg.Storage.BulkLoad})
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	b.backend = backend
	slog.Info("✅ Storage backend ready", slog.String("url", cfg.Storage.DatabaseURL))

	// 5. Fan-out queues. The storage queue blocks so no row is ever
	// lost; the file queue follows the configured policy.
	filePolicy, err := pipeline.ParsePolicy(cfg.SnapshotFile.Policy)
	if err != nil {
		return err
	}
	b.storageQueue = pipeline.NewQueue("storage", cfg.Engine.QueueCapacity, pipeline.Block, b.Metrics)
	b.fileQueue = pipeline.NewQueue("file", cfg.Engine.QueueCapacity, filePolicy, b.Metrics)
	b.fan = pipeline.NewFanout()
	b.fan.AddQueue(b.storageQueue)
	b.fan.AddQueue(b.fileQueue)

	// 6. Snapshot cells + engine
	b.Cells = snapshot.NewRegistry()
	b.engine = engine.NewEngine(engine.Config{
		Shards:        cfg.Engine.Shards,
		QueueCapacity: cfg.Engine.QueueCapacity,
		SnapshotDepth: cfg.Engine.SnapshotDepth,
		Policy:        book.Policy{ModifyIncreaseKeepsPriority: cfg.Engine.ModifyIncreaseKeepsPriority},
		SymbolFor:     cfg.SymbolFor,
	}, b.fan, b.Cells, b.Metrics)

	// 7. Sinks
	b.storageSink = storage.NewWriter(storage.WriterConfig{
		BatchSize:     cfg.Storage.BatchSize,
		FlushInterval: time.Duration(cfg.Storage.FlushMS) * time.Millisecond,
		MaxRetries:    cfg.Storage.MaxRetries,
	}, b.storageQueue, b.backend, cfg.SymbolFor, b.Metrics)
	b.fileSink = snapshot.NewWriter(snapshot.WriterConfig{
		Path:     cfg.SnapshotFile.Path,
		Interval: time.Duration(cfg.SnapshotFile.IntervalMS) * time.Millisecond,
		Scale:    cfg.SnapshotFile.PriceScale,
	}, b.fileQueue, b.Cells, b.Metrics)

	// 8. Feed source
	src, err := feed.New(cfg, b.engine, b.Metrics)
	if err != nil {
		return err
	}
	b.source = src

	// 9. HTTP server
	b.httpServer = server.New(server.Config{
		Addr:       cfg.Server.Addr,
		PriceScale: cfg.SnapshotFile.PriceScale,
		SymbolFor:  cfg.SymbolFor,
		Symbols:    symbolIndex(cfg),
	}, b.Cells, b.Metrics, b.Prom)

	slog.Info("✅ Pipeline wired",
		slog.String("feed", cfg.Feed.Source),
		slog.Int("shards", cfg.Engine.Shards),
		slog.String("file_policy", cfg.SnapshotFile.Policy))
	return nil
}

// Run starts every component and blocks until the feed ends or the
// context is cancelled, then drains the pipeline in dependency order.
func (b *Bootstrap) Run(ctx context.Context) error {
	// HTTP stays up through the drain so /stats remains observable.
	serverCtx, stopServer := context.WithCancel(context.Background())
	defer stopServer()
	serverDone := make(chan error, 1)
	go func() { serverDone <- b.httpServer.Run(serverCtx) }()

	b.engine.Start()
	go b.storageSink.Run()
	go b.fileSink.Run()
	go b.reportLoop(ctx)
	go b.Prom.CollectSystemMetrics(ctx, systemMetricsInterval)

	slog.Info("✨ bookpipe fully operational")

	sourceDone := make(chan error, 1)
	go func() { sourceDone <- b.source.Run(ctx) }()

	var runErr error
	select {
	case <-ctx.Done():
		// Signal received; the source sees the same context.
		runErr = <-sourceDone
	case runErr = <-sourceDone:
	}
	if runErr != nil && ctx.Err() != nil {
		// Cancellation is a clean exit, not a failure.
		runErr = nil
	}

	// Drain: stop the engine (flushes shard inboxes, closes the
	// queues), wait for both sinks, then close storage so bulk-load
	// index rebuilds happen before exit.
	slog.Info("👋 Draining pipeline...")
	drained := make(chan struct{})
	go func() {
		b.engine.Stop()
		<-b.storageSink.Done()
		<-b.fileSink.Done()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(shutdownGrace):
		slog.Warn("Drain window expired, abandoning queued notifications",
			slog.Int("storage_queue", b.storageQueue.Len()),
			slog.Int("file_queue", b.fileQueue.Len()))
	}

	if err := b.backend.Close(); err != nil {
		slog.Error("Failed to close storage backend", slog.Any("error", err))
		if runErr == nil {
			runErr = err
		}
	}

	stopServer()
	<-serverDone

	final := b.Metrics.Snapshot()
	slog.Info("✅ Shutdown complete",
		slog.Uint64("events_in", final.EventsIn),
		slog.Uint64("events_applied", final.EventsApplied),
		slog.Uint64("rows_persisted", final.StorageRows),
		slog.Uint64("snapshots_published", final.SnapshotsPublished))
	return runErr
}

// reportLoop periodically logs the counter snapshot and refreshes the
// queue depth gauges.
func (b *Bootstrap) reportLoop(ctx context.Context) {
	interval := time.Duration(b.Config.Metrics.ReportIntervalMS) * time.Millisecond
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := b.Metrics.Snapshot()
			slog.Info("📊 Pipeline stats",
				slog.Uint64("events_in", snap.EventsIn),
				slog.Uint64("events_applied", snap.EventsApplied),
				slog.Uint64("seq_gaps", snap.SequenceGaps),
				slog.Uint64("seq_duplicates", snap.SequenceDuplicates),
				slog.Int64("avg_apply_ns", snap.AvgApplyNs),
				slog.Int64("max_apply_ns", snap.MaxApplyNs),
				slog.Uint64("rows_persisted", snap.StorageRows),
				slog.Uint64("dropped_notifications", snap.DroppedNotifications),
				slog.Int("storage_queue", b.storageQueue.Len()),
				slog.Int("file_queue", b.fileQueue.Len()),
				slog.Bool("storage_degraded", snap.StorageDegraded))
			b.Prom.SetQueueDepth(b.storageQueue.Name(), b.storageQueue.Len())
			b.Prom.SetQueueDepth(b.fileQueue.Name(), b.fileQueue.Len())
		}
	}
}

func symbolIndex(cfg *infra.Config) map[string]uint32 {
	idx := make(map[string]uint32, len(cfg.Instruments))
	for id, sym := range cfg.Instruments {
		idx[sym] = id
	}
	return idx
}
