// Package server exposes the read-only HTTP surface of the daemon:
// health, live book snapshots, runtime stats and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"bookpipe/internal/infra"
	"bookpipe/internal/snapshot"
)

const shutdownTimeout = 5 * time.Second

// Config carries the server's tunables. Symbols maps display symbols
// back to instrument ids for /snapshot?symbol= lookups.
type Config struct {
	Addr       string
	PriceScale int32
	SymbolFor  func(uint32) string
	Symbols    map[string]uint32
}

// Server serves the read side of the pipeline. It never mutates book
// state; everything it returns comes from the snapshot registry or the
// metrics counters.
type Server struct {
	cfg     Config
	cells   *snapshot.Registry
	metrics *infra.Metrics
	prom    *infra.PromMetrics

	httpSrv *http.Server
}

// New wires the handlers. prom may be nil; /metrics then returns 404.
func New(cfg Config, cells *snapshot.Registry, metrics *infra.Metrics, prom *infra.PromMetrics) *Server {
	if cfg.SymbolFor == nil {
		cfg.SymbolFor = func(id uint32) string { return strconv.FormatUint(uint64(id), 10) }
	}
	s := &Server{cfg: cfg, cells: cells, metrics: metrics, prom: prom}
	s.httpSrv = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/instruments", s.handleInstruments)
	mux.HandleFunc("/stats", s.handleStats)
	if s.prom != nil {
		mux.Handle("/metrics", s.prom.Handler())
	}
	return mux
}

// Run serves until the context ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", slog.String("addr", s.cfg.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete", slog.Any("error", err))
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if s.metrics.StorageDegraded() {
		status = "degraded"
	}
	writeJSON(w, map[string]string{"status": status})
}

// handleSnapshot returns the latest MBP view of one book. Selection is
// by ?instrument=<id> or ?symbol=<name>; with neither, a single-book
// pipeline serves its only book. 204 means the book exists but nothing
// has been published yet.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch {
	case q.Get("instrument") != "":
		n, err := strconv.ParseUint(q.Get("instrument"), 10, 32)
		if err != nil {
			http.Error(w, "invalid instrument id", http.StatusBadRequest)
			return
		}
		s.writeSnapshot(w, uint32(n))
	case q.Get("symbol") != "":
		id, ok := s.cfg.Symbols[q.Get("symbol")]
		if !ok {
			http.Error(w, "unknown symbol", http.StatusNotFound)
			return
		}
		s.writeSnapshot(w, id)
	default:
		single := s.cells.Single()
		if single == nil {
			http.Error(w, "instrument or symbol required", http.StatusBadRequest)
			return
		}
		writeJSON(w, snapshot.Render(single, s.cfg.PriceScale))
	}
}

func (s *Server) writeSnapshot(w http.ResponseWriter, instrument uint32) {
	snap := s.cells.Latest(instrument)
	if snap == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, snapshot.Render(snap, s.cfg.PriceScale))
}

type instrumentInfo struct {
	Instrument uint32 `json:"instrument"`
	Symbol     string `json:"symbol"`
	AsOf       uint64 `json:"as_of_sequence"`
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	ids := s.cells.Instruments()
	out := make([]instrumentInfo, 0, len(ids))
	for _, id := range ids {
		info := instrumentInfo{Instrument: id, Symbol: s.cfg.SymbolFor(id)}
		if snap := s.cells.Latest(id); snap != nil {
			info.AsOf = snap.AsOfSequence
		}
		out = append(out, info)
	}
	writeJSON(w, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.metrics.Snapshot())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", slog.Any("error", err))
	}
}
