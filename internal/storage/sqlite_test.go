package storage

import (
	"context"
	"path/filepath"
	"testing"

	"bookpipe/internal/domain"
)

func setupTestDB(t *testing.T, opts Options) *SQLite {
	t.Helper()

	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"), opts)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	return s
}

func mkRow(symbol string, seq uint64) domain.BookChange {
	return domain.BookChange{
		Seq:        seq,
		TsEvent:    int64(seq) * 1000,
		Instrument: 1,
		Symbol:     symbol,
		Side:       "bid",
		Action:     "add",
		Price:      100,
		LevelQty:   5,
		LevelCount: 1,
	}
}

func TestAppendBatchAndCount(t *testing.T) {
	s := setupTestDB(t, Options{})
	defer s.Close()

	rows := []domain.BookChange{
		mkRow("ESU6", 1),
		mkRow("ESU6", 2),
		mkRow("NQZ6", 3),
	}

	if err := s.AppendBatch(context.Background(), rows); err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	total, err := s.Count("")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if total != 3 {
		t.Errorf("expected 3 rows, got %d", total)
	}

	es, err := s.Count("ESU6")
	if err != nil {
		t.Fatalf("Count by symbol failed: %v", err)
	}
	if es != 2 {
		t.Errorf("expected 2 ESU6 rows, got %d", es)
	}
}

func TestAppendBatchEmptyIsNoOp(t *testing.T) {
	s := setupTestDB(t, Options{})
	defer s.Close()

	if err := s.AppendBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty AppendBatch failed: %v", err)
	}
}

func TestLastBySymbol(t *testing.T) {
	s := setupTestDB(t, Options{})
	defer s.Close()

	missing, err := s.LastBySymbol("NONE")
	if err != nil {
		t.Fatalf("LastBySymbol failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown symbol")
	}

	rows := []domain.BookChange{mkRow("ESU6", 1), mkRow("ESU6", 7), mkRow("ESU6", 4)}
	if err := s.AppendBatch(context.Background(), rows); err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	last, err := s.LastBySymbol("ESU6")
	if err != nil {
		t.Fatalf("LastBySymbol failed: %v", err)
	}
	if last == nil || last.Seq != 7 {
		t.Errorf("expected newest row seq 7, got %+v", last)
	}
}

func TestBulkLoadIndexLifecycle(t *testing.T) {
	s := setupTestDB(t, Options{BulkLoad: true})

	// Secondary indexes are gone during the load.
	m := s.db.Migrator()
	for _, idx := range sqliteSecondaryIndexes {
		if m.HasIndex(&domain.BookChange{}, idx) {
			t.Errorf("expected index %s dropped during bulk load", idx)
		}
	}

	if err := s.AppendBatch(context.Background(), []domain.BookChange{mkRow("ESU6", 1)}); err != nil {
		t.Fatalf("AppendBatch failed: %v", err)
	}

	// Close rebuilds them. Verify through a fresh handle on the file.
	path := filepath.Join(t.TempDir(), "bulk.db")
	s2, err := NewSQLite(path, Options{BulkLoad: true})
	if err != nil {
		t.Fatalf("failed to open bulk db: %v", err)
	}
	if err := s2.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewSQLite(path, Options{})
	if err != nil {
		t.Fatalf("failed to reopen db: %v", err)
	}
	defer reopened.Close()
	for _, idx := range sqliteSecondaryIndexes {
		if !reopened.db.Migrator().HasIndex(&domain.BookChange{}, idx) {
			t.Errorf("expected index %s rebuilt after bulk load", idx)
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestOpenSelectsBackendByDSN(t *testing.T) {
	b, err := Open(filepath.Join(t.TempDir(), "file.db"), Options{})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer b.Close()

	if _, ok := b.(*SQLite); !ok {
		t.Errorf("expected SQLite backend for a file path, got %T", b)
	}
}
