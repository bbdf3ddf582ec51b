package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"bookpipe/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Secondary indexes on book_changes. The primary key stays; these are
// the ones dropped for bulk loads.
var sqliteSecondaryIndexes = []string{
	"idx_book_changes_symbol_seq",
	"idx_book_changes_ts",
}

// SQLite persists book changes into a local file database (pure Go
// driver, no cgo).
type SQLite struct {
	db   *gorm.DB
	bulk bool
}

// NewSQLite opens or creates the database file and migrates the
// schema. With BulkLoad set, secondary indexes are dropped until Close.
func NewSQLite(path string, opts Options) (*SQLite, error) {
	dbDir := filepath.Dir(path)
	if dbDir != "." {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&domain.BookChange{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	s := &SQLite{db: db, bulk: opts.BulkLoad}
	if opts.BulkLoad {
		if err := s.dropSecondaryIndexes(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AppendBatch inserts all rows in one multi-row statement. SQLite
// errors (locked file, full disk) can clear up, so they come back
// retriable.
func (s *SQLite) AppendBatch(ctx context.Context, rows []domain.BookChange) error {
	if len(rows) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, len(rows)).Error; err != nil {
		return domain.NewStorageError("append", err)
	}
	return nil
}

// Close rebuilds any indexes dropped for a bulk load, then releases
// the database handle.
func (s *SQLite) Close() error {
	if s.bulk {
		if err := s.createSecondaryIndexes(); err != nil {
			return err
		}
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to unwrap database handle: %w", err)
	}
	return sqlDB.Close()
}

func (s *SQLite) dropSecondaryIndexes() error {
	m := s.db.Migrator()
	for _, idx := range sqliteSecondaryIndexes {
		if !m.HasIndex(&domain.BookChange{}, idx) {
			continue
		}
		if err := m.DropIndex(&domain.BookChange{}, idx); err != nil {
			return fmt.Errorf("failed to drop index %s: %w", idx, err)
		}
	}
	return nil
}

func (s *SQLite) createSecondaryIndexes() error {
	m := s.db.Migrator()
	for _, idx := range sqliteSecondaryIndexes {
		if m.HasIndex(&domain.BookChange{}, idx) {
			continue
		}
		if err := m.CreateIndex(&domain.BookChange{}, idx); err != nil {
			return fmt.Errorf("failed to create index %s: %w", idx, err)
		}
	}
	return nil
}

// Count returns the number of persisted rows, optionally filtered by
// symbol. Used by verification tooling and tests.
func (s *SQLite) Count(symbol string) (int64, error) {
	var count int64
	q := s.db.Model(&domain.BookChange{})
	if symbol != "" {
		q = q.Where("symbol = ?", symbol)
	}
	err := q.Count(&count).Error
	return count, err
}

// LastBySymbol returns the newest row for a symbol, or nil when the
// symbol was never persisted.
func (s *SQLite) LastBySymbol(symbol string) (*domain.BookChange, error) {
	var row domain.BookChange
	err := s.db.Where("symbol = ?", symbol).Order("seq DESC").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}
