// Package storage persists book change rows into SQL backends.
package storage

import (
	"context"
	"strings"

	"bookpipe/internal/domain"
)

// Backend is a persistence target for book change rows. AppendBatch
// errors carry retriability via domain.IsRetriable so the writer can
// tell transient outages from persistent failures.
type Backend interface {
	AppendBatch(ctx context.Context, rows []domain.BookChange) error
	Close() error
}

// Options tunes backend construction.
type Options struct {
	// BulkLoad drops secondary indexes at open and rebuilds them at
	// Close, trading query speed during the run for load throughput.
	BulkLoad bool
}

// Open selects a backend by DSN: postgres:// URLs get the Postgres
// backend, everything else is treated as an SQLite file path.
func Open(databaseURL string, opts Options) (Backend, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgres(databaseURL, opts)
	}
	return NewSQLite(databaseURL, opts)
}
