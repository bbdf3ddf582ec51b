package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/lib/pq"

	"bookpipe/internal/domain"
)

const pgCreateTableSQL = `CREATE TABLE IF NOT EXISTS book_changes (
	id          BIGSERIAL PRIMARY KEY,
	seq         BIGINT NOT NULL,
	ts_event    BIGINT NOT NULL,
	instrument  BIGINT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	action      TEXT NOT NULL,
	price       BIGINT NOT NULL,
	level_qty   BIGINT NOT NULL,
	level_count INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

var pgSecondaryIndexSQL = map[string]string{
	"idx_book_changes_symbol_seq": `CREATE INDEX IF NOT EXISTS idx_book_changes_symbol_seq ON book_changes (symbol, seq)`,
	"idx_book_changes_ts":         `CREATE INDEX IF NOT EXISTS idx_book_changes_ts ON book_changes (ts_event)`,
}

// Postgres persists book changes through COPY, one transaction per
// batch.
type Postgres struct {
	db   *sql.DB
	bulk bool
}

// NewPostgres connects to the given DSN, creating the database itself
// when it does not exist yet, and ensures the schema. With BulkLoad
// set, secondary indexes are dropped until Close.
func NewPostgres(dsn string, opts Options) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		if !isUndefinedDatabase(err) {
			db.Close()
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		if err := ensureDatabase(dsn); err != nil {
			db.Close()
			return nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to ping created database: %w", err)
		}
	}

	if _, err := db.Exec(pgCreateTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	p := &Postgres{db: db, bulk: opts.BulkLoad}
	if opts.BulkLoad {
		err = p.dropSecondaryIndexes()
	} else {
		err = p.createSecondaryIndexes()
	}
	if err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// ensureDatabase connects to the maintenance database and creates the
// target database named in the DSN.
func ensureDatabase(dsn string) error {
	u, err := url.Parse(dsn)
	if err != nil {
		return fmt.Errorf("failed to parse DSN: %w", err)
	}
	name := strings.TrimPrefix(u.Path, "/")
	if name == "" {
		return fmt.Errorf("DSN carries no database name: %s", u.Redacted())
	}

	admin := *u
	admin.Path = "/postgres"
	adminDB, err := sql.Open("postgres", admin.String())
	if err != nil {
		return fmt.Errorf("failed to open maintenance database: %w", err)
	}
	defer adminDB.Close()

	slog.Info("Creating database", slog.String("name", name))
	if _, err := adminDB.Exec("CREATE DATABASE " + pq.QuoteIdentifier(name)); err != nil && !isDuplicateDatabase(err) {
		return fmt.Errorf("failed to create database %s: %w", name, err)
	}
	return nil
}

// AppendBatch streams the rows through COPY inside one transaction.
func (p *Postgres) AppendBatch(ctx context.Context, rows []domain.BookChange) error {
	if len(rows) == 0 {
		return nil
	}

	txn, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return p.wrap("begin", err)
	}

	stmt, err := txn.PrepareContext(ctx, pq.CopyIn("book_changes",
		"seq", "ts_event", "instrument", "symbol", "side", "action",
		"price", "level_qty", "level_count", "created_at"))
	if err != nil {
		txn.Rollback()
		return p.wrap("prepare copy", err)
	}

	for _, r := range rows {
		createdAt := r.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			int64(r.Seq), r.TsEvent, int64(r.Instrument), r.Symbol, r.Side, r.Action,
			r.Price, int64(r.LevelQty), r.LevelCount, createdAt); err != nil {
			stmt.Close()
			txn.Rollback()
			return p.wrap("copy row", err)
		}
	}

	// Final empty Exec flushes the COPY buffer.
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		txn.Rollback()
		return p.wrap("copy flush", err)
	}
	if err := stmt.Close(); err != nil {
		txn.Rollback()
		return p.wrap("copy close", err)
	}
	if err := txn.Commit(); err != nil {
		return p.wrap("commit", err)
	}
	return nil
}

// Close rebuilds any indexes dropped for a bulk load, then closes the
// pool.
func (p *Postgres) Close() error {
	if p.bulk {
		if err := p.createSecondaryIndexes(); err != nil {
			p.db.Close()
			return err
		}
	}
	return p.db.Close()
}

func (p *Postgres) dropSecondaryIndexes() error {
	for name := range pgSecondaryIndexSQL {
		if _, err := p.db.Exec("DROP INDEX IF EXISTS " + pq.QuoteIdentifier(name)); err != nil {
			return fmt.Errorf("failed to drop index %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) createSecondaryIndexes() error {
	for name, ddl := range pgSecondaryIndexSQL {
		if _, err := p.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}
	return nil
}

// wrap classifies a postgres failure for the retry loop. Connection
// class errors clear up when the server comes back; schema and data
// errors will fail the same way every time.
func (p *Postgres) wrap(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "58", "XX":
			return domain.NewStorageError(op, err)
		}
		return domain.NewFatalStorageError(op, err)
	}
	// Driver-level failures (dead connection, timeout) are transient.
	return domain.NewStorageError(op, err)
}

func isUndefinedDatabase(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "3D000"
}

func isDuplicateDatabase(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P04"
}
