package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
)

// LedgerTable records every committed batch key.
const LedgerTable = "ingest_batches"

// maxRowsPerInsert bounds the rows of one multi-row INSERT statement.
const maxRowsPerInsert = 100

// ctxCheckInterval: context is checked every N chunks.
const ctxCheckInterval = 50

// DuckDBConfig configures the DuckDB inserter.
type DuckDBConfig struct {
	// DSN is the database path. Empty means in-memory.
	DSN string

	// RunID identifies the pipeline run in the ledger.
	RunID string

	// PingTimeout bounds the connection check at open.
	PingTimeout time.Duration
}

// DuckDB is the analytical store. Rows and the batch key are written in
// one transaction, so a replayed key is a no-op.
//
// DuckDB is safe for concurrent use.
type DuckDB struct {
	db    *sql.DB
	runID string

	mu      sync.Mutex
	closed  bool
	ensured map[string]bool
}

// OpenDuckDB opens the database and bootstraps the ledger table.
func OpenDuckDB(ctx context.Context, cfg DuckDBConfig) (*DuckDB, error) {
	db, err := sql.Open("duckdb", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// DuckDB allows a single writer per process; one connection keeps the
	// in-memory database shared.
	db.SetMaxOpenConns(1)

	d := &DuckDB{
		db:      db,
		runID:   cfg.RunID,
		ensured: make(map[string]bool),
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := d.Health(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+LedgerTable+` (
			batch_key    VARCHAR PRIMARY KEY,
			table_name   VARCHAR NOT NULL,
			run_id       VARCHAR,
			row_count    INTEGER NOT NULL,
			committed_at TIMESTAMP NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger: %w", err)
	}

	return d, nil
}

// EnsureTable creates the tick table if it does not exist.
func (d *DuckDB) EnsureTable(ctx context.Context, table string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ensured[table] {
		return nil
	}

	if _, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			symbol       VARCHAR NOT NULL,
			ts           TIMESTAMP NOT NULL,
			received_at  TIMESTAMP NOT NULL,
			price        DOUBLE NOT NULL,
			size         DOUBLE,
			side         VARCHAR,
			flags        UINTEGER,
			seq          UBIGINT,
			out_of_order BOOLEAN,
			open         DOUBLE,
			high         DOUBLE,
			low          DOUBLE,
			close        DOUBLE,
			volume       DOUBLE
		)`); err != nil {
		return fmt.Errorf("create table %s: %w", table, err)
	}

	d.ensured[table] = true
	return nil
}

// BulkInsert writes rows into table and records key in the ledger, in one
// transaction. If key was already committed nothing is written.
func (d *DuckDB) BulkInsert(ctx context.Context, table, key string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	for i, row := range rows {
		if len(row) != len(tick.Columns) {
			return errors.Mark(
				fmt.Errorf("row %d has %d values, table has %d columns", i, len(row), len(tick.Columns)),
				errors.ErrPermanentWrite)
		}
	}

	return d.transaction(ctx, func(tx *sql.Tx) error {
		var seen int
		if err := tx.QueryRowContext(ctx,
			`SELECT count(*) FROM `+LedgerTable+` WHERE batch_key = ?`, key).Scan(&seen); err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if seen > 0 {
			return nil
		}

		for i := 0; i < len(rows); i += maxRowsPerInsert {
			if i > 0 && (i/maxRowsPerInsert)%ctxCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			end := min(i+maxRowsPerInsert, len(rows))
			query, args := buildMultiRowInsert(table, rows[i:end])
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("chunk %d: %w", i/maxRowsPerInsert, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO `+LedgerTable+` (batch_key, table_name, run_id, row_count, committed_at)
			VALUES (?, ?, ?, ?, ?)`,
			key, table, d.runID, len(rows), time.Now().UTC()); err != nil {
			return fmt.Errorf("record batch: %w", err)
		}
		return nil
	})
}

// transaction runs fn in a transaction. The context is checked before
// commit so a timed-out attempt never commits late.
func (d *DuckDB) transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original: %w)", rbErr, err)
		}
		return err
	}

	if err := ctx.Err(); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("context cancelled before commit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// buildMultiRowInsert builds one INSERT statement for rows.
func buildMultiRowInsert(table string, rows [][]any) (string, []any) {
	cols := len(tick.Columns)
	args := make([]any, 0, len(rows)*cols)

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?,", cols), ",") + ")"

	var query strings.Builder
	query.Grow(64 + len(rows)*(len(placeholder)+1))
	query.WriteString("INSERT INTO ")
	query.WriteString(table)
	query.WriteString(" (")
	query.WriteString(strings.Join(tick.Columns, ", "))
	query.WriteString(") VALUES ")

	for i, row := range rows {
		if i > 0 {
			query.WriteByte(',')
		}
		query.WriteString(placeholder)
		args = append(args, row...)
	}

	return query.String(), args
}

// Count returns the number of rows in table.
func (d *DuckDB) Count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := d.db.QueryRowContext(ctx, `SELECT count(*) FROM `+table).Scan(&n)
	return n, err
}

// Committed reports whether key is in the ledger.
func (d *DuckDB) Committed(ctx context.Context, key string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT count(*) FROM `+LedgerTable+` WHERE batch_key = ?`, key).Scan(&n)
	return n > 0, err
}

// Health checks database connectivity.
func (d *DuckDB) Health(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database.
func (d *DuckDB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	return d.db.Close()
}
