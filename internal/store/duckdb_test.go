package store

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xtxerr/tickpipe/internal/errors"
	"github.com/xtxerr/tickpipe/internal/tick"
)

func openTestDB(t *testing.T, dsn string) *DuckDB {
	t.Helper()

	db, err := OpenDuckDB(context.Background(), DuckDBConfig{DSN: dsn, RunID: "test-run"})
	if err != nil {
		t.Fatalf("OpenDuckDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.EnsureTable(context.Background(), "ticks"); err != nil {
		t.Fatalf("EnsureTable: %v", err)
	}
	return db
}

func TestDuckDB_BulkInsert(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")

	b := makeBatch(1, 250)
	if err := db.BulkInsert(ctx, "ticks", b.Key(), b.Rows()); err != nil {
		t.Fatalf("BulkInsert: %v", err)
	}

	n, err := db.Count(ctx, "ticks")
	if err != nil {
		t.Fatal(err)
	}
	if n != 250 {
		t.Errorf("count = %d, want 250", n)
	}

	ok, err := db.Committed(ctx, b.Key())
	if err != nil || !ok {
		t.Errorf("key should be in ledger: %v %v", ok, err)
	}
}

func TestDuckDB_ReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")

	b := makeBatch(1, 10)
	for i := 0; i < 3; i++ {
		if err := db.BulkInsert(ctx, "ticks", b.Key(), b.Rows()); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}

	n, _ := db.Count(ctx, "ticks")
	if n != 10 {
		t.Errorf("count = %d, want 10", n)
	}
}

func TestDuckDB_StoredValues(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, "")

	b := tick.NewBatch(1, 1)
	b.Add(tick.Tick{
		Symbol:     "SBIN",
		Timestamp:  time.Date(2024, 3, 1, 9, 15, 0, 0, time.UTC),
		ReceivedAt: time.Date(2024, 3, 1, 9, 15, 0, 5000000, time.UTC),
		Price:      765.4,
		Size:       12,
		Side:       tick.SideSell,
		Flags:      tick.FlagOutOfOrder,
		Close:      760,
	}, time.Now())

	if err := db.BulkInsert(ctx, "ticks", b.Key(), b.Rows()); err != nil {
		t.Fatal(err)
	}

	var (
		symbol, side string
		price        float64
		ooo          bool
		seqValid     bool
	)
	err := db.db.QueryRowContext(ctx,
		`SELECT symbol, price, side, out_of_order, seq IS NOT NULL FROM ticks`).
		Scan(&symbol, &price, &side, &ooo, &seqValid)
	if err != nil {
		t.Fatal(err)
	}
	if symbol != "SBIN" || price != 765.4 || side != "sell" || !ooo || seqValid {
		t.Errorf("got %s %v %s %v %v", symbol, price, side, ooo, seqValid)
	}
}

func TestDuckDB_WrongWidthIsPermanent(t *testing.T) {
	db := openTestDB(t, "")

	err := db.BulkInsert(context.Background(), "ticks", "k", [][]any{{"only", 1}})
	if !errors.Is(err, errors.ErrPermanentWrite) {
		t.Errorf("expected permanent error, got %v", err)
	}
}

func TestDuckDB_MissingTableIsPermanent(t *testing.T) {
	db := openTestDB(t, "")

	b := makeBatch(1, 2)
	err := Classify(db.BulkInsert(context.Background(), "nope", b.Key(), b.Rows()))
	if !errors.Is(err, errors.ErrPermanentWrite) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if ok, _ := db.Committed(context.Background(), b.Key()); ok {
		t.Error("failed batch must not be in the ledger")
	}
}

func TestDuckDB_CancelledBeforeCommit(t *testing.T) {
	db := openTestDB(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := makeBatch(1, 2)
	if err := db.BulkInsert(ctx, "ticks", b.Key(), b.Rows()); err == nil {
		t.Fatal("expected error")
	}
	n, _ := db.Count(context.Background(), "ticks")
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
}

func TestDuckDB_File(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ticks.duckdb")

	db, err := OpenDuckDB(ctx, DuckDBConfig{DSN: path})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.EnsureTable(ctx, "ticks"); err != nil {
		t.Fatal(err)
	}
	b := makeBatch(3, 4)
	if err := db.BulkInsert(ctx, "ticks", b.Key(), b.Rows()); err != nil {
		t.Fatal(err)
	}
	db.Close()

	db, err = OpenDuckDB(ctx, DuckDBConfig{DSN: path})
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	if err := db.EnsureTable(ctx, "ticks"); err != nil {
		t.Fatal(err)
	}

	// The ledger survives restarts.
	if err := db.BulkInsert(ctx, "ticks", b.Key(), b.Rows()); err != nil {
		t.Fatal(err)
	}
	n, _ := db.Count(ctx, "ticks")
	if n != 4 {
		t.Errorf("count = %d, want 4", n)
	}
}

func TestDuckDB_Health(t *testing.T) {
	ctx := context.Background()

	db, err := OpenDuckDB(ctx, DuckDBConfig{DSN: ""})
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Health(ctx); err != nil {
		t.Errorf("open database should be healthy: %v", err)
	}
	db.Close()
	if err := db.Health(ctx); err == nil {
		t.Error("closed database should fail the health check")
	}
}

func TestBuildMultiRowInsert(t *testing.T) {
	rows := makeBatch(1, 3).Rows()
	query, args := buildMultiRowInsert("ticks", rows)

	if !strings.HasPrefix(query, "INSERT INTO ticks (symbol, ts,") {
		t.Errorf("query = %s", query)
	}
	if got := strings.Count(query, "?"); got != 3*len(tick.Columns) {
		t.Errorf("placeholders = %d", got)
	}
	if len(args) != 3*len(tick.Columns) {
		t.Errorf("args = %d", len(args))
	}
}
