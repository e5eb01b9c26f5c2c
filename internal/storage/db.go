// Package storage is the embedded relational substrate (§4.A): a SQLite
// database in WAL mode fronted by a prepared-statement cache, backing the
// inbox, plugin/sync state, AI ledger, and workflow tables. It mirrors the
// teacher's database/db.go (single pool, Connect/Close, embedded schema)
// generalized from a client/server Postgres pool to an embedded file.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the single *sql.DB connection devrig uses plus the statement
// cache keyed by SQL text that every repository shares.
type DB struct {
	conn  *sql.DB
	path  string
	stmts *stmtCache
}

const (
	busyTimeoutMs = 5000
	mmapBytes     = 256 * 1024 * 1024
)

// Open establishes the connection, applies the pragmas §4.A requires, and
// runs pending migrations. SQLite only tolerates a single writer at a
// time, so the pool is capped at one connection to avoid SQLITE_BUSY
// contention between schedulers and the HTTP layer; §5 calls for storage
// writes to serialize behind a coarse mutex in a threaded runtime, and a
// single-connection pool gives that for free.
func Open(ctx context.Context, path string) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=%d",
		path, busyTimeoutMs,
	)

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite database: %w", err)
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA mmap_size=%d", mmapBytes)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set mmap_size: %w", err)
	}

	db := &DB{conn: conn, path: path, stmts: newStmtCache(conn)}

	if err := db.runMigrations(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Checkpoint truncates the WAL, part of the shutdown sequence in §6.
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (db *DB) Close() error {
	db.stmts.closeAll()
	return db.conn.Close()
}

// WithTx runs fn inside a single transaction, used by every multi-row
// write that §4.A requires to be atomic (batch upsert, migrations,
// workflow node/edge bulk ops).
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Exec runs a statement pulled from the shared prepared-statement cache.
func (db *DB) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	stmt, err := db.stmts.get(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.ExecContext(ctx, args...)
}

// Query runs a statement pulled from the shared prepared-statement cache.
func (db *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := db.stmts.get(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRow runs a statement pulled from the shared prepared-statement cache.
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	stmt, err := db.stmts.get(ctx, query)
	if err != nil {
		// database/sql has no error-carrying *Row constructor; surface the
		// failure on Scan by running the query uncached on the connection.
		return db.conn.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}

// Conn exposes the raw *sql.DB for code paths (migrations, tests) that need
// it directly rather than through the cache.
func (db *DB) Conn() *sql.DB { return db.conn }
