package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure Go driver, no cgo
)

// DB wraps the pipeline's SQLite connection pool. WAL mode lets readers
// proceed concurrently with the handful of single-writer services
// (SMS, TMS, candle builder) that hold short-lived write transactions.
type DB struct {
	conn *sql.DB
	path string
}

// New opens (or creates) the database file and configures the
// connection pool. poolSize mirrors the HikariCP-style sizing knob in
// spec §5 (default 10).
func New(dbPath string, poolSize int) (*DB, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("database: create directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("database: open: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("database: ping: %w", err)
	}

	if poolSize <= 0 {
		poolSize = 10
	}
	conn.SetMaxOpenConns(poolSize)
	conn.SetMaxIdleConns(poolSize)

	return &DB{conn: conn, path: dbPath}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) Conn() *sql.DB {
	return db.conn
}

// BeginImmediate starts a transaction that takes SQLite's RESERVED lock
// up front, giving the row-lock semantics spec §4.1/§4.5 need for
// update() and generate_exit_episode(): database/sql's BeginTx has no
// isolation-level knob modernc.org/sqlite maps to BEGIN IMMEDIATE, and a
// plain BeginTx takes SQLite's default DEFERRED lock, which lets two
// concurrent callers each acquire a read lock and then race (or
// deadlock) upgrading to a write lock on their first statement. Issuing
// BEGIN IMMEDIATE literally, on a connection checked out from the pool
// for the tx's sole use, makes the second caller block on open instead.
func (db *DB) BeginImmediate(ctx context.Context) (*ImmediateTx, error) {
	return BeginImmediate(ctx, db.conn)
}

// ImmediateTx wraps a *sql.Conn holding an open BEGIN IMMEDIATE
// transaction, exposing the subset of *sql.Tx's API the versioned
// substrate and SMS's episode-number allocation actually use.
type ImmediateTx struct {
	conn *sql.Conn
	done bool
}

// BeginImmediate checks out a dedicated connection from db and issues a
// literal BEGIN IMMEDIATE on it. Callers must Commit or Rollback to
// return the connection to the pool.
func BeginImmediate(ctx context.Context, db *sql.DB) (*ImmediateTx, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("database: begin immediate: acquire conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: begin immediate: %w", err)
	}
	return &ImmediateTx{conn: conn}, nil
}

func (tx *ImmediateTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return tx.conn.ExecContext(ctx, query, args...)
}

func (tx *ImmediateTx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return tx.conn.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction and releases the underlying connection
// back to the pool. A no-op if already committed or rolled back.
func (tx *ImmediateTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.conn.Close()
	if _, err := tx.conn.ExecContext(context.Background(), "COMMIT"); err != nil {
		return fmt.Errorf("database: commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction and releases the underlying
// connection back to the pool. A no-op if already committed or rolled
// back, so a deferred Rollback after a successful Commit is safe.
func (tx *ImmediateTx) Rollback() error {
	if tx.done {
		return nil
	}
	tx.done = true
	defer tx.conn.Close()
	if _, err := tx.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		return fmt.Errorf("database: rollback: %w", err)
	}
	return nil
}

// Migrate applies the schema in schema.go. Idempotent: every statement
// uses IF NOT EXISTS.
func (db *DB) Migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("database: migrate: %w", err)
		}
	}
	return nil
}
