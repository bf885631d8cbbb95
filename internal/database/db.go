// Package database wraps database/sql with the transactional and locking
// primitives the control plane depends on: read-committed transactions with
// retry on serialization failure, and hashed advisory locks for serializing
// contention over logical resources (credential refresh, payroll runs).
package database

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// DB is the shared handle passed to every storage component.
type DB struct {
	conn *sql.DB
}

// Querier is the subset of operations shared by *sql.DB and *sql.Tx, so a
// store method can run standalone or inside a transaction unchanged.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects to Postgres and verifies connectivity.
func Open(dbURL string) (*DB, error) {
	conn, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(30 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn exposes the raw handle for callers that need the Querier surface.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Exec runs a statement outside any transaction.
func (db *DB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return res, nil
}

// QueryRow runs a single-row query outside any transaction.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, query, args...)
}

// Query runs a multi-row query outside any transaction.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Classify(err)
	}
	return rows, nil
}

const maxTxRetries = 3

// Transaction runs fn inside a read-committed transaction, retrying up to
// three times on serialization failure. Any error from fn rolls back.
func (db *DB) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 1; attempt <= maxTxRetries; attempt++ {
		tx, err := db.conn.BeginTx(ctx, &sql.TxOptions{
			Isolation: sql.LevelReadCommitted,
		})
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", Classify(err))
		}

		if err := fn(tx); err != nil {
			tx.Rollback()
			if IsSerialization(err) && attempt < maxTxRetries {
				lastErr = err
				slog.Warn("transaction serialization conflict, retrying",
					"attempt", attempt)
				continue
			}
			return err
		}

		if err := tx.Commit(); err != nil {
			if IsSerialization(err) && attempt < maxTxRetries {
				lastErr = err
				continue
			}
			return fmt.Errorf("failed to commit transaction: %w", Classify(err))
		}
		return nil
	}
	return lastErr
}

// LockKey derives the 64-bit advisory lock key for (namespace, identifier).
// FNV-64a over "namespace:identifier"; collisions only cost spurious
// serialization, never lost mutual exclusion within a namespace pair.
func LockKey(namespace, identifier string) int64 {
	h := fnv.New64a()
	h.Write([]byte(namespace))
	h.Write([]byte{':'})
	h.Write([]byte(identifier))
	return int64(h.Sum64())
}

// AdvisoryLock runs fn inside a transaction holding the transaction-scoped
// advisory lock for (namespace, identifier). The lock is released when the
// transaction commits or rolls back.
func (db *DB) AdvisoryLock(ctx context.Context, namespace, identifier string, fn func(tx *sql.Tx) error) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, LockKey(namespace, identifier)); err != nil {
			return fmt.Errorf("failed to acquire advisory lock %s/%s: %w", namespace, identifier, Classify(err))
		}
		return fn(tx)
	})
}

// TryAdvisoryLock is the non-blocking variant: if another holder exists fn is
// not run and (false, nil) is returned.
func (db *DB) TryAdvisoryLock(ctx context.Context, namespace, identifier string, fn func(tx *sql.Tx) error) (bool, error) {
	acquired := false
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		var got bool
		if err := tx.QueryRowContext(ctx, `SELECT pg_try_advisory_xact_lock($1)`, LockKey(namespace, identifier)).Scan(&got); err != nil {
			return Classify(err)
		}
		if !got {
			return nil
		}
		acquired = true
		return fn(tx)
	})
	return acquired, err
}
