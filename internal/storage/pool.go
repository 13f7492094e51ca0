// Package storage provides the SQLite storage layer for agentops.
//
// It owns a database/sql handle on an embedded SQLite file opened in WAL mode
// through the pure-Go modernc.org/sqlite driver. The engine serializes writers
// while readers proceed concurrently, so no application-level locking is
// needed around individual operations. Multi-step writes that must be atomic
// (append then prune, read-merge-write of a span) go through InTx.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// DefaultRetentionMax is the per-run event cap used when none is configured.
const DefaultRetentionMax = 5000

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB is the store. A DB returned by InTx is bound to that transaction and
// must not be used after the callback returns.
type DB struct {
	conn   *sql.DB
	q      querier
	inTx   bool
	path   string
	logger *slog.Logger

	retentionMax int
	now          func() time.Time
}

// Option configures a DB.
type Option func(*DB)

// WithRetentionMax sets the per-run event cap. Zero or negative disables
// pruning.
func WithRetentionMax(n int) Option {
	return func(db *DB) { db.retentionMax = n }
}

// WithClock overrides the time source used for default timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// New opens (creating if needed) the SQLite database at path and verifies
// connectivity. Use ":memory:" for a throwaway database; it is limited to one
// connection so every query sees the same data.
func New(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("storage: database path is required")
	}
	memory := path == ":memory:"
	if !memory {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("storage: create data dir: %w", err)
			}
		}
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	if memory {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(8)
		conn.SetMaxIdleConns(8)
	}
	conn.SetConnMaxIdleTime(5 * time.Minute)

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}

	db := &DB{
		conn:         conn,
		q:            conn,
		path:         path,
		logger:       logger,
		retentionMax: DefaultRetentionMax,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// dsn builds the modernc connection string. Every pooled connection gets the
// same pragmas, and transactions take the write lock up front so concurrent
// writers queue on busy_timeout instead of failing mid-transaction.
func dsn(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		pragmas += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	return "file:" + path + "?" + pragmas + "&_txlock=immediate"
}

// InTx runs fn inside a single transaction, committing when fn returns nil
// and rolling back otherwise. Calls made on a DB that is already inside a
// transaction join it. Busy conflicts at BEGIN are retried.
func (db *DB) InTx(ctx context.Context, fn func(tx *DB) error) error {
	if db.inTx {
		return fn(db)
	}

	var tx *sql.Tx
	err := WithRetry(ctx, 3, 20*time.Millisecond, func() error {
		var err error
		tx, err = db.conn.BeginTx(ctx, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}

	txDB := *db
	txDB.q = tx
	txDB.inTx = true

	if err := fn(&txDB); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			db.logger.Warn("storage: rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// RetentionMax returns the configured per-run event cap.
func (db *DB) RetentionMax() int {
	return db.retentionMax
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes every pooled connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
