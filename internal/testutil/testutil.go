// Package testutil provides shared test infrastructure: a migrated SQLite
// database in a per-test temp directory and a quiet logger.
//
// Usage:
//
//	func TestSomething(t *testing.T) {
//	    db := testutil.NewTestDB(t)
//	    ...
//	}
package testutil

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashita-ai/agentops/internal/storage"
	"github.com/ashita-ai/agentops/migrations"
)

// NewTestDB opens a fresh database file under t.TempDir(), applies every
// migration and closes it when the test ends. Options are passed through to
// storage.New.
func NewTestDB(t testing.TB, opts ...storage.Option) *storage.DB {
	t.Helper()
	ctx := context.Background()

	db, err := storage.New(ctx, filepath.Join(t.TempDir(), "agentops.db"), TestLogger(), opts...)
	if err != nil {
		t.Fatalf("testutil: open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		t.Fatalf("testutil: run migrations: %v", err)
	}
	return db
}

// FixedClock returns a clock pinned to t, for storage.WithClock and the
// analyzer.
func FixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
