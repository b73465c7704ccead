// Package store implements the durable metadata layer: the four tables
// (images, categories, ai_results, ai_tasks) behind typed, named-record
// operations. No caller outside this package sees raw SQL.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the sqlite-backed metadata layer. A single *sql.DB connection is
// shared by all callers; sqlite serializes writers internally, so the store
// itself holds no additional mutex.
type Store struct {
	db *sql.DB
}

// Open creates the database file and directory if needed, applies pending
// migrations, and returns a ready Store.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("store: set journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, fmt.Errorf("store: set busy timeout: %w", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("store: set migration dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// isRetryable reports whether a sqlite error is a transient lock/busy
// condition worth retrying, expressed through go-retry's backoff policy
// instead of a hand-rolled loop.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{"database is locked", "database is busy", "SQLITE_BUSY"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// withRetry runs op, retrying on transient busy/locked errors with capped
// exponential backoff. Most store methods that write go through this.
func withRetry(ctx context.Context, op func() error) error {
	backoff := retry.WithMaxRetries(4, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := op()
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}
