package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yabo083/emojiluna/internal/model"
)

// GetCacheEntry returns the cached AI result for a content hash, if any.
func (s *Store) GetCacheEntry(ctx context.Context, hash string) (model.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT hash, result_json, created_at FROM ai_results WHERE hash = ?`, hash)
	var entry model.CacheEntry
	var createdMs int64
	if err := row.Scan(&entry.Hash, &entry.ResultJSON, &createdMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.CacheEntry{}, model.ErrNotFound
		}
		return model.CacheEntry{}, err
	}
	entry.CreatedAt = time.UnixMilli(createdMs)
	return entry, nil
}

// PutCacheEntry idempotently upserts a cache row. A row once written is
// never mutated — INSERT OR IGNORE leaves an existing row untouched.
func (s *Store) PutCacheEntry(ctx context.Context, entry model.CacheEntry) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO ai_results (hash, result_json, created_at) VALUES (?, ?, ?)`,
			entry.Hash, entry.ResultJSON, entry.CreatedAt.UnixMilli(),
		)
		return err
	})
}
