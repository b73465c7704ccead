package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/yabo083/emojiluna/internal/model"
)

// CreateCategory inserts a new category row.
func (s *Store) CreateCategory(ctx context.Context, cat model.Category) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO categories (id, name, description, emoji_count, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			cat.ID, cat.Name, cat.Description, cat.EmojiCount, cat.CreatedAt.UnixMilli(),
		)
		return err
	})
}

// GetCategoryByName returns the category with the given name.
func (s *Store) GetCategoryByName(ctx context.Context, name string) (model.Category, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, emoji_count, created_at FROM categories WHERE name = ?`, name)
	return scanCategory(row)
}

// ListCategories returns all categories ordered by name.
func (s *Store) ListCategories(ctx context.Context) ([]model.Category, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, emoji_count, created_at FROM categories ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list categories: %w", err)
	}
	defer rows.Close()

	var out []model.Category
	for rows.Next() {
		var cat model.Category
		var createdMs int64
		if err := rows.Scan(&cat.ID, &cat.Name, &cat.Description, &cat.EmojiCount, &createdMs); err != nil {
			return nil, err
		}
		cat.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, cat)
	}
	return out, rows.Err()
}

// SetCategoryEmojiCount overwrites the derived emoji_count for a category.
func (s *Store) SetCategoryEmojiCount(ctx context.Context, name string, count int) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE categories SET emoji_count = ? WHERE name = ?`, count, name)
		return err
	})
}

// DeleteCategory removes a category by name. Returns model.ErrNotFound if
// absent.
func (s *Store) DeleteCategory(ctx context.Context, name string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM categories WHERE name = ?`, name)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return model.ErrNotFound
		}
		return nil
	})
}

func scanCategory(row *sql.Row) (model.Category, error) {
	var cat model.Category
	var createdMs int64
	if err := row.Scan(&cat.ID, &cat.Name, &cat.Description, &cat.EmojiCount, &createdMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Category{}, model.ErrNotFound
		}
		return model.Category{}, err
	}
	cat.CreatedAt = time.UnixMilli(createdMs)
	return cat, nil
}
