package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yabo083/emojiluna/internal/model"
)

// CreateImage inserts a new image row. Callers must have already checked
// for a duplicate image_hash; a UNIQUE violation here surfaces as
// model.ErrDuplicate.
func (s *Store) CreateImage(ctx context.Context, img model.Image) error {
	tagsJSON, err := json.Marshal(img.Tags)
	if err != nil {
		return fmt.Errorf("store: marshal tags: %w", err)
	}
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO images (id, name, category, tags, path, size, mime_type, created_at, image_hash)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			img.ID, img.Name, img.Category, string(tagsJSON), img.Path, img.Size, img.MimeType,
			img.CreatedAt.UnixMilli(), img.ImageHash,
		)
		if err != nil && isUniqueViolation(err) {
			return model.ErrDuplicate
		}
		return err
	})
}

// GetImageByID returns the image row with the given id.
func (s *Store) GetImageByID(ctx context.Context, id string) (model.Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, tags, path, size, mime_type, created_at, image_hash
		 FROM images WHERE id = ?`, id)
	return scanImage(row)
}

// GetImageByName returns the first image whose name matches exactly.
func (s *Store) GetImageByName(ctx context.Context, name string) (model.Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, tags, path, size, mime_type, created_at, image_hash
		 FROM images WHERE name = ? ORDER BY created_at ASC LIMIT 1`, name)
	return scanImage(row)
}

// GetImageByHash returns the live image with the given content hash, if
// any. Used by the Catalog's duplicate check.
func (s *Store) GetImageByHash(ctx context.Context, hash string) (model.Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, category, tags, path, size, mime_type, created_at, image_hash
		 FROM images WHERE image_hash = ?`, hash)
	return scanImage(row)
}

// ListImages returns images matching an optional category and/or tag
// filter, newest first.
func (s *Store) ListImages(ctx context.Context, category string, tag string) ([]model.Image, error) {
	query := `SELECT id, name, category, tags, path, size, mime_type, created_at, image_hash FROM images`
	var args []any
	var clauses []string
	if category != "" {
		clauses = append(clauses, "category = ?")
		args = append(args, category)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list images: %w", err)
	}
	defer rows.Close()

	var out []model.Image
	for rows.Next() {
		img, err := scanImageRows(rows)
		if err != nil {
			return nil, err
		}
		if tag != "" && !hasTag(img.Tags, tag) {
			continue
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

// SearchImages returns images whose name or any tag contains keyword
// (case-insensitive substring match).
func (s *Store) SearchImages(ctx context.Context, keyword string) ([]model.Image, error) {
	all, err := s.ListImages(ctx, "", "")
	if err != nil {
		return nil, err
	}
	needle := strings.ToLower(keyword)
	out := make([]model.Image, 0, len(all))
	for _, img := range all {
		if strings.Contains(strings.ToLower(img.Name), needle) {
			out = append(out, img)
			continue
		}
		for _, t := range img.Tags {
			if strings.Contains(strings.ToLower(t), needle) {
				out = append(out, img)
				break
			}
		}
	}
	return out, nil
}

// ImagePatch is a partial update applied by UpdateImage; nil fields are
// left unchanged.
type ImagePatch struct {
	Name     *string
	Category *string
	Tags     *[]string
}

// UpdateImage applies patch to the image row with the given id and returns
// the row as it reads after the update.
func (s *Store) UpdateImage(ctx context.Context, id string, patch ImagePatch) (model.Image, error) {
	var tagsJSON *string
	if patch.Tags != nil {
		raw, err := json.Marshal(*patch.Tags)
		if err != nil {
			return model.Image{}, fmt.Errorf("store: marshal tags: %w", err)
		}
		raws := string(raw)
		tagsJSON = &raws
	}
	err := withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE images SET
			   name = COALESCE(?, name),
			   category = COALESCE(?, category),
			   tags = COALESCE(?, tags)
			 WHERE id = ?`,
			patch.Name, patch.Category, tagsJSON, id,
		)
		return err
	})
	if err != nil {
		return model.Image{}, err
	}
	return s.GetImageByID(ctx, id)
}

// DeleteImage removes the image row with the given id. Returns
// model.ErrNotFound if no such row exists.
func (s *Store) DeleteImage(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM images WHERE id = ?`, id)
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

// CountImagesByCategory returns the number of live images whose category
// matches name, used to recompute Category.EmojiCount.
func (s *Store) CountImagesByCategory(ctx context.Context, name string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE category = ?`, name).Scan(&n)
	return n, err
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

func scanImage(row *sql.Row) (model.Image, error) {
	var img model.Image
	var tagsJSON string
	var createdMs int64
	if err := row.Scan(&img.ID, &img.Name, &img.Category, &tagsJSON, &img.Path, &img.Size, &img.MimeType, &createdMs, &img.ImageHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Image{}, model.ErrNotFound
		}
		return model.Image{}, err
	}
	img.CreatedAt = time.UnixMilli(createdMs)
	if err := json.Unmarshal([]byte(tagsJSON), &img.Tags); err != nil {
		return model.Image{}, fmt.Errorf("store: unmarshal tags: %w", err)
	}
	return img, nil
}

func scanImageRows(rows *sql.Rows) (model.Image, error) {
	var img model.Image
	var tagsJSON string
	var createdMs int64
	if err := rows.Scan(&img.ID, &img.Name, &img.Category, &tagsJSON, &img.Path, &img.Size, &img.MimeType, &createdMs, &img.ImageHash); err != nil {
		return model.Image{}, err
	}
	img.CreatedAt = time.UnixMilli(createdMs)
	if err := json.Unmarshal([]byte(tagsJSON), &img.Tags); err != nil {
		return model.Image{}, fmt.Errorf("store: unmarshal tags: %w", err)
	}
	return img, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
