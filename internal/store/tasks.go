package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/yabo083/emojiluna/internal/model"
)

// EnqueueTask inserts a PENDING task. The partial unique index on
// ai_tasks(emoji_id) WHERE status IN ('PENDING','PROCESSING') enforces that
// at most one non-terminal task exists per image; a violation here
// surfaces to the caller as model.ErrDuplicate.
func (s *Store) EnqueueTask(ctx context.Context, task model.AITask) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO ai_tasks (id, emoji_id, image_path, image_hash, status, attempts, last_error, next_retry_at, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 0, '', 0, ?, ?)`,
			task.ID, task.EmojiID, task.ImagePath, task.ImageHash, string(model.TaskPending),
			task.CreatedAt.UnixMilli(), task.CreatedAt.UnixMilli(),
		)
		if err != nil && isUniqueViolation(err) {
			return model.ErrDuplicate
		}
		return err
	})
}

// ListEligibleTasks returns up to limit PENDING tasks whose next_retry_at
// has elapsed, ordered by created_at ascending (FIFO). The Worker Loop
// over-fetches relative to its available concurrency to absorb claim
// races.
func (s *Store) ListEligibleTasks(ctx context.Context, now time.Time, limit int) ([]model.AITask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, emoji_id, image_path, image_hash, status, attempts, last_error, next_retry_at, created_at, updated_at
		 FROM ai_tasks
		 WHERE status = ? AND next_retry_at <= ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		string(model.TaskPending), now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AITask
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TryClaim is the atomic claim protocol: it sets status to PROCESSING only
// if the row is currently PENDING, and reports success iff exactly one row
// changed. This is the source of truth — callers must not infer a
// successful claim from anything else.
func (s *Store) TryClaim(ctx context.Context, id string, now time.Time) (bool, error) {
	var claimed bool
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE ai_tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.TaskProcessing), now.UnixMilli(), id, string(model.TaskPending),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// SupportsConditionalClaim reports whether this store can express the
// atomic conditional UPDATE TryClaim relies on. sqlite always can; the
// seam exists so a future backend lacking it can opt into a best-effort
// read-then-set fallback instead.
func (s *Store) SupportsConditionalClaim() bool { return true }

// CompleteSuccess marks a task SUCCEEDED.
func (s *Store) CompleteSuccess(ctx context.Context, id string, now time.Time) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE ai_tasks SET status = ?, updated_at = ? WHERE id = ?`,
			string(model.TaskSucceeded), now.UnixMilli(), id,
		)
		return err
	})
}

// CompleteFail increments attempts and either reschedules the task with
// exponential backoff or marks it FAILED once maxAttempts is reached.
func (s *Store) CompleteFail(ctx context.Context, id string, taskErr string, maxAttempts int, backoffBase time.Duration, now time.Time) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var attempts int
		if err := tx.QueryRowContext(ctx, `SELECT attempts FROM ai_tasks WHERE id = ?`, id).Scan(&attempts); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.ErrNotFound
			}
			return err
		}
		attempts++

		if attempts >= maxAttempts {
			if _, err := tx.ExecContext(ctx,
				`UPDATE ai_tasks SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
				string(model.TaskFailed), attempts, taskErr, now.UnixMilli(), id,
			); err != nil {
				return err
			}
			return tx.Commit()
		}

		delay := backoffBase * time.Duration(1<<uint(attempts-1))
		nextRetry := now.Add(delay)
		if _, err := tx.ExecContext(ctx,
			`UPDATE ai_tasks SET status = ?, attempts = ?, last_error = ?, next_retry_at = ?, updated_at = ? WHERE id = ?`,
			string(model.TaskPending), attempts, taskErr, nextRetry.UnixMilli(), now.UnixMilli(), id,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ResetStuck flips every PROCESSING row back to PENDING. Called exactly
// once at worker startup.
func (s *Store) ResetStuck(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE ai_tasks SET status = ?, updated_at = ? WHERE status = ?`,
			string(model.TaskPending), now.UnixMilli(), string(model.TaskProcessing),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// RetryFailed resets every FAILED task to PENDING with attempts and
// next_retry_at cleared, returning the number of rows affected.
func (s *Store) RetryFailed(ctx context.Context, now time.Time) (int, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE ai_tasks SET status = ?, attempts = 0, next_retry_at = 0, updated_at = ? WHERE status = ?`,
			string(model.TaskPending), now.UnixMilli(), string(model.TaskFailed),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// Stats summarizes queue depth by status.
func (s *Store) TaskStats(ctx context.Context) (model.TaskStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ai_tasks GROUP BY status`)
	if err != nil {
		return model.TaskStats{}, err
	}
	defer rows.Close()

	var stats model.TaskStats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return model.TaskStats{}, err
		}
		switch model.TaskStatus(status) {
		case model.TaskPending:
			stats.Pending = count
		case model.TaskProcessing:
			stats.Processing = count
		case model.TaskSucceeded:
			stats.Succeeded = count
		case model.TaskFailed:
			stats.Failed = count
		}
	}
	return stats, rows.Err()
}

// ListFailedEmojiIDs returns the emoji_id of every FAILED task.
func (s *Store) ListFailedEmojiIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT emoji_id FROM ai_tasks WHERE status = ?`, string(model.TaskFailed))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// GetTask returns the task row with the given id, for introspection outside
// the claim protocol (e.g. tests asserting task state directly rather than
// through TaskStats).
func (s *Store) GetTask(ctx context.Context, id string) (model.AITask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, emoji_id, image_path, image_hash, status, attempts, last_error, next_retry_at, created_at, updated_at
		 FROM ai_tasks WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (model.AITask, error) {
	var t model.AITask
	var status string
	var created, updated, nextRetry int64
	if err := row.Scan(&t.ID, &t.EmojiID, &t.ImagePath, &t.ImageHash, &status, &t.Attempts, &t.LastError, &nextRetry, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.AITask{}, model.ErrNotFound
		}
		return model.AITask{}, err
	}
	t.Status = model.TaskStatus(status)
	t.NextRetryAt = time.UnixMilli(nextRetry)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}

func scanTaskRows(rows *sql.Rows) (model.AITask, error) {
	var t model.AITask
	var status string
	var created, updated, nextRetry int64
	if err := rows.Scan(&t.ID, &t.EmojiID, &t.ImagePath, &t.ImageHash, &status, &t.Attempts, &t.LastError, &nextRetry, &created, &updated); err != nil {
		return model.AITask{}, err
	}
	t.Status = model.TaskStatus(status)
	t.NextRetryAt = time.UnixMilli(nextRetry)
	t.CreatedAt = time.UnixMilli(created)
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}
