// Package queue implements durable storage for AITasks plus the claim
// protocol that lets several worker goroutines, or several worker
// processes, compete for the same backlog without double-processing a
// task.
package queue

import (
	"context"
	"time"

	"github.com/yabo083/emojiluna/internal/model"
)

// Backend is the durable half of the queue, satisfied by *store.Store. It
// is its own interface so the claim loop can be tested against a fake
// without a real database.
type Backend interface {
	EnqueueTask(ctx context.Context, task model.AITask) error
	ListEligibleTasks(ctx context.Context, now time.Time, limit int) ([]model.AITask, error)
	TryClaim(ctx context.Context, id string, now time.Time) (bool, error)
	CompleteSuccess(ctx context.Context, id string, now time.Time) error
	CompleteFail(ctx context.Context, id string, taskErr string, maxAttempts int, backoffBase time.Duration, now time.Time) error
	ResetStuck(ctx context.Context, now time.Time) (int, error)
	RetryFailed(ctx context.Context, now time.Time) (int, error)
	TaskStats(ctx context.Context) (model.TaskStats, error)
	ListFailedEmojiIDs(ctx context.Context) ([]string, error)
	SupportsConditionalClaim() bool
}

// overFetchFactor controls how many extra eligible candidates Claim pulls
// beyond the requested count, to absorb races with other claimers. A
// factor of 3 means: want 4 tasks, fetch up to 12 candidates.
const overFetchFactor = 3

// Queue is the Worker Loop's only dependency for moving tasks through
// PENDING -> PROCESSING -> {SUCCEEDED, FAILED or PENDING-with-backoff}.
type Queue struct {
	backend     Backend
	maxAttempts int
	backoffBase time.Duration
	now         func() time.Time
}

func New(backend Backend, maxAttempts int, backoffBase time.Duration) *Queue {
	return &Queue{backend: backend, maxAttempts: maxAttempts, backoffBase: backoffBase, now: time.Now}
}

// Enqueue submits a new task. model.ErrDuplicate means a non-terminal task
// already exists for this image, and is not itself an error the caller
// should surface as a failure.
func (q *Queue) Enqueue(ctx context.Context, task model.AITask) error {
	return q.backend.EnqueueTask(ctx, task)
}

// Claim fetches up to want*overFetchFactor eligible candidates and attempts
// to claim each in created_at order, stopping once want have been successfully claimed or
// the over-fetched candidate list is exhausted. Every unclaimed candidate
// lost a race to another claimer and is simply skipped — that is the
// expected, non-error outcome of concurrent polling.
func (q *Queue) Claim(ctx context.Context, want int) ([]model.AITask, error) {
	if want <= 0 {
		return nil, nil
	}
	now := q.now()
	candidates, err := q.backend.ListEligibleTasks(ctx, now, want*overFetchFactor)
	if err != nil {
		return nil, err
	}

	claimed := make([]model.AITask, 0, want)
	for _, candidate := range candidates {
		if len(claimed) == want {
			break
		}
		ok, err := q.backend.TryClaim(ctx, candidate.ID, now)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		candidate.Status = model.TaskProcessing
		candidate.UpdatedAt = now
		claimed = append(claimed, candidate)
	}
	return claimed, nil
}

// CompleteSuccess marks a claimed task SUCCEEDED.
func (q *Queue) CompleteSuccess(ctx context.Context, id string) error {
	return q.backend.CompleteSuccess(ctx, id, q.now())
}

// CompleteFail records a failed attempt, rescheduling with exponential
// backoff or marking FAILED once maxAttempts is reached.
func (q *Queue) CompleteFail(ctx context.Context, id string, taskErr error) error {
	return q.backend.CompleteFail(ctx, id, taskErr.Error(), q.maxAttempts, q.backoffBase, q.now())
}

// ResetStuck flips every PROCESSING task back to PENDING. The Worker Loop
// calls this exactly once at startup, before it starts polling.
func (q *Queue) ResetStuck(ctx context.Context) (int, error) {
	return q.backend.ResetStuck(ctx, q.now())
}

// RetryFailed resets every FAILED task to PENDING, for operator-driven
// recovery after a vision provider outage is fixed.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	return q.backend.RetryFailed(ctx, q.now())
}

// Stats reports queue depth by status.
func (q *Queue) Stats(ctx context.Context) (model.TaskStats, error) {
	return q.backend.TaskStats(ctx)
}

// ListFailedEmojiIDs returns the image IDs with a FAILED task, for
// surfacing "needs attention" in a listing endpoint.
func (q *Queue) ListFailedEmojiIDs(ctx context.Context) ([]string, error) {
	return q.backend.ListFailedEmojiIDs(ctx)
}
