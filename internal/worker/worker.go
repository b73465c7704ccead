// Package worker implements the background polling loop that claims
// eligible AITasks, runs them through the Vision Client, and writes the
// result back through the Catalog, with bounded concurrency and crash
// recovery.
package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sirupsen/logrus"

	"github.com/yabo083/emojiluna/internal/model"
	"github.com/yabo083/emojiluna/internal/vision"
)

// State is the worker's own lifecycle, independent of individual task
// status.
type State string

const (
	StateStopped State = "STOPPED"
	StateRunning State = "RUNNING"
	StatePaused  State = "PAUSED"
)

// Queue is the subset of *queue.Queue the loop needs.
type Queue interface {
	Claim(ctx context.Context, want int) ([]model.AITask, error)
	CompleteSuccess(ctx context.Context, id string) error
	CompleteFail(ctx context.Context, id string, taskErr error) error
	ResetStuck(ctx context.Context) (int, error)
}

// Blobs reads the stored bytes for a task's image.
type Blobs interface {
	Read(path string) ([]byte, error)
}

// VisionClient is the capability the worker calls into for enrichment.
type VisionClient = vision.Client

// ResultApplier is the Catalog's side of task completion: merge the AI
// result into the image record (and its cache entry). ApplyAIResult owns
// its own retries/consistency; the worker only needs to know whether it
// ultimately succeeded.
type ResultApplier interface {
	ApplyAIResult(ctx context.Context, emojiID, imageHash string, result model.AIResult) error
}

// Sampler turns stored image bytes into the frames the Vision Client sees.
type Sampler interface {
	DetectFormat(data []byte) model.ImageFormat
	SampleFrames(data []byte, n int, format model.ImageFormat) [][]byte
}

// RuntimeConfig is the subset of tuning knobs an operator can change on a
// running worker without a restart.
type RuntimeConfig struct {
	Concurrency int
	BatchDelay  time.Duration
}

// Worker runs the poll loop: reset stuck tasks once at startup, then
// repeatedly claim up to the available concurrency, dispatch each claimed
// task to a bounded pool of goroutines, and sleep between batches.
type Worker struct {
	queue    Queue
	blobs    Blobs
	vision   visionAdapter
	applier  ResultApplier
	sampler  Sampler
	log      *logrus.Logger
	framesN  int

	mu      sync.Mutex
	state   State
	cfg     RuntimeConfig
	active  int

	stopCh chan struct{}
	doneCh chan struct{}
}

type visionAdapter func(ctx context.Context, frames [][]byte, kind vision.PromptKind) (model.AIResult, error)

// New builds a Worker. framesPerTask bounds how many sampled frames are
// sent to the Vision Client per animated image.
func New(q Queue, blobs Blobs, vision VisionClient, applier ResultApplier, sampler Sampler, log *logrus.Logger, cfg RuntimeConfig, framesPerTask int) *Worker {
	if framesPerTask <= 0 {
		framesPerTask = 4
	}
	return &Worker{
		queue:   q,
		blobs:   blobs,
		vision:  vision.Analyze,
		applier: applier,
		sampler: sampler,
		log:     log,
		framesN: framesPerTask,
		state:   StateStopped,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Run resets any tasks stranded PROCESSING by a prior crash and then
// polls until ctx is cancelled or Stop is called. Run blocks until the loop
// has fully drained its in-flight tasks, so a caller can Stop and then
// safely tear down its dependencies.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.doneCh)

	if n, err := w.queue.ResetStuck(ctx); err != nil {
		return err
	} else if n > 0 {
		w.log.WithField("count", n).Info("worker: reset stuck tasks at startup")
	}

	w.setState(StateRunning)
	defer w.setState(StateStopped)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.stopCh:
			return nil
		default:
		}

		if w.isPaused() {
			if !w.sleepOrStop(ctx, 500*time.Millisecond) {
				return nil
			}
			continue
		}

		cfg := w.RuntimeConfig()
		claimed, err := w.queue.Claim(ctx, cfg.Concurrency)
		if err != nil {
			w.log.WithError(err).Warn("worker: claim failed")
			if !w.sleepOrStop(ctx, cfg.BatchDelay) {
				return nil
			}
			continue
		}

		if len(claimed) == 0 {
			if !w.sleepOrStop(ctx, cfg.BatchDelay) {
				return nil
			}
			continue
		}

		w.dispatch(ctx, claimed, cfg.Concurrency, cfg.BatchDelay)

		if !w.sleepOrStop(ctx, cfg.BatchDelay) {
			return nil
		}
	}
}

// Stop requests a graceful shutdown and blocks until Run has returned.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

// dispatch runs each claimed task in its own goroutine, bounded by a
// semaphore sized to the current concurrency setting, and waits for all of
// them to finish before returning — so a mid-batch concurrency change or
// pause only ever takes effect between batches, never mid-task. Successive
// dispatches within the batch are spaced by delay, so the batch itself
// never launches faster than one task every delay.
func (w *Worker) dispatch(ctx context.Context, tasks []model.AITask, concurrency int, delay time.Duration) {
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup

	for i, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			continue
		}
		wg.Add(1)
		w.incActive()
		go func(task model.AITask) {
			defer wg.Done()
			defer sem.Release(1)
			defer w.decActive()
			w.processTask(ctx, task)
		}(task)

		if i < len(tasks)-1 {
			if !w.sleepOrStop(ctx, delay) {
				break
			}
		}
	}
	wg.Wait()
}

// processTask runs one claimed task end to end: read the blob, sample
// frames, call the Vision Client, apply the result through the Catalog,
// and complete the task success or fail. Any failure completes the task
// as a failure so the queue's backoff/retry machinery takes over; the
// worker itself never retries inline.
func (w *Worker) processTask(ctx context.Context, task model.AITask) {
	data, err := w.blobs.Read(task.ImagePath)
	if err != nil {
		w.fail(ctx, task, err)
		return
	}

	format := w.sampler.DetectFormat(data)
	frames := w.sampler.SampleFrames(data, w.framesN, format)
	if len(frames) == 0 {
		frames = [][]byte{data}
	}

	result, err := w.vision(ctx, frames, vision.PromptEnrich)
	if err != nil {
		w.fail(ctx, task, err)
		return
	}

	if err := w.applier.ApplyAIResult(ctx, task.EmojiID, task.ImageHash, result); err != nil {
		w.fail(ctx, task, err)
		return
	}

	if err := w.queue.CompleteSuccess(ctx, task.ID); err != nil {
		w.log.WithError(err).WithField("task_id", task.ID).Error("worker: complete success failed")
	}
}

func (w *Worker) fail(ctx context.Context, task model.AITask, cause error) {
	w.log.WithError(cause).WithField("task_id", task.ID).WithField("emoji_id", task.EmojiID).Warn("worker: task failed")
	if err := w.queue.CompleteFail(ctx, task.ID, cause); err != nil {
		w.log.WithError(err).WithField("task_id", task.ID).Error("worker: complete fail failed")
	}
}

func (w *Worker) sleepOrStop(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// SetPaused toggles between RUNNING and PAUSED without stopping the loop;
// in-flight tasks finish normally and no new batch is claimed while paused.
func (w *Worker) SetPaused(paused bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return
	}
	if paused {
		w.state = StatePaused
	} else {
		w.state = StateRunning
	}
}

func (w *Worker) isPaused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state == StatePaused
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// SetRuntimeConfig updates concurrency/batch-delay; it takes effect at the
// next poll iteration.
func (w *Worker) SetRuntimeConfig(cfg RuntimeConfig) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cfg = cfg
}

func (w *Worker) RuntimeConfig() RuntimeConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

func (w *Worker) incActive() {
	w.mu.Lock()
	w.active++
	w.mu.Unlock()
}

func (w *Worker) decActive() {
	w.mu.Lock()
	w.active--
	w.mu.Unlock()
}

// Stats is a snapshot of worker state for a status endpoint.
type Stats struct {
	State  State
	Active int
}

func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{State: w.state, Active: w.active}
}
