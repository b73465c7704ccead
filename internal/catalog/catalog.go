// Package catalog implements the image lifecycle — ingest, update, delete,
// list/search — sitting on top of the
// Metadata Store, Blob Store, Image Inspector, Result Cache and Task
// Queue. It is the only writer of image files and the only component that
// applies the AI-result merge rule.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/yabo083/emojiluna/internal/inspector"
	"github.com/yabo083/emojiluna/internal/model"
	"github.com/yabo083/emojiluna/internal/store"
	"github.com/yabo083/emojiluna/internal/vision"
)

// Store is the subset of *store.Store the Catalog needs.
type Store interface {
	CreateImage(ctx context.Context, img model.Image) error
	GetImageByID(ctx context.Context, id string) (model.Image, error)
	GetImageByName(ctx context.Context, name string) (model.Image, error)
	GetImageByHash(ctx context.Context, hash string) (model.Image, error)
	ListImages(ctx context.Context, category, tag string) ([]model.Image, error)
	SearchImages(ctx context.Context, keyword string) ([]model.Image, error)
	UpdateImage(ctx context.Context, id string, patch ImagePatch) (model.Image, error)
	DeleteImage(ctx context.Context, id string) error
	CountImagesByCategory(ctx context.Context, category string) (int, error)

	CreateCategory(ctx context.Context, cat model.Category) error
	GetCategoryByName(ctx context.Context, name string) (model.Category, error)
	ListCategories(ctx context.Context) ([]model.Category, error)
	SetCategoryEmojiCount(ctx context.Context, name string, count int) error
	DeleteCategory(ctx context.Context, name string) error
}

// ImagePatch is store.ImagePatch, aliased so callers outside this package
// never need to import internal/store directly.
type ImagePatch = store.ImagePatch

// Cache is the Result Cache's read-through interface.
type Cache interface {
	Get(ctx context.Context, hash string) (model.AIResult, bool, error)
	Put(ctx context.Context, hash string, result model.AIResult) error
}

// Queue is the Task Queue's enqueue-side interface.
type Queue interface {
	Enqueue(ctx context.Context, task model.AITask) error
}

// Blobs is the Blob Store's interface.
type Blobs interface {
	Write(id, ext string, data []byte) (string, error)
	MoveIn(id, ext, srcPath string) (string, error)
	Read(path string) ([]byte, error)
	Delete(path string) error
}

// Config is the subset of config.Config the Catalog reads.
type Config struct {
	BaseURL               string
	Categories            []string
	AutoCategorize        bool
	AutoAnalyze           bool
	PersistAITasks        bool
	AcceptedImageTypes    []string
	EnableImageTypeFilter bool
}

// Catalog is the image lifecycle manager. All fields are supplied by the
// caller at construction, so the dependencies can be swapped for fakes in
// tests or for alternative implementations in production.
type Catalog struct {
	store  Store
	blobs  Blobs
	cache  Cache
	queue  Queue
	vision vision.Client
	cfg    Config
	log    *logrus.Logger
	now    func() time.Time

	pub *publisher
}

func New(store Store, blobs Blobs, cache Cache, queue Queue, visionClient vision.Client, cfg Config, log *logrus.Logger) *Catalog {
	return &Catalog{
		store:  store,
		blobs:  blobs,
		cache:  cache,
		queue:  queue,
		vision: visionClient,
		cfg:    cfg,
		log:    log,
		now:    time.Now,
		pub:    newPublisher(),
	}
}

// Subscribe registers for lifecycle events; call the returned func to stop
// receiving them.
func (c *Catalog) Subscribe() (<-chan Event, func()) {
	return c.pub.Subscribe()
}

// EnsureSeedCategories creates every configured seed category that does
// not already exist. Called once at startup.
func (c *Catalog) EnsureSeedCategories(ctx context.Context) error {
	for _, name := range c.cfg.Categories {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		_, err := c.store.GetCategoryByName(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := c.store.CreateCategory(ctx, model.Category{
			ID:        uuid.NewString(),
			Name:      name,
			CreatedAt: c.now(),
		}); err != nil {
			return err
		}
	}
	return nil
}

// IngestOptions carries the user-supplied side of an ingest call.
type IngestOptions struct {
	Name     string
	Category string
	Tags     []string
	Enrich   bool
}

// IngestFromBytes validates, stores and records a new image from raw bytes.
func (c *Catalog) IngestFromBytes(ctx context.Context, opts IngestOptions, data []byte) (model.Image, error) {
	format := inspector.DetectFormat(data)
	if format == model.FormatUnknown {
		return model.Image{}, model.ErrInvalidFormat
	}
	if err := c.checkTypeFilter(ctx, data, format); err != nil {
		return model.Image{}, err
	}
	hash := inspector.Hash(data)

	if existing, err := c.store.GetImageByHash(ctx, hash); err == nil {
		return model.Image{}, duplicateImageError{name: existing.Name}
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.Image{}, err
	}

	id := uuid.NewString()
	path, err := c.blobs.Write(id, format.Ext(), data)
	if err != nil {
		return model.Image{}, fmt.Errorf("%w: %v", model.ErrStorageIO, err)
	}

	img := model.Image{
		ID:        id,
		Name:      defaultName(opts.Name, id),
		Category:  defaultCategory(opts.Category),
		Tags:      opts.Tags,
		Path:      path,
		Size:      int64(len(data)),
		MimeType:  format.MimeType(),
		CreatedAt: c.now(),
		ImageHash: hash,
	}
	if err := c.insertImageAndBumpCategory(ctx, img); err != nil {
		return model.Image{}, err
	}
	c.pub.publish(Event{Kind: EventImageAdded, ImageID: img.ID})

	if opts.Enrich {
		img, err = c.startEnrichment(ctx, img)
		if err != nil {
			return img, err
		}
	}
	return img, nil
}

// IngestFromPath implements ingest_from_path: hash-then-dedup-check before
// the move, so a duplicate never consumes a slot in the Blob Store.
func (c *Catalog) IngestFromPath(ctx context.Context, opts IngestOptions, srcPath string) (model.Image, error) {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return model.Image{}, fmt.Errorf("%w: %v", model.ErrStorageIO, err)
	}
	format := inspector.DetectFormat(data)
	if format == model.FormatUnknown {
		return model.Image{}, model.ErrInvalidFormat
	}
	if err := c.checkTypeFilter(ctx, data, format); err != nil {
		return model.Image{}, err
	}
	hash := inspector.Hash(data)

	if existing, err := c.store.GetImageByHash(ctx, hash); err == nil {
		_ = os.Remove(srcPath)
		return model.Image{}, duplicateImageError{name: existing.Name}
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.Image{}, err
	}

	id := uuid.NewString()
	path, err := c.blobs.MoveIn(id, format.Ext(), srcPath)
	if err != nil {
		return model.Image{}, fmt.Errorf("%w: %v", model.ErrStorageIO, err)
	}

	img := model.Image{
		ID:        id,
		Name:      defaultName(opts.Name, id),
		Category:  defaultCategory(opts.Category),
		Tags:      opts.Tags,
		Path:      path,
		Size:      int64(len(data)),
		MimeType:  format.MimeType(),
		CreatedAt: c.now(),
		ImageHash: hash,
	}
	if err := c.insertImageAndBumpCategory(ctx, img); err != nil {
		return model.Image{}, err
	}
	c.pub.publish(Event{Kind: EventImageAdded, ImageID: img.ID})

	if opts.Enrich {
		img, err = c.startEnrichment(ctx, img)
		if err != nil {
			return img, err
		}
	}
	return img, nil
}

func (c *Catalog) insertImageAndBumpCategory(ctx context.Context, img model.Image) error {
	if err := c.store.CreateImage(ctx, img); err != nil {
		return err
	}
	count, err := c.store.CountImagesByCategory(ctx, img.Category)
	if err != nil {
		c.log.WithError(err).Warn("catalog: failed to recompute category count after insert")
		return nil
	}
	if err := c.store.SetCategoryEmojiCount(ctx, img.Category, count); err != nil {
		c.log.WithError(err).Warn("catalog: failed to persist category count")
	}
	return nil
}

// startEnrichment is the Enrich branch of ingest: a cache hit applies
// immediately and synchronously; a miss enqueues a durable task, unless
// persistAiTasks is disabled, in which case enrichment runs inline.
func (c *Catalog) startEnrichment(ctx context.Context, img model.Image) (model.Image, error) {
	if !c.cfg.AutoAnalyze {
		return img, nil
	}

	cached, hit, err := c.cache.Get(ctx, img.ImageHash)
	if err != nil {
		return img, err
	}
	if hit {
		return c.applyResult(ctx, img, cached)
	}

	if !c.cfg.PersistAITasks {
		return c.analyzeInline(ctx, img)
	}

	if err := c.enqueueTaskFor(ctx, img); err != nil && !errors.Is(err, model.ErrDuplicate) {
		return img, err
	}
	return img, nil
}

// enqueueTaskFor submits a fresh PENDING task for img. A non-terminal task
// already outstanding for the same image surfaces as model.ErrDuplicate via
// the at-most-one-non-terminal-task index, which callers are expected to
// treat as a no-op rather than a failure.
func (c *Catalog) enqueueTaskFor(ctx context.Context, img model.Image) error {
	task := model.AITask{
		ID:        uuid.NewString(),
		EmojiID:   img.ID,
		ImagePath: img.Path,
		ImageHash: img.ImageHash,
		Status:    model.TaskPending,
		CreatedAt: c.now(),
		UpdatedAt: c.now(),
	}
	return c.queue.Enqueue(ctx, task)
}

// ReanalyzeResult reports, per requested image, whether a fresh task was
// enqueued or the image was skipped (not found, or a non-terminal task was
// already outstanding for it).
type ReanalyzeResult struct {
	Enqueued []string
	Skipped  []string
}

// ReanalyzeBatch implements the operator-driven reanalyze-batch operation:
// it enqueues a fresh PENDING task for each live image in ids, the same way
// startEnrichment does on ingest, so an image that already succeeded or was
// never enriched can be pushed through the pipeline again on demand.
func (c *Catalog) ReanalyzeBatch(ctx context.Context, ids []string) (ReanalyzeResult, error) {
	var result ReanalyzeResult
	for _, id := range ids {
		img, err := c.store.GetImageByID(ctx, id)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			return result, err
		}
		if err := c.enqueueTaskFor(ctx, img); err != nil {
			if errors.Is(err, model.ErrDuplicate) {
				result.Skipped = append(result.Skipped, id)
				continue
			}
			return result, err
		}
		result.Enqueued = append(result.Enqueued, id)
	}
	return result, nil
}

// checkTypeFilter is the optional model-based pre-ingest gate: when enabled,
// it asks the Vision Client whether the image belongs to one of the
// configured accepted types before the row is ever created. A vision
// failure here fails open — a transient model outage should not block an
// otherwise-valid upload — and is only logged.
func (c *Catalog) checkTypeFilter(ctx context.Context, data []byte, format model.ImageFormat) error {
	if !c.cfg.EnableImageTypeFilter {
		return nil
	}
	frames := inspector.SampleFrames(data, 4, format)
	if len(frames) == 0 {
		frames = [][]byte{data}
	}
	result, err := c.vision.Analyze(ctx, frames, vision.PromptTypeFilter)
	if err != nil {
		c.log.WithError(err).Warn("catalog: type filter check failed, allowing upload")
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(result.Category), "reject") {
		return fmt.Errorf("%w: %s", model.ErrInvalidFormat, result.Description)
	}
	return nil
}

// AnalyzeImage implements the synchronous analyze-image service operation:
// it re-runs the Vision Client immediately regardless of cache/queue state
// and applies the result, bypassing the durable queue entirely.
func (c *Catalog) AnalyzeImage(ctx context.Context, id string) (model.Image, error) {
	img, err := c.store.GetImageByID(ctx, id)
	if err != nil {
		return model.Image{}, err
	}
	return c.analyzeInline(ctx, img)
}

func (c *Catalog) analyzeInline(ctx context.Context, img model.Image) (model.Image, error) {
	data, err := c.blobs.Read(img.Path)
	if err != nil {
		return img, fmt.Errorf("%w: %v", model.ErrStorageIO, err)
	}
	format := inspector.DetectFormat(data)
	frames := inspector.SampleFrames(data, 4, format)
	if len(frames) == 0 {
		frames = [][]byte{data}
	}

	result, err := c.vision.Analyze(ctx, frames, vision.PromptEnrich)
	if err != nil {
		return img, fmt.Errorf("%w: %v", model.ErrModelFailure, err)
	}
	if err := c.cache.Put(ctx, img.ImageHash, result); err != nil {
		c.log.WithError(err).Warn("catalog: failed to cache inline analysis result")
	}
	return c.applyResult(ctx, img, result)
}

// ApplyAIResult is the Worker Loop's hook back into the Catalog once a task
// succeeds. The cache row is written first; if the image has been deleted
// concurrently, the image update is then a clean no-op: the worker must
// not raise.
func (c *Catalog) ApplyAIResult(ctx context.Context, emojiID, imageHash string, result model.AIResult) error {
	if err := c.cache.Put(ctx, imageHash, result); err != nil {
		return err
	}
	img, err := c.store.GetImageByID(ctx, emojiID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return err
	}
	_, err = c.applyResult(ctx, img, result)
	return err
}

// applyResult is the single call site for the name/category/tags merge rule.
func (c *Catalog) applyResult(ctx context.Context, img model.Image, result model.AIResult) (model.Image, error) {
	if err := c.ensureCategory(ctx, result.NewCategory); err != nil {
		c.log.WithError(err).Warn("catalog: failed to auto-create proposed category")
	}

	name, category, tags := mergeFields(img.Name, img.Category, img.Tags, result)
	patch := ImagePatch{Name: &name, Category: &category, Tags: &tags}
	updated, err := c.store.UpdateImage(ctx, img.ID, patch)
	if err != nil {
		return img, err
	}

	if category != img.Category {
		c.recomputeCategoryCounts(ctx, img.Category, category)
	}
	c.pub.publish(Event{Kind: EventImageUpdated, ImageID: img.ID})
	return updated, nil
}

func (c *Catalog) ensureCategory(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || !c.cfg.AutoCategorize {
		return nil
	}
	if _, err := c.store.GetCategoryByName(ctx, name); err == nil {
		return nil
	} else if !errors.Is(err, model.ErrNotFound) {
		return err
	}
	return c.store.CreateCategory(ctx, model.Category{
		ID:          uuid.NewString(),
		Name:        name,
		Description: model.AutoCreatedMarker,
		CreatedAt:   c.now(),
	})
}

// Delete removes the file and row for an image, then recomputes the
// affected category's count. A concurrent worker racing this delete is
// tolerated — ApplyAIResult's not-found check absorbs it.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	img, err := c.store.GetImageByID(ctx, id)
	if err != nil {
		return err
	}
	if err := c.store.DeleteImage(ctx, id); err != nil {
		return err
	}
	if err := c.blobs.Delete(img.Path); err != nil {
		c.log.WithError(err).WithField("image_id", id).Warn("catalog: failed to delete blob after row delete")
	}
	c.recomputeCategoryCounts(ctx, img.Category)
	c.pub.publish(Event{Kind: EventImageDeleted, ImageID: id})
	return nil
}

func (c *Catalog) recomputeCategoryCounts(ctx context.Context, categories ...string) {
	seen := make(map[string]struct{}, len(categories))
	for _, name := range categories {
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		count, err := c.store.CountImagesByCategory(ctx, name)
		if err != nil {
			c.log.WithError(err).WithField("category", name).Warn("catalog: failed to recompute category count")
			continue
		}
		if err := c.store.SetCategoryEmojiCount(ctx, name, count); err != nil {
			c.log.WithError(err).WithField("category", name).Warn("catalog: failed to persist category count")
		}
	}
}

// UpdateName, UpdateCategory and UpdateTags apply a single-field patch to
// an image's metadata.
func (c *Catalog) UpdateName(ctx context.Context, id, name string) (model.Image, error) {
	return c.update(ctx, id, ImagePatch{Name: &name})
}

func (c *Catalog) UpdateCategory(ctx context.Context, id, category string) (model.Image, error) {
	return c.update(ctx, id, ImagePatch{Category: &category})
}

func (c *Catalog) UpdateTags(ctx context.Context, id string, tags []string) (model.Image, error) {
	return c.update(ctx, id, ImagePatch{Tags: &tags})
}

func (c *Catalog) update(ctx context.Context, id string, patch ImagePatch) (model.Image, error) {
	before, err := c.store.GetImageByID(ctx, id)
	if err != nil {
		return model.Image{}, err
	}
	updated, err := c.store.UpdateImage(ctx, id, patch)
	if err != nil {
		return model.Image{}, err
	}
	if patch.Category != nil && *patch.Category != before.Category {
		c.recomputeCategoryCounts(ctx, before.Category, *patch.Category)
	}
	c.pub.publish(Event{Kind: EventImageUpdated, ImageID: id})
	return updated, nil
}

// List and Search implement the non-transactional read operations.
func (c *Catalog) List(ctx context.Context, category, tag string) ([]model.Image, error) {
	return c.store.ListImages(ctx, category, tag)
}

func (c *Catalog) Search(ctx context.Context, keyword string) ([]model.Image, error) {
	return c.store.SearchImages(ctx, keyword)
}

func (c *Catalog) GetByID(ctx context.Context, id string) (model.Image, error) {
	return c.store.GetImageByID(ctx, id)
}

func (c *Catalog) GetByIDOrName(ctx context.Context, idOrName string) (model.Image, error) {
	img, err := c.store.GetImageByID(ctx, idOrName)
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.Image{}, err
	}
	return c.store.GetImageByName(ctx, idOrName)
}

func (c *Catalog) Read(ctx context.Context, img model.Image) ([]byte, error) {
	return c.blobs.Read(img.Path)
}

// AddCategory and DeleteCategory implement the operator-facing category
// management operations.
func (c *Catalog) AddCategory(ctx context.Context, name, description string) (model.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Category{}, model.ErrInvalidFormat
	}
	if _, err := c.store.GetCategoryByName(ctx, name); err == nil {
		return model.Category{}, model.ErrDuplicate
	} else if !errors.Is(err, model.ErrNotFound) {
		return model.Category{}, err
	}
	cat := model.Category{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: c.now()}
	if err := c.store.CreateCategory(ctx, cat); err != nil {
		return model.Category{}, err
	}
	return cat, nil
}

func (c *Catalog) DeleteCategory(ctx context.Context, name string) error {
	if count, err := c.store.CountImagesByCategory(ctx, name); err == nil && count > 0 {
		return fmt.Errorf("%w: category %q still has %d images", model.ErrInvalidFormat, name, count)
	}
	return c.store.DeleteCategory(ctx, name)
}

func (c *Catalog) ListCategories(ctx context.Context) ([]model.Category, error) {
	return c.store.ListCategories(ctx)
}

// GetBaseURL implements the get_base_url service operation used to build
// absolute image URLs in list/search responses.
func (c *Catalog) GetBaseURL() string {
	return c.cfg.BaseURL
}

// ScanFolder walks dir non-recursively and returns the paths of files
// whose magic bytes match a supported image format, without ingesting
// them — used by the host to preview what ImportFolder would pick up.
func (c *Catalog) ScanFolder(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrStorageIO, err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		full := filepath.Join(dir, entry.Name())
		head, err := readHead(full, 12)
		if err != nil {
			continue
		}
		if inspector.DetectFormat(head) != model.FormatUnknown {
			out = append(out, full)
		}
	}
	return out, nil
}

// ImportFolder ingests every supported image file in dir via
// IngestFromPath, continuing past per-file failures (most commonly
// DUPLICATE) and reporting them alongside the files that succeeded.
type ImportResult struct {
	Imported []model.Image
	Failed   map[string]error
}

func (c *Catalog) ImportFolder(ctx context.Context, dir string, enrich bool) (ImportResult, error) {
	paths, err := c.ScanFolder(dir)
	if err != nil {
		return ImportResult{}, err
	}
	result := ImportResult{Failed: make(map[string]error)}
	for _, path := range paths {
		img, err := c.IngestFromPath(ctx, IngestOptions{Enrich: enrich}, path)
		if err != nil {
			result.Failed[path] = err
			continue
		}
		result.Imported = append(result.Imported, img)
	}
	return result, nil
}

func readHead(path string, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && read == 0 {
		return nil, err
	}
	return buf[:read], nil
}

// duplicateImageError renders the content-hash duplicate rejection with its
// user-facing Chinese message, while still unwrapping to model.ErrDuplicate
// for status-code classification.
type duplicateImageError struct {
	name string
}

func (e duplicateImageError) Error() string {
	return fmt.Sprintf("表情包已存在: 与现有表情包 %s 重复", e.name)
}

func (e duplicateImageError) Unwrap() error {
	return model.ErrDuplicate
}

func defaultName(name, id string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	return id
}

func defaultCategory(category string) string {
	if strings.TrimSpace(category) != "" {
		return category
	}
	return model.DefaultCategory
}
