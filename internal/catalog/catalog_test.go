package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yabo083/emojiluna/internal/inspector"
	"github.com/yabo083/emojiluna/internal/model"
	"github.com/yabo083/emojiluna/internal/store"
	"github.com/yabo083/emojiluna/internal/vision"
)

type fakeCache struct {
	entries map[string]model.AIResult
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]model.AIResult)} }

func (c *fakeCache) Get(ctx context.Context, hash string) (model.AIResult, bool, error) {
	r, ok := c.entries[hash]
	return r, ok, nil
}

func (c *fakeCache) Put(ctx context.Context, hash string, result model.AIResult) error {
	c.entries[hash] = result
	return nil
}

type fakeQueue struct {
	enqueued    []model.AITask
	dupEmojiIDs map[string]bool
}

func (q *fakeQueue) Enqueue(ctx context.Context, task model.AITask) error {
	if q.dupEmojiIDs[task.EmojiID] {
		return model.ErrDuplicate
	}
	q.enqueued = append(q.enqueued, task)
	return nil
}

type fakeVision struct {
	result model.AIResult
	err    error
}

func (v fakeVision) Analyze(ctx context.Context, frames [][]byte, kind vision.PromptKind) (model.AIResult, error) {
	return v.result, v.err
}

func newTestCatalog(t *testing.T, cfg Config, v vision.Client) (*Catalog, *store.Store, *fakeQueue) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog-test.db")
	s, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	blobsRoot := t.TempDir()
	blobs := &testBlobs{root: blobsRoot, files: make(map[string][]byte)}
	q := &fakeQueue{}
	log := logrus.New()
	log.SetOutput(discardWriter{})

	c := New(s, blobs, newFakeCache(), q, v, cfg, log)
	return c, s, q
}

// testBlobs is an in-memory Blobs implementation good enough for ingest
// tests; it does not need real file permissions or an EXDEV fallback.
type testBlobs struct {
	root  string
	files map[string][]byte
}

func (b *testBlobs) Write(id, ext string, data []byte) (string, error) {
	path := filepath.Join(b.root, id+"."+ext)
	b.files[path] = data
	return path, nil
}

func (b *testBlobs) MoveIn(id, ext, srcPath string) (string, error) {
	data, ok := b.files[srcPath]
	if !ok {
		return "", errors.New("src not found")
	}
	delete(b.files, srcPath)
	return b.Write(id, ext, data)
}

func (b *testBlobs) Read(path string) ([]byte, error) {
	data, ok := b.files[path]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func (b *testBlobs) Delete(path string) error {
	delete(b.files, path)
	return nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func pngBytes() []byte {
	return []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3, 4, 5, 6, 7, 8}
}

func TestIngestFromBytesRejectsUnknownFormat(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{AutoAnalyze: true, PersistAITasks: true}, fakeVision{})
	_, err := c.IngestFromBytes(context.Background(), IngestOptions{}, []byte("not an image"))
	if !errors.Is(err, model.ErrInvalidFormat) {
		t.Fatalf("expected model.ErrInvalidFormat, got %v", err)
	}
}

func TestIngestFromBytesDefaultsNameAndCategory(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{}, fakeVision{})
	img, err := c.IngestFromBytes(context.Background(), IngestOptions{}, pngBytes())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if img.Name != img.ID {
		t.Fatalf("Name = %q, want the generated ID %q as fallback", img.Name, img.ID)
	}
	if img.Category != model.DefaultCategory {
		t.Fatalf("Category = %q, want default %q", img.Category, model.DefaultCategory)
	}
}

func TestIngestFromBytesRejectsDuplicateContent(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{}, fakeVision{})
	ctx := context.Background()
	data := pngBytes()
	if _, err := c.IngestFromBytes(ctx, IngestOptions{Name: "first"}, data); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	_, err := c.IngestFromBytes(ctx, IngestOptions{Name: "second"}, data)
	if !errors.Is(err, model.ErrDuplicate) {
		t.Fatalf("expected model.ErrDuplicate for identical content, got %v", err)
	}
}

func TestIngestWithEnrichCacheHitAppliesSynchronously(t *testing.T) {
	c, _, q := newTestCatalog(t, Config{AutoAnalyze: true, PersistAITasks: true}, fakeVision{})
	data := pngBytes()
	hash := inspector.Hash(data)
	c.cache.(*fakeCache).entries[hash] = model.AIResult{Name: "cached-name", Category: "cached-cat", Tags: []string{"t1"}}

	img, err := c.IngestFromBytes(context.Background(), IngestOptions{Enrich: true}, data)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if img.Name != "cached-name" || img.Category != "cached-cat" {
		t.Fatalf("expected cached result to be merged in, got name=%q category=%q", img.Name, img.Category)
	}
	if len(q.enqueued) != 0 {
		t.Fatal("a cache hit should never enqueue a durable task")
	}
}

func TestIngestWithEnrichCacheMissEnqueuesTask(t *testing.T) {
	c, _, q := newTestCatalog(t, Config{AutoAnalyze: true, PersistAITasks: true}, fakeVision{})
	_, err := c.IngestFromBytes(context.Background(), IngestOptions{Enrich: true}, pngBytes())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("len(enqueued) = %d, want 1", len(q.enqueued))
	}
}

func TestIngestWithEnrichAndNoPersistRunsInline(t *testing.T) {
	c, _, q := newTestCatalog(t, Config{AutoAnalyze: true, PersistAITasks: false}, fakeVision{result: model.AIResult{Name: "inline-name"}})
	img, err := c.IngestFromBytes(context.Background(), IngestOptions{Enrich: true}, pngBytes())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if img.Name != "inline-name" {
		t.Fatalf("Name = %q, want inline-name", img.Name)
	}
	if len(q.enqueued) != 0 {
		t.Fatal("persistAiTasks=false should never enqueue a durable task")
	}
}

func TestApplyAIResultStillCachesWhenImageWasDeleted(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{}, fakeVision{})
	err := c.ApplyAIResult(context.Background(), "does-not-exist", "somehash", model.AIResult{Name: "x"})
	if err != nil {
		t.Fatalf("expected a clean no-op for a deleted image, got %v", err)
	}
	cached, hit, err := c.cache.Get(context.Background(), "somehash")
	if err != nil {
		t.Fatalf("cache get: %v", err)
	}
	if !hit {
		t.Fatal("expected the cache row to be written even though the image was deleted")
	}
	if cached.Name != "x" {
		t.Fatalf("cached.Name = %q, want x", cached.Name)
	}
}

func TestApplyAIResultMergesAndPersists(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{AutoCategorize: true}, fakeVision{})
	ctx := context.Background()
	img, err := c.IngestFromBytes(ctx, IngestOptions{Name: "user-name", Tags: []string{"u1"}}, pngBytes())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	err = c.ApplyAIResult(ctx, img.ID, img.ImageHash, model.AIResult{Category: "动物", Tags: []string{"a1"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := c.GetByID(ctx, img.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "user-name" {
		t.Fatalf("Name = %q, want user-name preserved (AI gave no name)", got.Name)
	}
	if got.Category != "动物" {
		t.Fatalf("Category = %q, want 动物", got.Category)
	}
	if len(got.Tags) != 2 {
		t.Fatalf("Tags = %v, want a 2-element union", got.Tags)
	}
}

func TestDeleteRemovesRowAndBlob(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{}, fakeVision{})
	ctx := context.Background()
	img, err := c.IngestFromBytes(ctx, IngestOptions{}, pngBytes())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := c.Delete(ctx, img.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := c.GetByID(ctx, img.ID); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected model.ErrNotFound after delete, got %v", err)
	}
}

func TestDeleteCategoryRefusesWhenImagesRemain(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{}, fakeVision{})
	ctx := context.Background()
	if _, err := c.AddCategory(ctx, "动物", ""); err != nil {
		t.Fatalf("add category: %v", err)
	}
	if _, err := c.IngestFromBytes(ctx, IngestOptions{Category: "动物"}, pngBytes()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := c.DeleteCategory(ctx, "动物"); !errors.Is(err, model.ErrInvalidFormat) {
		t.Fatalf("expected model.ErrInvalidFormat, got %v", err)
	}
}

func TestIngestFromBytesRejectsWhenTypeFilterRejects(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{EnableImageTypeFilter: true}, fakeVision{
		result: model.AIResult{Category: "reject", Description: "not an accepted type"},
	})
	_, err := c.IngestFromBytes(context.Background(), IngestOptions{}, pngBytes())
	if !errors.Is(err, model.ErrInvalidFormat) {
		t.Fatalf("expected model.ErrInvalidFormat, got %v", err)
	}
}

func TestIngestFromBytesAllowsWhenTypeFilterAccepts(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{EnableImageTypeFilter: true}, fakeVision{
		result: model.AIResult{Category: "accept"},
	})
	if _, err := c.IngestFromBytes(context.Background(), IngestOptions{}, pngBytes()); err != nil {
		t.Fatalf("ingest: %v", err)
	}
}

func TestIngestFromBytesFailsOpenWhenTypeFilterErrors(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{EnableImageTypeFilter: true}, fakeVision{
		err: model.ErrModelFailure,
	})
	if _, err := c.IngestFromBytes(context.Background(), IngestOptions{}, pngBytes()); err != nil {
		t.Fatalf("expected a transient vision failure to fail open, got %v", err)
	}
}

func TestIngestFromBytesSkipsTypeFilterWhenDisabled(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{EnableImageTypeFilter: false}, fakeVision{
		result: model.AIResult{Category: "reject"},
	})
	if _, err := c.IngestFromBytes(context.Background(), IngestOptions{}, pngBytes()); err != nil {
		t.Fatalf("expected ingest to skip the disabled type filter, got %v", err)
	}
}

func TestReanalyzeBatchEnqueuesForLiveImagesAndSkipsMissing(t *testing.T) {
	c, _, q := newTestCatalog(t, Config{}, fakeVision{})
	ctx := context.Background()
	img, err := c.IngestFromBytes(ctx, IngestOptions{}, pngBytes())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	result, err := c.ReanalyzeBatch(ctx, []string{img.ID, "does-not-exist"})
	if err != nil {
		t.Fatalf("reanalyze: %v", err)
	}
	if len(result.Enqueued) != 1 || result.Enqueued[0] != img.ID {
		t.Fatalf("Enqueued = %v, want [%s]", result.Enqueued, img.ID)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "does-not-exist" {
		t.Fatalf("Skipped = %v, want [does-not-exist]", result.Skipped)
	}
	if len(q.enqueued) != 1 || q.enqueued[0].EmojiID != img.ID {
		t.Fatalf("enqueued = %v, want one task for %s", q.enqueued, img.ID)
	}
}

func TestReanalyzeBatchSkipsImagesWithAnOutstandingTask(t *testing.T) {
	c, _, q := newTestCatalog(t, Config{}, fakeVision{})
	ctx := context.Background()
	img, err := c.IngestFromBytes(ctx, IngestOptions{}, pngBytes())
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	q.dupEmojiIDs = map[string]bool{img.ID: true}

	result, err := c.ReanalyzeBatch(ctx, []string{img.ID})
	if err != nil {
		t.Fatalf("reanalyze: %v", err)
	}
	if len(result.Enqueued) != 0 {
		t.Fatalf("Enqueued = %v, want none", result.Enqueued)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != img.ID {
		t.Fatalf("Skipped = %v, want [%s]", result.Skipped, img.ID)
	}
}

func TestScanFolderFiltersBySupportedFormat(t *testing.T) {
	c, _, _ := newTestCatalog(t, Config{}, fakeVision{})
	dir := t.TempDir()
	writeTempFile(t, filepath.Join(dir, "a.png"), pngBytes())
	writeTempFile(t, filepath.Join(dir, "b.txt"), []byte("hello"))

	found, err := c.ScanFolder(dir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(found) != 1 || filepath.Base(found[0]) != "a.png" {
		t.Fatalf("found = %v, want only a.png", found)
	}
}

func writeTempFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
}
