package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yabo083/emojiluna/internal/cache"
	"github.com/yabo083/emojiluna/internal/catalog"
	"github.com/yabo083/emojiluna/internal/model"
	"github.com/yabo083/emojiluna/internal/queue"
	"github.com/yabo083/emojiluna/internal/store"
	"github.com/yabo083/emojiluna/internal/vision"
	"github.com/yabo083/emojiluna/internal/worker"
)

type noopVision struct{}

func (noopVision) Analyze(ctx context.Context, frames [][]byte, kind vision.PromptKind) (model.AIResult, error) {
	return model.AIResult{}, nil
}

type noopBlobs struct{}

func (noopBlobs) Write(id, ext string, data []byte) (string, error) { return id + "." + ext, nil }
func (noopBlobs) MoveIn(id, ext, srcPath string) (string, error)    { return id + "." + ext, nil }
func (noopBlobs) Read(path string) ([]byte, error)                 { return []byte("stub-bytes"), nil }
func (noopBlobs) Delete(path string) error                         { return nil }

type harness struct {
	server *httptest.Server
	s      *Server
}

func newHarness(t *testing.T, uploadToken string) *harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "httpapi-test.db")
	metaStore, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = metaStore.Close() })

	resultCache, err := cache.New(metaStore, 0)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	taskQueue := queue.New(metaStore, 3, time.Millisecond)
	log := logrus.New()
	log.SetOutput(discard{})

	cat := catalog.New(metaStore, noopBlobs{}, resultCache, taskQueue, noopVision{}, catalog.Config{
		AutoCategorize: true,
		AutoAnalyze:    true,
		PersistAITasks: true,
	}, log)

	w := worker.New(taskQueue, noopBlobs{}, noopVision{}, cat, stubSampler{}, log, worker.RuntimeConfig{Concurrency: 1, BatchDelay: time.Second}, 1)

	srv := &Server{Catalog: cat, Queue: taskQueue, Worker: w, UploadToken: uploadToken}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &harness{server: ts, s: srv}
}

type stubSampler struct{}

func (stubSampler) DetectFormat(data []byte) model.ImageFormat { return model.FormatPNG }
func (stubSampler) SampleFrames(data []byte, n int, format model.ImageFormat) [][]byte {
	return [][]byte{data}
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func pngBytes() []byte {
	return []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 1, 2, 3, 4, 5, 6, 7, 8}
}

func doUpload(t *testing.T, h *harness, token string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "test.png")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(pngBytes()); err != nil {
		t.Fatalf("write part: %v", err)
	}
	_ = mw.WriteField("name", "myname")
	_ = mw.Close()

	req, err := http.NewRequest(http.MethodPost, h.server.URL+"/upload", &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("x-upload-token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, "")
	resp, err := http.Get(h.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestUploadThenList(t *testing.T) {
	h := newHarness(t, "")
	resp := doUpload(t, h, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("upload status = %d, body=%s", resp.StatusCode, body)
	}

	listResp, err := http.Get(h.server.URL + "/list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	defer listResp.Body.Close()
	var decoded struct {
		Success bool             `json:"success"`
		Images  []map[string]any `json:"images"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Success || len(decoded.Images) != 1 {
		t.Fatalf("decoded = %+v, want one image", decoded)
	}
}

func TestUploadRejectedWithoutToken(t *testing.T) {
	h := newHarness(t, "secret-token")
	resp := doUpload(t, h, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestUploadAcceptedWithCorrectToken(t *testing.T) {
	h := newHarness(t, "secret-token")
	resp := doUpload(t, h, "secret-token")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSearchRequiresKeyword(t *testing.T) {
	h := newHarness(t, "")
	resp, err := http.Get(h.server.URL + "/search")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetByIDUnknownReturnsNotFound(t *testing.T) {
	h := newHarness(t, "")
	resp, err := http.Get(h.server.URL + "/get/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestAdminAddAndDeleteCategory(t *testing.T) {
	h := newHarness(t, "")
	addBody, _ := json.Marshal(map[string]any{"Name": "测试分类"})
	resp, err := http.Post(h.server.URL+"/admin/categories", "application/json", bytes.NewReader(addBody))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body=%s", resp.StatusCode, body)
	}

	req, err := http.NewRequest(http.MethodDelete, h.server.URL+"/admin/categories/测试分类", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", delResp.StatusCode)
	}
}

func TestAdminSetRuntimeConfigOverridesOnlyProvidedFields(t *testing.T) {
	h := newHarness(t, "")
	body, _ := json.Marshal(map[string]any{"concurrency": 9})
	resp, err := http.Post(h.server.URL+"/admin/worker/runtime-config", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := h.s.Worker.RuntimeConfig()
	if got.Concurrency != 9 {
		t.Fatalf("Concurrency = %d, want 9", got.Concurrency)
	}
	if got.BatchDelay != time.Second {
		t.Fatalf("BatchDelay = %v, want unchanged 1s default", got.BatchDelay)
	}
}

func TestAdminTaskStats(t *testing.T) {
	h := newHarness(t, "")
	resp, err := http.Get(h.server.URL + "/admin/tasks/stats")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
