// Package httpapi is a thin HTTP adapter: handlers parse the request, call
// a Catalog/Queue/Worker method, and translate the result to a status code
// and a JSON body. No domain logic lives here.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/yabo083/emojiluna/internal/catalog"
	"github.com/yabo083/emojiluna/internal/model"
	"github.com/yabo083/emojiluna/internal/queue"
	"github.com/yabo083/emojiluna/internal/worker"
)

var validate = validator.New()

// Server wires the Catalog, Task Queue and Worker Loop into the HTTP
// surface. UploadToken, when non-empty, gates /upload.
type Server struct {
	Catalog     *catalog.Catalog
	Queue       *queue.Queue
	Worker      *worker.Worker
	UploadToken string
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/list", s.handleList)
	r.Get("/search", s.handleSearch)
	r.Get("/categories", s.handleListCategories)
	r.Get("/categories/{category}", s.handleRandomByCategory)
	r.Get("/tags", s.handleListTags)
	r.Get("/tags/{tag}", s.handleRandomByTag)
	r.Get("/random", s.handleRandom)
	r.Get("/get/{id}", s.handleGetByIDOrName)
	r.Post("/upload", s.handleUpload)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/categories", s.handleAddCategory)
		r.Delete("/categories/{category}", s.handleDeleteCategory)
		r.Put("/images/{id}", s.handleUpdateImage)
		r.Delete("/images/{id}", s.handleDeleteImage)
		r.Post("/images/{id}/analyze", s.handleAnalyzeImage)
		r.Post("/scan", s.handleScanFolder)
		r.Post("/import", s.handleImportFolder)
		r.Get("/tasks/stats", s.handleTaskStats)
		r.Get("/tasks/failed", s.handleListFailed)
		r.Post("/tasks/retry-failed", s.handleRetryFailed)
		r.Post("/tasks/reanalyze", s.handleReanalyzeBatch)
		r.Post("/worker/paused", s.handleSetPaused)
		r.Post("/worker/runtime-config", s.handleSetRuntimeConfig)
	})

	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-upload-token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	images, err := s.Catalog.List(r.Context(), r.URL.Query().Get("category"), r.URL.Query().Get("tag"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "images": imageResponses(images, s.Catalog.GetBaseURL())})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	keyword := strings.TrimSpace(r.URL.Query().Get("keyword"))
	if keyword == "" {
		writeErr(w, http.StatusBadRequest, errors.New("keyword is required"))
		return
	}
	images, err := s.Catalog.Search(r.Context(), keyword)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "images": imageResponses(images, s.Catalog.GetBaseURL())})
}

func (s *Server) handleListCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.Catalog.ListCategories(r.Context())
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "categories": cats})
}

func (s *Server) handleListTags(w http.ResponseWriter, r *http.Request) {
	images, err := s.Catalog.List(r.Context(), "", "")
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	seen := make(map[string]struct{})
	var tags []string
	for _, img := range images {
		for _, tag := range img.Tags {
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "tags": tags})
}

func (s *Server) handleRandomByCategory(w http.ResponseWriter, r *http.Request) {
	s.serveRandomFiltered(w, r, chi.URLParam(r, "category"), "")
}

func (s *Server) handleRandomByTag(w http.ResponseWriter, r *http.Request) {
	s.serveRandomFiltered(w, r, "", chi.URLParam(r, "tag"))
}

func (s *Server) handleRandom(w http.ResponseWriter, r *http.Request) {
	s.serveRandomFiltered(w, r, "", "")
}

func (s *Server) serveRandomFiltered(w http.ResponseWriter, r *http.Request, category, tag string) {
	images, err := s.Catalog.List(r.Context(), category, tag)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	if len(images) == 0 {
		writeErr(w, http.StatusNotFound, errors.New("no matching images"))
		return
	}
	img := images[rand.Intn(len(images))]
	s.serveImageBytes(w, r, img)
}

func (s *Server) handleGetByIDOrName(w http.ResponseWriter, r *http.Request) {
	img, err := s.Catalog.GetByIDOrName(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	s.serveImageBytes(w, r, img)
}

func (s *Server) serveImageBytes(w http.ResponseWriter, r *http.Request, img model.Image) {
	data, err := s.Catalog.Read(r.Context(), img)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	w.Header().Set("Content-Type", img.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type uploadRequest struct {
	Name       string `validate:"max=200"`
	Category   string `validate:"max=100"`
	Tags       []string
	AIAnalysis bool
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeErr(w, http.StatusUnauthorized, errors.New("invalid upload token"))
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("parse multipart: %w", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("missing 'file': %w", err))
		return
	}
	defer file.Close()

	req := uploadRequest{
		Name:       r.FormValue("name"),
		Category:   r.FormValue("category"),
		AIAnalysis: r.FormValue("aiAnalysis") == "true",
	}
	if raw := r.FormValue("tags"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Tags); err != nil {
			writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid tags JSON: %w", err))
			return
		}
	}
	if err := validate.Struct(req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	data, err := readAllLimited(file, 32<<20)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	img, err := s.Catalog.IngestFromBytes(r.Context(), catalog.IngestOptions{
		Name:     req.Name,
		Category: req.Category,
		Tags:     req.Tags,
		Enrich:   req.AIAnalysis,
	}, data)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "image": imageResponse(img, s.Catalog.GetBaseURL())})
}

func (s *Server) handleAddCategory(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `validate:"required,max=100"`
		Description string `validate:"max=500"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := validate.Struct(body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	cat, err := s.Catalog.AddCategory(r.Context(), body.Name, body.Description)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "category": cat})
}

func (s *Server) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	if err := s.Catalog.DeleteCategory(r.Context(), chi.URLParam(r, "category")); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUpdateImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Name     *string
		Category *string
		Tags     *[]string
	}
	if !decodeJSON(w, r, &body) {
		return
	}

	var img model.Image
	var err error
	switch {
	case body.Name != nil:
		img, err = s.Catalog.UpdateName(r.Context(), id, *body.Name)
	case body.Category != nil:
		img, err = s.Catalog.UpdateCategory(r.Context(), id, *body.Category)
	case body.Tags != nil:
		img, err = s.Catalog.UpdateTags(r.Context(), id, *body.Tags)
	default:
		writeErr(w, http.StatusBadRequest, errors.New("no fields to update"))
		return
	}
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "image": imageResponse(img, s.Catalog.GetBaseURL())})
}

func (s *Server) handleDeleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.Catalog.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAnalyzeImage(w http.ResponseWriter, r *http.Request) {
	img, err := s.Catalog.AnalyzeImage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "image": imageResponse(img, s.Catalog.GetBaseURL())})
}

func (s *Server) handleScanFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Dir string `validate:"required"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := validate.Struct(body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	paths, err := s.Catalog.ScanFolder(body.Dir)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "files": paths})
}

func (s *Server) handleImportFolder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Dir    string `validate:"required"`
		Enrich bool
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := validate.Struct(body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.Catalog.ImportFolder(r.Context(), body.Dir, body.Enrich)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	failed := make(map[string]string, len(result.Failed))
	for path, ferr := range result.Failed {
		failed[path] = ferr.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"imported": imageResponses(result.Imported, s.Catalog.GetBaseURL()),
		"failed":   failed,
	})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Queue.Stats(r.Context())
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"stats":   stats,
		"worker":  s.Worker.Stats(),
	})
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	ids, err := s.Queue.ListFailedEmojiIDs(r.Context())
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "emojiIds": ids})
}

func (s *Server) handleReanalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `validate:"required,min=1"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if err := validate.Struct(body); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	result, err := s.Catalog.ReanalyzeBatch(r.Context(), body.IDs)
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"enqueued": result.Enqueued,
		"skipped":  result.Skipped,
	})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	count, err := s.Queue.RetryFailed(r.Context())
	if err != nil {
		writeErr(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": count})
}

func (s *Server) handleSetPaused(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Paused bool
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	s.Worker.SetPaused(body.Paused)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSetRuntimeConfig(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Concurrency  *int `json:"concurrency"`
		BatchDelayMs *int `json:"batchDelayMs"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	cfg := s.Worker.RuntimeConfig()
	if body.Concurrency != nil && *body.Concurrency > 0 {
		cfg.Concurrency = *body.Concurrency
	}
	if body.BatchDelayMs != nil && *body.BatchDelayMs >= 0 {
		cfg.BatchDelay = msToDuration(*body.BatchDelayMs)
	}
	s.Worker.SetRuntimeConfig(cfg)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.UploadToken == "" {
		return true
	}
	if token := r.Header.Get("x-upload-token"); token == s.UploadToken {
		return true
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == s.UploadToken
	}
	return false
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidFormat):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func imageResponse(img model.Image, baseURL string) map[string]any {
	resp := map[string]any{
		"id":        img.ID,
		"name":      img.Name,
		"category":  img.Category,
		"tags":      img.Tags,
		"size":      img.Size,
		"mimeType":  img.MimeType,
		"createdAt": img.CreatedAt,
		"imageHash": img.ImageHash,
	}
	if baseURL != "" {
		resp["url"] = fmt.Sprintf("%s/get/%s", strings.TrimRight(baseURL, "/"), img.ID)
	}
	return resp
}

func imageResponses(images []model.Image, baseURL string) []map[string]any {
	out := make([]map[string]any, 0, len(images))
	for _, img := range images {
		out = append(out, imageResponse(img, baseURL))
	}
	return out
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("invalid JSON body: %w", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"success": false, "message": err.Error()})
}

func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	limited := io.LimitReader(r, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read upload body: %w", err)
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("upload exceeds maximum size of %d bytes", max)
	}
	return data, nil
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
