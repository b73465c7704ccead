// Package model holds the domain types shared by the store, catalog, queue
// and worker packages. Nothing in here talks to disk, the database, or the
// network.
package model

import (
	"errors"
	"time"
)

// Error taxonomy. The HTTP layer maps these to status codes; the worker
// sends every task error, whatever its kind, through the queue's
// retry-with-backoff path until the attempt budget is spent.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate image")
	ErrInvalidFormat = errors.New("unrecognized image format")
	ErrStorageIO     = errors.New("storage I/O failure")
	ErrModelFailure  = errors.New("vision model failure")
	ErrParseFailure  = errors.New("could not parse model output")
)

// ImageFormat is one of the four magic-byte-detectable formats the catalog
// accepts.
type ImageFormat string

const (
	FormatPNG     ImageFormat = "png"
	FormatJPEG    ImageFormat = "jpeg"
	FormatGIF     ImageFormat = "gif"
	FormatWebP    ImageFormat = "webp"
	FormatUnknown ImageFormat = ""
)

// MimeType returns the canonical MIME type for a detected format.
func (f ImageFormat) MimeType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	case FormatGIF:
		return "image/gif"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// Ext returns the file extension (without the dot) used when writing the
// blob to disk.
func (f ImageFormat) Ext() string {
	switch f {
	case FormatPNG:
		return "png"
	case FormatJPEG:
		return "jpg"
	case FormatGIF:
		return "gif"
	case FormatWebP:
		return "webp"
	default:
		return "bin"
	}
}

// DefaultCategory is applied when neither the AI result nor the user
// supplied a category.
const DefaultCategory = "其他"

// Image is one catalogued picture. ImageHash is unique across all live
// images; Path is immutable once written by the Blob Store.
type Image struct {
	ID        string
	Name      string
	Category  string
	Tags      []string
	Path      string
	Size      int64
	MimeType  string
	CreatedAt time.Time
	ImageHash string
}

// Unanalyzed is an informational-only heuristic used by the UI layer; the
// core never branches on it.
func (i Image) Unanalyzed() bool {
	return len(i.Tags) == 0 && i.Category == DefaultCategory
}

// Category groups images under a shared label.
type Category struct {
	ID          string
	Name        string
	Description string
	EmojiCount  int
	CreatedAt   time.Time
}

// AutoCreatedMarker is stamped into Description when the Catalog
// auto-creates a category proposed by an AI result.
const AutoCreatedMarker = "auto-created by AI enrichment"

// AIResult is the structured output of the Vision Client, also the payload
// cached by content hash.
type AIResult struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Description string   `json:"description"`
	NewCategory string   `json:"newCategory,omitempty"`
}

// CacheEntry is one row of the AI result cache, keyed by content hash.
type CacheEntry struct {
	Hash       string
	ResultJSON string
	CreatedAt  time.Time
}

// TaskStatus is the lifecycle state of an AITask row.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskSucceeded  TaskStatus = "SUCCEEDED"
	TaskFailed     TaskStatus = "FAILED"
)

// AITask is one unit of durable enrichment work.
type AITask struct {
	ID          string
	EmojiID     string
	ImagePath   string
	ImageHash   string
	Status      TaskStatus
	Attempts    int
	LastError   string
	NextRetryAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Eligible reports whether the task is PENDING and its retry delay has
// elapsed as of now.
func (t AITask) Eligible(now time.Time) bool {
	return t.Status == TaskPending && !t.NextRetryAt.After(now)
}

// TaskStats summarizes queue depth by status, returned by Queue.Stats.
type TaskStats struct {
	Pending    int
	Processing int
	Succeeded  int
	Failed     int
}
