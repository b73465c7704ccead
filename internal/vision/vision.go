// Package vision defines the Vision Client capability: an opaque
// "analyze(frames, prompt-kind) -> structured result or failure"
// collaborator. The core depends only on the Client interface; callers
// supply a concrete implementation (HTTPClient here, or a test double).
package vision

import (
	"context"

	"github.com/yabo083/emojiluna/internal/model"
)

// PromptKind selects which instruction set the model should use. The core
// only ever asks for Enrich; TypeFilter exists for the optional
// acceptedImageTypes pre-ingest gate.
type PromptKind string

const (
	PromptEnrich     PromptKind = "enrich"
	PromptTypeFilter PromptKind = "type-filter"
)

// Client is the capability the Worker Loop and Catalog.analyze_image call
// into. Implementations may hit a real multimodal API, a local model
// server, or — in tests — return canned results.
type Client interface {
	Analyze(ctx context.Context, frames [][]byte, kind PromptKind) (model.AIResult, error)
}
