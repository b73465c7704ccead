package vision

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yabo083/emojiluna/internal/model"
)

// extractor is one strategy in the cascade: given raw model output, it
// proposes a JSON substring it believes is the structured payload. ok is
// false when the strategy finds nothing to propose.
type extractor func(raw string) (candidate string, ok bool)

// cascade is the ordered list of extraction strategies: try the raw text
// as-is, strip code fences, match outermost braces, then fall back to a
// balanced-braces scan. Earlier strategies are cheaper and more precise;
// later ones are more permissive.
var cascade = []extractor{
	asIs,
	stripCodeFences,
	outermostBraces,
	balancedBracesScan,
}

// ParseResult runs the extractor cascade over raw model output and decodes
// the first candidate that unmarshals into a model.AIResult. It returns
// model.ErrParseFailure if every strategy fails.
func ParseResult(raw string) (model.AIResult, error) {
	for _, try := range cascade {
		candidate, ok := try(raw)
		if !ok {
			continue
		}
		var result model.AIResult
		if err := json.Unmarshal([]byte(candidate), &result); err == nil {
			return result, nil
		}
	}
	return model.AIResult{}, fmt.Errorf("%w: no extractor produced valid JSON", model.ErrParseFailure)
}

func asIs(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// stripCodeFences removes a leading/trailing ```json or ``` fence, common
// when a chat-style model wraps its answer in markdown.
func stripCodeFences(raw string) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		firstLine := strings.TrimSpace(trimmed[:idx])
		if firstLine == "json" || firstLine == "" {
			trimmed = trimmed[idx+1:]
		}
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	trimmed = strings.TrimSpace(trimmed)
	if trimmed == "" {
		return "", false
	}
	return trimmed, true
}

// outermostBraces takes everything between the first '{' and the last '}'.
// Cheap and works when the model prefixes or suffixes the JSON with prose.
func outermostBraces(raw string) (string, bool) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return raw[start : end+1], true
}

// balancedBracesScan walks the string tracking brace depth and returns the
// first complete top-level {...} block, tolerating trailing prose or a
// second JSON object later in the string that outermostBraces would have
// incorrectly swallowed.
func balancedBracesScan(raw string) (string, bool) {
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, r := range raw {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					return raw[start : i+1], true
				}
			}
		}
	}
	return "", false
}
