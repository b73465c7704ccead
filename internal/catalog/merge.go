package catalog

import "github.com/yabo083/emojiluna/internal/model"

// mergeFields decides the final name, category and tags for an image once
// an AI result is available, preferring AI-supplied values over user-supplied
// ones and falling back to sensible defaults. It is centralized here and
// called from both the cache-hit path (ingest) and the worker-success path
// (ApplyAIResult) so the rule can only ever be implemented once. It is a
// pure function of its inputs.
func mergeFields(userName, userCategory string, userTags []string, result model.AIResult) (name, category string, tags []string) {
	name = firstNonEmpty(result.Name, userName)
	category = firstNonEmpty(result.Category, userCategory, model.DefaultCategory)
	tags = unionPreservingOrder(userTags, result.Tags)
	return
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func unionPreservingOrder(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, tag := range list {
			if tag == "" {
				continue
			}
			if _, ok := seen[tag]; ok {
				continue
			}
			seen[tag] = struct{}{}
			out = append(out, tag)
		}
	}
	return out
}
