// Package cache implements a content-hash-keyed store of AI results,
// fronted by an in-memory LRU so repeated hits on a popular hash skip the
// database entirely.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/yabo083/emojiluna/internal/model"
)

func timeNow() time.Time { return time.Now() }

// Backend is the durable half of the cache, satisfied by *store.Store.
type Backend interface {
	GetCacheEntry(ctx context.Context, hash string) (model.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry model.CacheEntry) error
}

// Cache layers a bounded LRU of decoded results in front of a Backend. The
// LRU is a pure performance optimization: a miss always falls through to
// the backend, and a put always writes through, so the two stay
// consistent — the cache is append-only and a hit is always the
// result originally computed for that hash.
type Cache struct {
	backend Backend
	front   *lru.Cache[string, model.AIResult]
	now     func() time.Time
}

// New builds a Cache with a front LRU sized to hold up to size decoded
// results. size <= 0 disables the front cache and every Get reads through.
func New(backend Backend, size int) (*Cache, error) {
	c := &Cache{backend: backend, now: timeNow}
	if size > 0 {
		front, err := lru.New[string, model.AIResult](size)
		if err != nil {
			return nil, fmt.Errorf("building result cache: %w", err)
		}
		c.front = front
	}
	return c, nil
}

// Get returns the cached result for hash, if any.
func (c *Cache) Get(ctx context.Context, hash string) (model.AIResult, bool, error) {
	if c.front != nil {
		if result, ok := c.front.Get(hash); ok {
			return result, true, nil
		}
	}

	entry, err := c.backend.GetCacheEntry(ctx, hash)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return model.AIResult{}, false, nil
		}
		return model.AIResult{}, false, err
	}

	var result model.AIResult
	if err := json.Unmarshal([]byte(entry.ResultJSON), &result); err != nil {
		return model.AIResult{}, false, fmt.Errorf("decoding cached result for %s: %w", hash, err)
	}
	if c.front != nil {
		c.front.Add(hash, result)
	}
	return result, true, nil
}

// Put writes result for hash through to the backend and seeds the front
// cache from the row the backend then holds. The backend's own write is
// idempotent (INSERT OR IGNORE), so a racing duplicate write from two
// concurrent workers is harmless, and a later Put for a hash already
// stored leaves both the row and the front entry at the original result.
func (c *Cache) Put(ctx context.Context, hash string, result model.AIResult) error {
	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding result for %s: %w", hash, err)
	}
	entry := model.CacheEntry{Hash: hash, ResultJSON: string(encoded), CreatedAt: c.now()}
	if err := c.backend.PutCacheEntry(ctx, entry); err != nil {
		return err
	}
	if c.front != nil {
		c.front.Remove(hash)
		_, _, _ = c.Get(ctx, hash)
	}
	return nil
}
