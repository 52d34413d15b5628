package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/platinummonkey/hangar/pkg/plugins"
)

// ManifestCache memoizes parsed manifests keyed by path, modification time
// and size. A changed file produces a new key, so a stale entry is never
// returned for it.
type ManifestCache struct {
	cache  *lru.LRU[string, *plugins.Manifest]
	hits   atomic.Int64
	misses atomic.Int64
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	ItemCount int     `json:"item_count"`
	HitRate   float64 `json:"hit_rate"`
}

// NewManifestCache creates a cache holding at most size manifests for ttl.
func NewManifestCache(size int, ttl time.Duration) *ManifestCache {
	if size < 16 {
		size = 16
	}
	return &ManifestCache{
		cache: lru.NewLRU[string, *plugins.Manifest](size, nil, ttl),
	}
}

func cacheKey(path string, info os.FileInfo) string {
	return fmt.Sprintf("%s|%d|%d", path, info.ModTime().UnixNano(), info.Size())
}

// Load parses the manifest at path, serving a cached copy when the file is
// unchanged. Callers always receive their own copy.
func (c *ManifestCache) Load(path string, opts ...plugins.ParseOption) (*plugins.Manifest, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	key := cacheKey(abs, info)
	if m, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return m.Clone(), nil
	}
	c.misses.Add(1)

	m, err := plugins.LoadManifest(abs, opts...)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, m.Clone())
	return m, nil
}

// Invalidate drops every entry for a path at or below prefix.
func (c *ManifestCache) Invalidate(prefix string) int {
	abs, err := filepath.Abs(prefix)
	if err != nil {
		abs = prefix
	}
	removed := 0
	for _, key := range c.cache.Keys() {
		path := keyPath(key)
		if path == abs || strings.HasPrefix(path, abs+string(filepath.Separator)) {
			if c.cache.Remove(key) {
				removed++
			}
		}
	}
	return removed
}

func keyPath(key string) string {
	for range 2 {
		if i := strings.LastIndex(key, "|"); i >= 0 {
			key = key[:i]
		}
	}
	return key
}

// Purge empties the cache
func (c *ManifestCache) Purge() {
	c.cache.Purge()
}

// Stats returns cache statistics
func (c *ManifestCache) Stats() CacheStats {
	stats := CacheStats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		ItemCount: c.cache.Len(),
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}
