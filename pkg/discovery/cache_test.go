package discovery

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestManifestCache tests hits, copies and change detection
func TestManifestCache(t *testing.T) {
	dir := writePlugin(t, t.TempDir(), "alpha", "alpha", "1.0.0")
	path := filepath.Join(dir, "plugin.yaml")
	cache := NewManifestCache(32, time.Hour)

	m1, err := cache.Load(path)
	require.NoError(t, err)
	m1.Description = "mutated"

	m2, err := cache.Load(path)
	require.NoError(t, err)
	assert.Empty(t, m2.Description, "cached manifest must not be shared")

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.ItemCount)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)

	// A rewritten file is a new key.
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML("alpha", "1.0.1")), 0644))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	m3, err := cache.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", m3.Version)
}

// TestManifestCache_Invalidate tests prefix invalidation
func TestManifestCache_Invalidate(t *testing.T) {
	root := t.TempDir()
	a := writePlugin(t, root, "a", "a", "1.0.0")
	ab := writePlugin(t, root, "ab", "ab", "1.0.0")
	cache := NewManifestCache(32, time.Hour)

	_, err := cache.Load(filepath.Join(a, "plugin.yaml"))
	require.NoError(t, err)
	_, err = cache.Load(filepath.Join(ab, "plugin.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1, cache.Invalidate(a))
	assert.Equal(t, 1, cache.Stats().ItemCount)
	assert.Equal(t, 1, cache.Invalidate(root))

	cache.Purge()
	assert.Equal(t, 0, cache.Stats().ItemCount)
}

func TestKeyPath(t *testing.T) {
	assert.Equal(t, "/tmp/a|b/plugin.yaml", keyPath("/tmp/a|b/plugin.yaml|123|45"))
}

// TestManifestCache_Missing tests load errors
func TestManifestCache_Missing(t *testing.T) {
	cache := NewManifestCache(16, time.Minute)
	_, err := cache.Load(filepath.Join(t.TempDir(), "plugin.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
