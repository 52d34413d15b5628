package discovery

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func manifestYAML(name, version string) string {
	return fmt.Sprintf(`name: %s
version: %s
plugin_type: template
entry_point: main.lua:Plugin
`, name, version)
}

// writePlugin creates <root>/<dir> with a manifest and entry module
func writePlugin(t *testing.T, root, dir, name, version string) string {
	t.Helper()
	path := filepath.Join(root, dir)
	require.NoError(t, os.MkdirAll(path, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "plugin.yaml"), []byte(manifestYAML(name, version)), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(path, "main.lua"), []byte("Plugin = {}\n"), 0644))
	return path
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func writeTarGz(t *testing.T, path string, headers []*tar.Header, contents []string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for i, hdr := range headers {
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(contents[i]))
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0644
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(contents[i]))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newDiscovery(t *testing.T, roots ...Root) *Discovery {
	t.Helper()
	d := New(roots, WithStagingDir(t.TempDir()), WithLogger(quietLogger()), WithConcurrency(4))
	t.Cleanup(func() { _ = d.Cleanup() })
	return d
}

// TestDiscover_Directories tests discovery of plain package directories
func TestDiscover_Directories(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha", "alpha", "1.0.0")
	writePlugin(t, root, "beta", "beta", "2.1.0")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-plugin"), 0755))
	writePlugin(t, root, ".hidden", "hidden", "1.0.0")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("hi"), 0644))

	d := newDiscovery(t, Root{Name: "user", Path: root})
	res, err := d.Discover(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "alpha", res.Candidates[0].Manifest.Name)
	assert.Equal(t, "beta", res.Candidates[1].Manifest.Name)
	assert.Equal(t, "user", res.Candidates[0].Root)
	assert.False(t, res.Candidates[0].Archive)
	assert.Empty(t, res.Conflicts)
	assert.Empty(t, res.Errors)

	c, ok := res.ByName("beta")
	require.True(t, ok)
	assert.Equal(t, "2.1.0", c.Manifest.Version)
	_, ok = res.ByName("hidden")
	assert.False(t, ok)
	assert.Len(t, res.ByType(plugins.PluginTypeTemplate), 2)
	assert.Empty(t, res.ByType(plugins.PluginTypeHook))
	assert.Len(t, res.Manifests(), 2)
}

// TestDiscover_MissingRoot tests that absent roots are skipped
func TestDiscover_MissingRoot(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "alpha", "alpha", "1.0.0")

	d := newDiscovery(t,
		Root{Name: "gone", Path: filepath.Join(root, "does-not-exist")},
		Root{Name: "user", Path: root},
	)
	res, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)
}

// TestDiscover_Shadowing tests that earlier roots take precedence
func TestDiscover_Shadowing(t *testing.T) {
	project := t.TempDir()
	user := t.TempDir()
	writePlugin(t, project, "alpha", "alpha", "1.0.0")
	writePlugin(t, user, "alpha", "alpha", "3.0.0")
	writePlugin(t, user, "beta", "beta", "1.0.0")

	d := newDiscovery(t, Root{Name: "project", Path: project}, Root{Name: "user", Path: user})
	res, err := d.Discover(context.Background())
	require.NoError(t, err)

	alpha, ok := res.ByName("alpha")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", alpha.Manifest.Version)
	assert.Equal(t, "project", alpha.Root)

	require.Len(t, res.Shadowed, 1)
	assert.Equal(t, "3.0.0", res.Shadowed[0].Manifest.Version)
	assert.Equal(t, "user", res.Shadowed[0].Root)
	assert.Len(t, res.Candidates, 2)
}

// TestDiscover_SameRootDuplicates tests the duplicate rules within one root
func TestDiscover_SameRootDuplicates(t *testing.T) {
	t.Run("identical version keeps first", func(t *testing.T) {
		root := t.TempDir()
		first := writePlugin(t, root, "a-copy", "alpha", "1.0.0")
		second := writePlugin(t, root, "b-copy", "alpha", "1.0.0")

		d := newDiscovery(t, Root{Path: root})
		res, err := d.Discover(context.Background())
		require.NoError(t, err)

		require.Len(t, res.Candidates, 1)
		assert.Equal(t, first, res.Candidates[0].Source)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, []string{second}, res.Conflicts[0].Sources)
	})

	t.Run("different versions exclude all copies", func(t *testing.T) {
		root := t.TempDir()
		writePlugin(t, root, "alpha-1", "alpha", "1.0.0")
		writePlugin(t, root, "alpha-2", "alpha", "2.0.0")
		writePlugin(t, root, "beta", "beta", "1.0.0")

		d := newDiscovery(t, Root{Path: root})
		res, err := d.Discover(context.Background())
		require.NoError(t, err)

		require.Len(t, res.Candidates, 1)
		assert.Equal(t, "beta", res.Candidates[0].Manifest.Name)
		require.Len(t, res.Conflicts, 1)
		assert.Equal(t, "alpha", res.Conflicts[0].Name)
		assert.Len(t, res.Conflicts[0].Sources, 2)
		assert.Contains(t, res.Conflicts[0].Reason, "1.0.0, 2.0.0")
	})
}

// TestDiscover_ConflictShadowsLowerRoots tests that a name excluded by a
// same-root conflict is not supplied by a lower-precedence root
func TestDiscover_ConflictShadowsLowerRoots(t *testing.T) {
	project := t.TempDir()
	user := t.TempDir()
	writePlugin(t, project, "alpha-1", "alpha", "1.0.0")
	writePlugin(t, project, "alpha-2", "alpha", "2.0.0")
	writePlugin(t, user, "alpha", "alpha", "3.0.0")
	writePlugin(t, user, "beta", "beta", "1.0.0")

	d := newDiscovery(t, Root{Name: "project", Path: project}, Root{Name: "user", Path: user})
	res, err := d.Discover(context.Background())
	require.NoError(t, err)

	_, ok := res.ByName("alpha")
	assert.False(t, ok)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, "project", res.Conflicts[0].Root)
	require.Len(t, res.Shadowed, 1)
	assert.Equal(t, "3.0.0", res.Shadowed[0].Manifest.Version)
	assert.Equal(t, "user", res.Shadowed[0].Root)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, "beta", res.Candidates[0].Manifest.Name)

	var walked []string
	require.NoError(t, d.Walk(context.Background(), func(c *Candidate) error {
		walked = append(walked, c.Manifest.Name)
		return nil
	}))
	assert.Equal(t, []string{"beta"}, walked)
}

// TestDiscover_Errors tests that broken packages are reported, not fatal
func TestDiscover_Errors(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "good", "good", "1.0.0")
	bad := filepath.Join(root, "bad")
	require.NoError(t, os.MkdirAll(bad, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "plugin.yaml"), []byte("name: bad\nversion: nope\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.zip"), []byte("not a zip"), 0644))

	d := newDiscovery(t, Root{Path: root})
	res, err := d.Discover(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Candidates, 1)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, bad, res.Errors[0].Source)
	assert.Equal(t, filepath.Join(root, "broken.zip"), res.Errors[1].Source)
}

// TestDiscover_Archives tests zip and tar.gz packages
func TestDiscover_Archives(t *testing.T) {
	root := t.TempDir()
	writeZip(t, filepath.Join(root, "zipped.zip"), map[string]string{
		"plugin.yaml": manifestYAML("zipped", "1.0.0"),
		"main.lua":    "Plugin = {}",
	})
	writeTarGz(t, filepath.Join(root, "tarred-1.0.0.tar.gz"), []*tar.Header{
		{Name: "tarred/", Typeflag: tar.TypeDir, Mode: 0755},
		{Name: "tarred/plugin.yaml", Typeflag: tar.TypeReg},
		{Name: "tarred/main.lua", Typeflag: tar.TypeReg},
	}, []string{"", manifestYAML("tarred", "1.0.0"), "Plugin = {}"})

	d := newDiscovery(t, Root{Path: root})
	res, err := d.Discover(context.Background())
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Len(t, res.Candidates, 2)

	for _, c := range res.Candidates {
		assert.True(t, c.Archive)
		assert.FileExists(t, filepath.Join(c.Dir, "main.lua"))
	}
	tarred, ok := res.ByName("tarred")
	require.True(t, ok)
	assert.Equal(t, "tarred", filepath.Base(tarred.Dir))

	require.NoError(t, d.Cleanup())
	for _, c := range res.Candidates {
		assert.NoDirExists(t, c.Dir)
	}
}

// TestWalk tests streaming and early termination
func TestWalk(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a", "a", "1.0.0")
	writePlugin(t, root, "b", "b", "1.0.0")
	writePlugin(t, root, "c", "c", "1.0.0")

	d := newDiscovery(t, Root{Path: root})

	var names []string
	stop := errors.New("stop")
	err := d.Walk(context.Background(), func(c *Candidate) error {
		names = append(names, c.Manifest.Name)
		if len(names) == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, []string{"a", "b"}, names)

	// Walks are restartable.
	names = nil
	require.NoError(t, d.Walk(context.Background(), func(c *Candidate) error {
		names = append(names, c.Manifest.Name)
		return nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, names)
}

// TestDiscover_Cancelled tests that a cancelled context aborts the pass
func TestDiscover_Cancelled(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a", "a", "1.0.0")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newDiscovery(t, Root{Path: root})
	_, err := d.Discover(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestDiscover_UsesCache tests that a second pass is served from cache
func TestDiscover_UsesCache(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "a", "a", "1.0.0")
	writePlugin(t, root, "b", "b", "1.0.0")

	d := newDiscovery(t, Root{Path: root})
	_, err := d.Discover(context.Background())
	require.NoError(t, err)
	_, err = d.Discover(context.Background())
	require.NoError(t, err)

	stats := d.Cache().Stats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(2), stats.Hits)
}

// TestInspect tests reading a single package outside the roots
func TestInspect(t *testing.T) {
	dir := writePlugin(t, t.TempDir(), "pkg", "solo", "0.1.0")
	d := newDiscovery(t)

	c, err := d.Inspect(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "solo", c.Manifest.Name)
	assert.Equal(t, dir, c.Dir)

	_, err = d.Inspect(context.Background(), filepath.Join(dir, "main.lua"))
	assert.Error(t, err)

	_, err = d.Inspect(context.Background(), t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// TestDiscover_StrictManifests tests unknown field rejection
func TestDiscover_StrictManifests(t *testing.T) {
	root := t.TempDir()
	dir := writePlugin(t, root, "a", "a", "1.0.0")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"),
		[]byte(manifestYAML("a", "1.0.0")+"colour: blue\n"), 0644))

	lenient := newDiscovery(t, Root{Path: root})
	res, err := lenient.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 1)

	strict := New([]Root{{Path: root}}, WithStrictManifests(true), WithLogger(quietLogger()))
	res, err = strict.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.Len(t, res.Errors, 1)
	var me *plugins.ManifestError
	assert.ErrorAs(t, res.Errors[0].Err, &me)
}
