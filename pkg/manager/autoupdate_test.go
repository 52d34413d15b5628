package manager

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/platinummonkey/hangar/pkg/hooks"
	"github.com/platinummonkey/hangar/pkg/marketplace"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticRepository serves listings and zipped packages from memory
type staticRepository struct {
	items    []*marketplace.Listing
	packages map[string][]byte
}

func (r *staticRepository) Name() string { return "static" }

func (r *staticRepository) Search(_ context.Context, q marketplace.SearchQuery) ([]*marketplace.Listing, error) {
	var out []*marketplace.Listing
	for _, l := range r.items {
		c := l.Clone()
		c.Repository = r.Name()
		out = append(out, c)
	}
	return out, nil
}

func (r *staticRepository) Get(_ context.Context, name string) (*marketplace.Listing, error) {
	var best *marketplace.Listing
	for _, l := range r.items {
		if l.Name == name && (best == nil || marketplace.Compare(l.Version, best.Version) > 0) {
			best = l
		}
	}
	if best == nil {
		return nil, plugins.ErrPluginNotFound
	}
	c := best.Clone()
	c.Repository = r.Name()
	return c, nil
}

func (r *staticRepository) Fetch(_ context.Context, l *marketplace.Listing) (io.ReadCloser, error) {
	data, ok := r.packages[l.DownloadURL]
	if !ok {
		return nil, plugins.ErrPluginNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// publish zips p and lists it
func (r *staticRepository) publish(t *testing.T, p pluginSpec) {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range map[string]string{"plugin.yaml": p.manifest(), "main.lua": p.source()} {
		w, err := zw.Create(p.name + "/" + name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	sum := sha256.Sum256(buf.Bytes())
	url := "https://plugins.example.com/" + p.name + "-" + p.version + ".zip"
	if r.packages == nil {
		r.packages = make(map[string][]byte)
	}
	r.packages[url] = buf.Bytes()
	r.items = append(r.items, &marketplace.Listing{
		Name:        p.name,
		Version:     p.version,
		PluginType:  plugins.PluginTypeTemplate,
		Checksum:    hex.EncodeToString(sum[:]),
		Size:        int64(buf.Len()),
		DownloadURL: url,
	})
}

func marketFixture(t *testing.T, repo *staticRepository, autoUpdate bool) *fixture {
	t.Helper()
	cfg, root := testConfig(t)
	cfg.Marketplace.UpdateSchedule = "@every 1h"
	cfg.Marketplace.AutoUpdate = autoUpdate
	client := marketplace.NewClient([]marketplace.Repository{repo}, marketplace.WithLogger(quietLogger()))
	return openFixture(t, cfg, root, WithMarketplace(client))
}

// TestInstall_Marketplace tests installing a package that only the marketplace offers
func TestInstall_Marketplace(t *testing.T) {
	ctx := context.Background()
	repo := &staticRepository{}
	repo.publish(t, pluginSpec{name: "a", version: "1.1.0"})
	f := marketFixture(t, repo, false)

	_, err := f.m.Install(ctx, "a@1.0.0", InstallOptions{})
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)

	report, err := f.m.Install(ctx, "a@1.1.0", InstallOptions{Enable: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@1.1.0"}, report.Installed)

	rec, err := f.m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "marketplace:static", rec.Source)
	assert.Equal(t, plugins.StateActive, rec.State)

	items, err := f.m.Search(ctx, marketplace.SearchQuery{Query: "a"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a@1.1.0", items[0].Key())
}

// TestAutoUpdater_Run tests a scheduled pass that applies available updates
func TestAutoUpdater_Run(t *testing.T) {
	ctx := context.Background()
	repo := &staticRepository{}
	repo.publish(t, pluginSpec{name: "a", version: "1.1.0"})
	f := marketFixture(t, repo, true)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	f.write(t, pluginSpec{name: "b", version: "1.0.0"})
	for _, name := range []string{"a", "b"} {
		_, err := f.m.Install(ctx, name, InstallOptions{Enable: true})
		require.NoError(t, err)
	}

	updates, err := f.m.CheckUpdates(ctx)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "a", updates[0].Name)
	assert.Equal(t, "1.0.0", updates[0].Current)
	assert.Equal(t, "1.1.0", updates[0].Latest)

	u, err := f.m.NewAutoUpdater()
	require.NoError(t, err)
	assert.Nil(t, u.Last())

	run := u.Run(ctx)
	require.NotNil(t, run)
	require.NoError(t, run.Err)
	require.Len(t, run.Applied, 1)
	assert.True(t, run.Applied[0].Updated)
	assert.Same(t, run, u.Last())

	rec, err := f.m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.Version())
	assert.Equal(t, plugins.StateActive, rec.State)
	assert.Equal(t, []string{"a"}, f.eventsOf(hooks.EventPluginUpdated))

	// Nothing left to apply on the next pass.
	run = u.Run(ctx)
	require.NotNil(t, run)
	assert.Empty(t, run.Available)
	assert.Empty(t, run.Applied)
}

// TestAutoUpdater_CheckOnly tests that updates are only reported without auto-apply
func TestAutoUpdater_CheckOnly(t *testing.T) {
	ctx := context.Background()
	repo := &staticRepository{}
	repo.publish(t, pluginSpec{name: "a", version: "2.0.0"})
	f := marketFixture(t, repo, false)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	_, err := f.m.Install(ctx, "a", InstallOptions{})
	require.NoError(t, err)

	u, err := f.m.NewAutoUpdater()
	require.NoError(t, err)
	u.Start()
	require.NoError(t, u.Stop(ctx))

	run := u.Run(ctx)
	require.NotNil(t, run)
	assert.Len(t, run.Available, 1)
	assert.Empty(t, run.Applied)

	rec, err := f.m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.Version())
}

// TestNewAutoUpdater_Errors tests the configuration checks
func TestNewAutoUpdater_Errors(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.NewAutoUpdater()
	assert.Error(t, err)

	cfg, root := testConfig(t)
	cfg.Marketplace.UpdateSchedule = "@every 1h"
	f = openFixture(t, cfg, root)
	_, err = f.m.NewAutoUpdater()
	assert.ErrorIs(t, err, marketplace.ErrNoRepositories)

	cfg, root = testConfig(t)
	cfg.Marketplace.UpdateSchedule = "every tuesday"
	client := marketplace.NewClient([]marketplace.Repository{&staticRepository{}})
	f = openFixture(t, cfg, root, WithMarketplace(client))
	_, err = f.m.NewAutoUpdater()
	assert.ErrorContains(t, err, "invalid update schedule")
}

// TestSearch_NoMarketplace tests search without repositories
func TestSearch_NoMarketplace(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Search(context.Background(), marketplace.SearchQuery{})
	assert.ErrorIs(t, err, marketplace.ErrNoRepositories)
}
