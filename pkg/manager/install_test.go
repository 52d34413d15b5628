package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/platinummonkey/hangar/pkg/hooks"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func installedDirs(t *testing.T, root string) []string {
	t.Helper()
	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names
}

// TestInstall_DependencyOrder tests that missing dependencies are pulled in first
func TestInstall_DependencyOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.2.0"})
	f.write(t, pluginSpec{name: "b", version: "1.0.0", deps: map[string]string{"a": "^1.0.0"}})

	report, err := f.m.Install(ctx, "b", InstallOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, report.Order)
	assert.Equal(t, []string{"a@1.2.0", "b@1.0.0"}, report.Installed)
	assert.Len(t, report.Reports, 2)
	assert.Empty(t, report.Outcomes)

	assert.Equal(t, []string{"a", "b"}, f.eventsOf(hooks.EventPluginInstalled))
	assert.Equal(t, []string{"a", "b"}, f.eventsOf(hooks.EventPluginRegistered))
	assert.Equal(t, plugins.StateRegistered, f.state(t, "a"))
	assert.Equal(t, plugins.StateRegistered, f.state(t, "b"))
	assert.DirExists(t, filepath.Join(f.cfg.InstallRoot(), "a"))
}

// TestInstall_NoDeps tests that an unsatisfied dependency is reported by the resolver
func TestInstall_NoDeps(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.2.0"})
	f.write(t, pluginSpec{name: "b", version: "1.0.0", deps: map[string]string{"a": "^1.0.0"}})

	_, err := f.m.Install(ctx, "b", InstallOptions{NoDeps: true})
	var conflict *plugins.DependencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.False(t, f.m.Registry().Has("b"))
}

// TestInstall_Conflict tests that an unsatisfiable batch changes nothing
func TestInstall_Conflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.2.0"})
	f.write(t, pluginSpec{name: "b", version: "1.0.0", deps: map[string]string{"a": "^2.0.0"}})

	_, err := f.m.Install(ctx, "b", InstallOptions{Enable: true})
	var conflict *plugins.DependencyConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "b", conflict.Requester)
	assert.Equal(t, "a", conflict.Target)
	assert.Equal(t, "1.2.0", conflict.Found)

	assert.Zero(t, f.m.Registry().Len())
	assert.Empty(t, installedDirs(t, f.cfg.InstallRoot()))
	assert.Empty(t, f.eventsOf(hooks.EventPluginInstalled))
}

// TestInstall_Circular tests that a dependency cycle is rejected
func TestInstall_Circular(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0", deps: map[string]string{"b": "*"}})
	f.write(t, pluginSpec{name: "b", version: "1.0.0", deps: map[string]string{"a": "*"}})

	_, err := f.m.Install(ctx, "a", InstallOptions{})
	var cycle *plugins.CircularDependencyError
	require.ErrorAs(t, err, &cycle)
	assert.Zero(t, f.m.Registry().Len())
}

// TestInstall_Reinstall tests idempotent installs and version conflicts
func TestInstall_Reinstall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})

	_, err := f.m.Install(ctx, "a", InstallOptions{})
	require.NoError(t, err)
	first, err := f.m.Get("a")
	require.NoError(t, err)

	report, err := f.m.Install(ctx, "a", InstallOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@1.0.0"}, report.AlreadyInstalled)
	assert.Empty(t, report.Installed)
	again, err := f.m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, first.InstanceID, again.InstanceID)

	newer := writePackage(t, filepath.Join(t.TempDir(), "a"), pluginSpec{name: "a", version: "2.0.0"})
	_, err = f.m.Install(ctx, newer, InstallOptions{})
	assert.ErrorIs(t, err, plugins.ErrInstallConflict)

	report, err = f.m.Install(ctx, newer, InstallOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@2.0.0"}, report.Installed)
	rec, err := f.m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", rec.Version())
	assert.Equal(t, []string{"a"}, installedDirs(t, f.cfg.InstallRoot()))
}

// TestInstall_ForceKeepsEnabled tests that a forced replacement of an enabled plugin is re-activated
func TestInstall_ForceKeepsEnabled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	_, err := f.m.Install(ctx, "a", InstallOptions{Enable: true})
	require.NoError(t, err)

	newer := writePackage(t, filepath.Join(t.TempDir(), "a"), pluginSpec{name: "a", version: "1.1.0"})
	report, err := f.m.Install(ctx, newer, InstallOptions{Force: true})
	require.NoError(t, err)
	require.Len(t, report.Outcomes, 1)
	assert.Equal(t, plugins.StateActive, report.Outcomes[0].To)

	result, err := f.m.Call(ctx, "a", "generate", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", result.(map[string]any)["version"])
}

// TestInstall_Invalid tests that a blocking validation report aborts the install
func TestInstall_Invalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0", body: "local x = loadstring(\"return 1\")\n"})

	_, err := f.m.Install(ctx, "a", InstallOptions{})
	var verr *plugins.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, verr.Report.HasCritical())
	assert.Empty(t, installedDirs(t, f.cfg.InstallRoot()))
	assert.Equal(t, []string{"a"}, f.eventsOf(hooks.EventValidationComplete))
}

// TestInstall_NotFound tests unknown references
func TestInstall_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.m.Install(context.Background(), "nothing-here", InstallOptions{})
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)

	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	_, err = f.m.Install(context.Background(), "a@2.0.0", InstallOptions{})
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)
}

// TestInstall_Rollback tests that a failure part way through undoes the batch
func TestInstall_Rollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	f.write(t, pluginSpec{name: "b", version: "1.0.0", deps: map[string]string{"a": "*"}})

	// A stale directory under the install root makes the second rename fail.
	target := filepath.Join(f.cfg.InstallRoot(), "b")
	require.NoError(t, os.WriteFile(target, []byte("not a directory"), 0644))

	_, err := f.m.Install(ctx, "b", InstallOptions{})
	require.Error(t, err)
	assert.False(t, f.m.Registry().Has("a"))
	assert.False(t, f.m.Registry().Has("b"))
	assert.NoDirExists(t, filepath.Join(f.cfg.InstallRoot(), "a"))
}

// TestUninstall tests the in-use guard and cascading removal
func TestUninstall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	f.write(t, pluginSpec{name: "b", version: "1.0.0", deps: map[string]string{"a": "^1.0.0"}})
	f.write(t, pluginSpec{name: "c", version: "1.0.0", deps: map[string]string{"b": "^1.0.0"}})
	_, err := f.m.Install(ctx, "c", InstallOptions{Enable: true})
	require.NoError(t, err)

	_, err = f.m.Uninstall(ctx, "a", UninstallOptions{})
	var inUse *plugins.DependencyInUseError
	require.ErrorAs(t, err, &inUse)
	assert.Equal(t, []string{"b"}, inUse.Dependents)
	assert.Equal(t, plugins.StateActive, f.state(t, "a"))

	removed, err := f.m.Uninstall(ctx, "a", UninstallOptions{Cascade: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, removed)
	assert.Zero(t, f.m.Registry().Len())
	assert.Empty(t, installedDirs(t, f.cfg.InstallRoot()))
	assert.Empty(t, f.m.loader.Loaded())
	assert.Equal(t, []string{"c", "b", "a"}, f.eventsOf(hooks.EventPluginUninstalled))

	_, err = f.m.Uninstall(ctx, "a", UninstallOptions{})
	assert.ErrorIs(t, err, plugins.ErrPluginNotFound)
}

// TestUpdate tests replacing a plugin with a newer version from the search roots
func TestUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	_, err := f.m.Install(ctx, "a", InstallOptions{Enable: true})
	require.NoError(t, err)

	report, err := f.m.Update(ctx, "a")
	require.NoError(t, err)
	assert.False(t, report.Updated)

	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "a")))
	f.write(t, pluginSpec{name: "a", version: "1.1.0"}, "a-1.1.0")

	report, err = f.m.Update(ctx, "a")
	require.NoError(t, err)
	assert.True(t, report.Updated)
	assert.Equal(t, "1.0.0", report.From)
	assert.Equal(t, "1.1.0", report.To)
	assert.Equal(t, plugins.StateActive, report.Outcome.To)

	rec, err := f.m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", rec.Version())
	assert.True(t, rec.Enabled)
	assert.Equal(t, []string{"a"}, f.eventsOf(hooks.EventPluginUpdated))
	snapshots, err := os.ReadDir(filepath.Join(f.cfg.InstallRoot(), ".rollback"))
	require.NoError(t, err)
	assert.Empty(t, snapshots)
}

// TestUpdate_Rollback tests that a version failing to initialize is rolled back
func TestUpdate_Rollback(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	_, err := f.m.Install(ctx, "a", InstallOptions{Enable: true})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "a")))
	f.write(t, pluginSpec{name: "a", version: "1.1.0", body: "function Plugin:initialize() return false end\n"}, "a-1.1.0")

	report, err := f.m.Update(ctx, "a")
	require.Error(t, err)
	assert.True(t, report.RolledBack)
	assert.False(t, report.Updated)

	rec, err := f.m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.Version())
	assert.Equal(t, plugins.StateActive, rec.State)
	assert.True(t, rec.Enabled)

	result, err := f.m.Call(ctx, "a", "generate", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", result.(map[string]any)["version"])
}

// TestValidate tests validating a package without installing it
func TestValidate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	good := writePackage(t, filepath.Join(t.TempDir(), "a"), pluginSpec{name: "a", version: "1.0.0"})
	report, err := f.m.Validate(ctx, good)
	require.NoError(t, err)
	assert.False(t, report.Blocking())

	bad := writePackage(t, filepath.Join(t.TempDir(), "b"), pluginSpec{name: "b", version: "1.0.0", body: "os.execute(\"rm -rf /\")\n"})
	report, err = f.m.Validate(ctx, bad)
	var verr *plugins.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, report.HasCritical())
	assert.Zero(t, f.m.Registry().Len())
	assert.Equal(t, []string{"a", "b"}, f.eventsOf(hooks.EventValidationComplete))
}

// TestDiscover tests discovery through the manager
func TestDiscover(t *testing.T) {
	f := newFixture(t)
	f.write(t, pluginSpec{name: "a", version: "1.0.0"})
	f.write(t, pluginSpec{name: "b", version: "1.0.0"})

	res, err := f.m.Discover(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Candidates, 2)
	assert.ElementsMatch(t, []string{"a", "b"}, f.eventsOf(hooks.EventPluginDiscovered))
}
