package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/platinummonkey/hangar/pkg/manager"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cliEnv struct {
	home   string
	root   string
	config string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	base := t.TempDir()
	env := &cliEnv{
		home:   filepath.Join(base, "home"),
		root:   filepath.Join(base, "search"),
		config: filepath.Join(base, "hangar.yaml"),
	}
	require.NoError(t, os.MkdirAll(env.root, 0755))

	cfg := fmt.Sprintf("plugin_path:\n  - %s\nworkers: 2\nmarketplace:\n  urls: []\nobservability:\n  log_level: error\n", env.root)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0644))
	t.Setenv("HANGAR_CONFIG", "")
	t.Setenv("HANGAR_HOME", "")
	t.Setenv("HANGAR_PLUGIN_PATH", "")
	t.Setenv("HANGAR_MARKETPLACE_URLS", "")
	return env
}

// writePlugin places a template plugin in the search root
func (e *cliEnv) writePlugin(t *testing.T, name, version, body string, deps ...string) string {
	t.Helper()
	dir := filepath.Join(e.root, name)
	require.NoError(t, os.MkdirAll(dir, 0755))

	var manifest strings.Builder
	fmt.Fprintf(&manifest, "name: %s\nversion: %s\ndescription: %s test plugin\nplugin_type: template\nentry_point: main.lua:Plugin\n",
		name, version, name)
	if len(deps) > 0 {
		manifest.WriteString("dependencies:\n")
		for _, d := range deps {
			depName, constraint, _ := strings.Cut(d, " ")
			fmt.Fprintf(&manifest, "  - name: %s\n    version: %q\n", depName, constraint)
		}
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(manifest.String()), 0644))

	src := "Plugin = {}\nfunction Plugin:generate(params)\n  return {}\nend\n" + body
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.lua"), []byte(src), 0644))
	return dir
}

// run executes the CLI and returns the exit code and combined output
func (e *cliEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--config", e.config, "--home", e.home}, args...)
	code := Execute(context.Background(), full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// TestNewRootCommand tests the command tree
func TestNewRootCommand(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "hangar", root.Name())

	for _, flag := range []string{"config", "home", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}

	plugin, _, err := root.Find([]string{"plugin"})
	require.NoError(t, err)
	var names []string
	for _, c := range plugin.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{
		"list", "install", "uninstall", "search", "info", "enable",
		"disable", "update", "validate", "status", "discover", "daemon",
	}, names)

	install, _, err := root.Find([]string{"plugin", "install"})
	require.NoError(t, err)
	for _, flag := range []string{"force", "no-deps", "no-enable"} {
		assert.NotNil(t, install.Flags().Lookup(flag), flag)
	}
}

// TestExitCode tests the error to exit code mapping
func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"generic", errors.New("boom"), ExitError},
		{"manifest", &plugins.ManifestError{Kind: plugins.ManifestMalformed, Message: "bad"}, ExitValidation},
		{"validation", &plugins.ValidationError{Plugin: "a", Report: &plugins.ValidationReport{}}, ExitValidation},
		{"conflict", &plugins.DependencyConflictError{Requester: "b", Target: "a", Constraint: "^2.0.0"}, ExitDependency},
		{"cycle", fmt.Errorf("resolve: %w", &plugins.CircularDependencyError{Cycle: []string{"a", "b", "a"}}), ExitDependency},
		{"in use", &plugins.DependencyInUseError{Plugin: "a", Dependents: []string{"b"}}, ExitDependency},
		{"install conflict", plugins.NewPluginError("a", "install", plugins.ErrInstallConflict), ExitDependency},
		{"not found", fmt.Errorf("a: %w", plugins.ErrPluginNotFound), ExitNotFound},
		{"security", &plugins.SecurityError{Plugin: "a", Operation: "fs.write"}, ExitRuntime},
		{"limit", plugins.ErrLimitExceeded, ExitRuntime},
		{"failed outcome", failure(&manager.Outcome{Plugin: "a", Failed: true, Err: errors.New("no")}), ExitRuntime},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}

	assert.NoError(t, failure(&manager.Outcome{Plugin: "a"}))
	assert.NoError(t, failure(nil))
}

// TestPluginCommands tests an install, inspect and remove round through the CLI
func TestPluginCommands(t *testing.T) {
	env := newCLIEnv(t)
	env.writePlugin(t, "base", "1.2.0", "")
	env.writePlugin(t, "app", "1.0.0", "", "base ^1.0.0")

	code, out, stderr := env.run(t, "plugin", "install", "app")
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, out, "Installed base@1.2.0")
	assert.Contains(t, out, "Installed app@1.0.0")
	assert.Contains(t, out, "Enabled app (active)")

	code, out, stderr = env.run(t, "plugin", "list", "--format", "json")
	require.Equal(t, ExitOK, code, stderr)
	var recs []struct {
		Manifest struct {
			Name string `json:"name"`
		} `json:"manifest"`
		Enabled bool `json:"enabled"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &recs))
	require.Len(t, recs, 2)
	assert.Equal(t, "app", recs[0].Manifest.Name)
	assert.True(t, recs[0].Enabled)

	code, out, _ = env.run(t, "plugin", "list", "--enabled-only", "--type", "template")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "app test plugin")

	code, out, _ = env.run(t, "plugin", "info", "app")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "Dependencies:")
	assert.Contains(t, out, "base ^1.0.0")

	code, out, _ = env.run(t, "plugin", "status")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "Installed:")
	assert.Contains(t, out, "app, base")

	code, _, stderr = env.run(t, "plugin", "disable", "base")
	assert.Equal(t, ExitDependency, code)
	assert.Contains(t, stderr, "required by app")

	code, _, stderr = env.run(t, "plugin", "uninstall", "base")
	assert.Equal(t, ExitDependency, code, stderr)

	code, out, stderr = env.run(t, "plugin", "uninstall", "base", "--cascade")
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, out, "Uninstalled app, base")

	code, _, _ = env.run(t, "plugin", "info", "app")
	assert.Equal(t, ExitNotFound, code)
}

// TestInstallCommand_ExitCodes tests failures surfacing as exit codes
func TestInstallCommand_ExitCodes(t *testing.T) {
	env := newCLIEnv(t)
	env.writePlugin(t, "base", "1.2.0", "")
	env.writePlugin(t, "app", "1.0.0", "", "base ^2.0.0")
	env.writePlugin(t, "crash", "1.0.0", "function Plugin:initialize() error(\"cannot start\") end\n")

	code, _, stderr := env.run(t, "plugin", "install", "app")
	assert.Equal(t, ExitDependency, code)
	assert.Contains(t, stderr, "app requires base^2.0.0, found 1.2.0")

	code, _, _ = env.run(t, "plugin", "install", "missing")
	assert.Equal(t, ExitNotFound, code)

	code, out, stderr := env.run(t, "plugin", "install", "crash")
	assert.Equal(t, ExitRuntime, code)
	assert.Contains(t, out, "Installed crash@1.0.0")
	assert.Contains(t, stderr, "cannot start")

	code, out, _ = env.run(t, "plugin", "install", "crash", "--no-enable")
	assert.Equal(t, ExitOK, code)
	assert.Contains(t, out, "already installed")
}

// TestValidateCommand tests validation without installing
func TestValidateCommand(t *testing.T) {
	env := newCLIEnv(t)
	good := env.writePlugin(t, "good", "1.0.0", "")
	bad := env.writePlugin(t, "bad", "1.0.0", "local f = loadstring(\"return 1\")\n")

	code, out, stderr := env.run(t, "plugin", "validate", good)
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, out, "good@1.0.0 is valid")

	code, out, _ = env.run(t, "plugin", "validate", bad)
	assert.Equal(t, ExitValidation, code)
	assert.Contains(t, out, "critical")

	code, _, _ = env.run(t, "plugin", "validate", filepath.Join(env.root, "nothing"))
	assert.Equal(t, ExitError, code)

	code, out, _ = env.run(t, "plugin", "list")
	require.Equal(t, ExitOK, code)
	assert.Contains(t, out, "No plugins installed.")
}

// TestDiscoverCommand tests listing the search roots
func TestDiscoverCommand(t *testing.T) {
	env := newCLIEnv(t)
	env.writePlugin(t, "alpha", "0.1.0", "")

	code, out, stderr := env.run(t, "plugin", "discover")
	require.Equal(t, ExitOK, code, stderr)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "0.1.0")
}

// TestSearchCommand_NoRepositories tests search without a marketplace
func TestSearchCommand_NoRepositories(t *testing.T) {
	env := newCLIEnv(t)
	code, _, stderr := env.run(t, "plugin", "search", "aws")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "no marketplace repositories")
}

// TestListCommand_BadFlags tests flag validation
func TestListCommand_BadFlags(t *testing.T) {
	env := newCLIEnv(t)
	code, _, stderr := env.run(t, "plugin", "list", "--type", "widget")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "unknown plugin type")

	code, _, stderr = env.run(t, "plugin", "list", "--state", "sleeping")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "unknown plugin state")
}
