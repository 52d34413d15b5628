package manager

import (
	"context"
	"testing"
	"time"

	"github.com/platinummonkey/hangar/pkg/hooks"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultOf(results []hooks.Result, owner string) (hooks.Result, bool) {
	for _, r := range results {
		if r.Owner == owner {
			return r, true
		}
	}
	return hooks.Result{}, false
}

// TestEmitHook tests delivery to specific and generic plugin handlers
func TestEmitHook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "listener", version: "1.0.0", kind: "hook", hooks: []string{"template_create"},
		body: "function Plugin:on_template_create(payload) return payload.name .. \"!\" end\n"})
	f.write(t, pluginSpec{name: "generic", version: "1.0.0", kind: "hook", hooks: []string{"template_create"},
		body: "function Plugin:handle_hook(event, payload) return event end\n"})
	f.write(t, pluginSpec{name: "silent", version: "1.0.0", kind: "hook", hooks: []string{"template_create"}})

	for _, name := range []string{"listener", "generic", "silent"} {
		_, err := f.m.Install(ctx, name, InstallOptions{Enable: true})
		require.NoError(t, err)
	}

	results, err := f.m.EmitHook(ctx, hooks.EventTemplateCreate, map[string]any{"name": "service"})
	require.NoError(t, err)

	r, ok := resultOf(results, "listener")
	require.True(t, ok)
	require.NoError(t, r.Err)
	assert.Equal(t, "service!", r.Value)

	r, ok = resultOf(results, "generic")
	require.True(t, ok)
	require.NoError(t, r.Err)
	assert.Equal(t, hooks.EventTemplateCreate, r.Value)

	r, ok = resultOf(results, "silent")
	require.True(t, ok)
	assert.NoError(t, r.Err)
	assert.Nil(t, r.Value)

	// Events nobody subscribed to only reach the recorder.
	results, err = f.m.EmitHook(ctx, "unknown_event", nil)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

// TestEmitHook_FailingHandler tests that a handler error fails the plugin
func TestEmitHook_FailingHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "broken", version: "1.0.0", kind: "hook", hooks: []string{"template_create"},
		body: "function Plugin:on_template_create(payload) error(\"boom\") end\n"})
	f.write(t, pluginSpec{name: "listener", version: "1.0.0", kind: "hook", hooks: []string{"template_create"},
		body: "function Plugin:on_template_create(payload) return true end\n"})
	for _, name := range []string{"broken", "listener"} {
		_, err := f.m.Install(ctx, name, InstallOptions{Enable: true})
		require.NoError(t, err)
	}

	results, err := f.m.EmitHook(ctx, hooks.EventTemplateCreate, map[string]any{})
	require.NoError(t, err)

	r, ok := resultOf(results, "broken")
	require.True(t, ok)
	assert.ErrorContains(t, r.Err, "boom")
	r, ok = resultOf(results, "listener")
	require.True(t, ok)
	assert.Equal(t, true, r.Value)

	require.Eventually(t, func() bool {
		rec, err := f.m.Get("broken")
		return err == nil && rec.State == plugins.StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	rec, err := f.m.Get("broken")
	require.NoError(t, err)
	assert.Contains(t, rec.LastError, "hook template_create")
	assert.Equal(t, plugins.StateActive, f.state(t, "listener"))
	assert.Equal(t, []string{"listener"}, withoutRecorder(f.m.Bus().Subscribers(hooks.EventTemplateCreate)))
}

// TestHooks_Subscriptions tests that only Active plugins are subscribed
func TestHooks_Subscriptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.write(t, pluginSpec{name: "listener", version: "1.0.0", kind: "hook",
		hooks: []string{"template_create", "plugin_installed"}})

	_, err := f.m.Install(ctx, "listener", InstallOptions{})
	require.NoError(t, err)
	assert.Empty(t, withoutRecorder(f.m.Bus().Subscribers(hooks.EventTemplateCreate)))

	_, err = f.m.Enable(ctx, "listener")
	require.NoError(t, err)
	subs := f.m.Bus().Subscriptions()
	assert.Equal(t, 1, subs[hooks.EventTemplateCreate])
	assert.Equal(t, 1, subs[hooks.EventPluginInstalled])

	_, err = f.m.Disable(ctx, "listener")
	require.NoError(t, err)
	subs = f.m.Bus().Subscriptions()
	assert.Zero(t, subs[hooks.EventTemplateCreate])
	assert.Zero(t, subs[hooks.EventPluginInstalled])
}

func withoutRecorder(owners []string) []string {
	var out []string
	for _, o := range owners {
		if o != "recorder" {
			out = append(out, o)
		}
	}
	return out
}
