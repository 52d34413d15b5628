package plugins

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivePolicy(t *testing.T) {
	dirs := PolicyDirs{Install: "/plugins/demo", Temp: "/tmp/demo", Data: "/data"}
	limits := DefaultLimits()

	tests := []struct {
		name       string
		pluginType PluginType
		perms      []Permission
		read       []string
		write      []string
		network    bool
		osModule   bool
	}{
		{
			name:       "no permissions falls back to kind defaults",
			pluginType: PluginTypeTemplate,
			read:       []string{"/plugins/demo", "/tmp/demo", "/data"},
			write:      []string{"/tmp/demo"},
		},
		{
			name:       "provider default includes network",
			pluginType: PluginTypeProvider,
			read:       []string{"/plugins/demo", "/tmp/demo", "/data"},
			write:      []string{"/tmp/demo"},
			network:    true,
		},
		{
			name:       "temp write only",
			pluginType: PluginTypeHook,
			perms:      []Permission{PermissionTempWrite},
			read:       []string{"/plugins/demo", "/tmp/demo"},
			write:      []string{"/tmp/demo"},
		},
		{
			name:       "file write",
			pluginType: PluginTypeValidator,
			perms:      []Permission{PermissionFileWrite, PermissionSystem},
			read:       []string{"/plugins/demo", "/tmp/demo", "/data"},
			write:      []string{"/tmp/demo", "/data"},
			osModule:   true,
		},
		{
			name:       "read only",
			pluginType: PluginTypeValidator,
			perms:      []Permission{PermissionFileRead},
			read:       []string{"/plugins/demo", "/tmp/demo", "/data"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Manifest{Name: "demo", PluginType: tt.pluginType, Permissions: tt.perms}
			p := DerivePolicy(m, limits, dirs)

			assert.Equal(t, "demo", p.Plugin)
			assert.Equal(t, limits.MaxCPUTime, p.MaxCPUTime)
			assert.ElementsMatch(t, tt.read, p.ReadPaths)
			assert.ElementsMatch(t, tt.write, p.WritePaths)
			assert.Equal(t, tt.network, p.NetworkAllowed)
			assert.Equal(t, tt.osModule, p.AllowsModule("os"))
			assert.True(t, p.AllowsModule("fs"))
			assert.False(t, p.AllowsModule("io"))
		})
	}
}

func TestContract(t *testing.T) {
	c, ok := Contract(PluginTypeTemplate)
	assert.True(t, ok)
	assert.True(t, c.Supports("render"))
	assert.False(t, c.Supports("validate"))

	c, ok = Contract(PluginTypeValidator)
	assert.True(t, ok)
	assert.Equal(t, []string{"validate"}, c.Required)

	_, ok = Contract("generator")
	assert.False(t, ok)
}
