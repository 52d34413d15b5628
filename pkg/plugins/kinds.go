package plugins

import "slices"

// Lifecycle methods every plugin object may implement. A missing method is
// treated as a successful no-op.
const (
	MethodInitialize = "initialize"
	MethodActivate   = "activate"
	MethodDeactivate = "deactivate"
	MethodCleanup    = "cleanup"
)

// LifecycleMethod returns the plugin method invoked when entering state, if any.
func LifecycleMethod(s State) (string, bool) {
	switch s {
	case StateInitialized:
		return MethodInitialize, true
	case StateActive:
		return MethodActivate, true
	case StateInactive:
		return MethodDeactivate, true
	case StateCleanedUp:
		return MethodCleanup, true
	default:
		return "", false
	}
}

// KindContract is the fixed operation set a plugin kind exposes to the host.
type KindContract struct {
	Type       PluginType
	Operations []string
	// Required operations must be defined by the plugin object at load time.
	Required []string
}

// Supports reports whether op belongs to the contract.
func (c KindContract) Supports(op string) bool {
	return slices.Contains(c.Operations, op)
}

var contracts = map[PluginType]KindContract{
	PluginTypeTemplate: {
		Type:       PluginTypeTemplate,
		Operations: []string{"generate", "render", "supported_providers"},
		Required:   []string{"generate"},
	},
	PluginTypeProvider: {
		Type:       PluginTypeProvider,
		Operations: []string{"provider_name", "validate_credentials"},
		Required:   []string{"provider_name"},
	},
	PluginTypeValidator: {
		Type:       PluginTypeValidator,
		Operations: []string{"validate"},
		Required:   []string{"validate"},
	},
	PluginTypeHook: {
		Type:       PluginTypeHook,
		Operations: []string{"hook_points"},
	},
}

// Contract returns the operation contract of a plugin kind.
func Contract(t PluginType) (KindContract, bool) {
	c, ok := contracts[t]
	return c, ok
}

var defaultPermissions = map[PluginType][]Permission{
	PluginTypeTemplate:  {PermissionFileRead, PermissionTempWrite},
	PluginTypeProvider:  {PermissionFileRead, PermissionTempWrite, PermissionNetwork},
	PluginTypeValidator: {PermissionFileRead},
	PluginTypeHook:      {PermissionFileRead},
}

// EffectivePermissions returns the declared permissions, or the kind defaults
// when the manifest declares none.
func EffectivePermissions(m *Manifest) []Permission {
	if len(m.Permissions) > 0 {
		return slices.Clone(m.Permissions)
	}
	return slices.Clone(defaultPermissions[m.PluginType])
}
