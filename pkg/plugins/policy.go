package plugins

import (
	"path/filepath"
	"slices"
	"time"
)

// SandboxPolicy is the resource and access contract of one plugin version.
// It is derived once and not modified afterwards.
type SandboxPolicy struct {
	Plugin         string        `json:"plugin"`
	MaxCPUTime     time.Duration `json:"max_cpu_time"`
	MaxMemory      int64         `json:"max_memory"`
	MaxFileSize    int64         `json:"max_file_size"`
	ReadPaths      []string      `json:"read_paths"`
	WritePaths     []string      `json:"write_paths"`
	NetworkAllowed bool          `json:"network_allowed"`
	AllowedModules []string      `json:"allowed_modules"`
}

// PolicyDirs are the host directories a policy grants access to.
type PolicyDirs struct {
	Install string // the plugin's own package directory
	Temp    string // private scratch directory
	Data    string // shared host data directory
}

// Modules every sandbox may require.
var baseModules = []string{"string", "table", "math", "fs", "http", "log", "json"}

// DerivePolicy computes the sandbox policy for m.
func DerivePolicy(m *Manifest, limits Limits, dirs PolicyDirs) SandboxPolicy {
	perms := EffectivePermissions(m)
	has := func(p Permission) bool { return slices.Contains(perms, p) }

	p := SandboxPolicy{
		Plugin:         m.Name,
		MaxCPUTime:     limits.MaxCPUTime,
		MaxMemory:      limits.MaxMemory,
		MaxFileSize:    limits.MaxFileSize,
		NetworkAllowed: has(PermissionNetwork),
		AllowedModules: slices.Clone(baseModules),
	}

	addPath := func(list *[]string, dir string) {
		if dir == "" {
			return
		}
		dir = filepath.Clean(dir)
		if !slices.Contains(*list, dir) {
			*list = append(*list, dir)
		}
	}

	addPath(&p.ReadPaths, dirs.Install)
	if has(PermissionFileRead) {
		addPath(&p.ReadPaths, dirs.Temp)
		addPath(&p.ReadPaths, dirs.Data)
	}
	switch {
	case has(PermissionFileWrite):
		addPath(&p.WritePaths, dirs.Temp)
		addPath(&p.WritePaths, dirs.Data)
	case has(PermissionTempWrite):
		addPath(&p.WritePaths, dirs.Temp)
	}
	// Whatever a plugin may write it may also read back.
	for _, w := range p.WritePaths {
		addPath(&p.ReadPaths, w)
	}
	if has(PermissionSystem) {
		p.AllowedModules = append(p.AllowedModules, "os")
	}
	return p
}

// AllowsModule reports whether require(name) is permitted.
func (p SandboxPolicy) AllowsModule(name string) bool {
	return slices.Contains(p.AllowedModules, name)
}
