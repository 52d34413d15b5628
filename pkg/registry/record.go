package registry

import (
	"slices"
	"time"

	"github.com/platinummonkey/hangar/pkg/plugins"
)

// Record is the registry entry for one installed plugin.
type Record struct {
	Manifest    *plugins.Manifest         `json:"manifest"`
	InstallPath string                    `json:"install_path"`
	State       plugins.State             `json:"state"`
	Enabled     bool                      `json:"enabled"`
	InstalledAt time.Time                 `json:"installed_at"`
	ValidatedAt time.Time                 `json:"validated_at,omitzero"`
	UpdatedAt   time.Time                 `json:"updated_at"`
	Report      *plugins.ValidationReport `json:"report,omitempty"`
	// InstanceID changes on every install so stale record files can be told apart.
	InstanceID string `json:"instance_id"`
	LastError  string `json:"last_error,omitempty"`
	// Source is the path, archive or marketplace reference the plugin came from.
	Source string `json:"source,omitempty"`
}

// Name returns the plugin name
func (r *Record) Name() string {
	if r == nil || r.Manifest == nil {
		return ""
	}
	return r.Manifest.Name
}

// Version returns the installed version
func (r *Record) Version() string {
	if r == nil || r.Manifest == nil {
		return ""
	}
	return r.Manifest.Version
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Manifest != nil {
		c.Manifest = r.Manifest.Clone()
	}
	c.Report = r.Report.Clone()
	return &c
}

// Filter selects records in List. Zero values match everything.
type Filter struct {
	States  []plugins.State
	Type    plugins.PluginType
	Enabled *bool
}

// Match reports whether rec passes the filter
func (f Filter) Match(rec *Record) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, rec.State) {
		return false
	}
	if f.Type != "" && rec.Manifest.PluginType != f.Type {
		return false
	}
	if f.Enabled != nil && rec.Enabled != *f.Enabled {
		return false
	}
	return true
}

// EnabledFilter matches enabled or disabled plugins
func EnabledFilter(enabled bool) Filter {
	return Filter{Enabled: &enabled}
}

// Stats summarizes the registry contents
type Stats struct {
	Total    int            `json:"total"`
	Enabled  int            `json:"enabled"`
	Disabled int            `json:"disabled"`
	ByState  map[string]int `json:"by_state"`
	ByType   map[string]int `json:"by_type"`
}
