package plugins

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// Manifest describes a plugin package. It is treated as immutable once parsed;
// callers that need to change a manifest work on a Clone.
type Manifest struct {
	Name           string       `yaml:"name" json:"name"`
	Version        string       `yaml:"version" json:"version"`
	Description    string       `yaml:"description,omitempty" json:"description,omitempty"`
	Author         string       `yaml:"author,omitempty" json:"author,omitempty"`
	License        string       `yaml:"license,omitempty" json:"license,omitempty"`
	Homepage       string       `yaml:"homepage,omitempty" json:"homepage,omitempty"`
	Keywords       []string     `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	PluginType     PluginType   `yaml:"plugin_type" json:"plugin_type"`
	EntryPoint     string       `yaml:"entry_point" json:"entry_point"` // module.lua:Symbol
	MinHostVersion string       `yaml:"min_host_version,omitempty" json:"min_host_version,omitempty"`
	Dependencies   []Dependency `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	Permissions    []Permission `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Hooks          []string     `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// Dependency is a requirement on another plugin.
type Dependency struct {
	Name       string `yaml:"name" json:"name"`
	Constraint string `yaml:"version,omitempty" json:"version,omitempty"`
	Optional   bool   `yaml:"optional,omitempty" json:"optional,omitempty"`
}

// ConstraintOrAny returns the declared constraint, or "*" when none was given.
func (d Dependency) ConstraintOrAny() string {
	if strings.TrimSpace(d.Constraint) == "" {
		return "*"
	}
	return d.Constraint
}

// EntryPoint locates the plugin object inside its package.
type EntryPoint struct {
	Module string // package-relative path to a .lua file
	Symbol string // global table (or chunk return value) implementing the plugin
}

func (e EntryPoint) String() string {
	return e.Module + ":" + e.Symbol
}

// Key returns the unique identity of the manifest, name@version.
func (m *Manifest) Key() string {
	return m.Name + "@" + m.Version
}

// SemVer parses the manifest version.
func (m *Manifest) SemVer() (*semver.Version, error) {
	return semver.StrictNewVersion(m.Version)
}

// Entry splits the entry point into module path and symbol.
func (m *Manifest) Entry() (EntryPoint, error) {
	return ParseEntryPoint(m.EntryPoint)
}

// HasPermission reports whether the manifest declares p.
func (m *Manifest) HasPermission(p Permission) bool {
	return slices.Contains(m.Permissions, p)
}

// RequiredDependencies returns the non-optional dependencies.
func (m *Manifest) RequiredDependencies() []Dependency {
	var deps []Dependency
	for _, d := range m.Dependencies {
		if !d.Optional {
			deps = append(deps, d)
		}
	}
	return deps
}

// DependsOn reports whether the manifest declares a dependency on name.
func (m *Manifest) DependsOn(name string, includeOptional bool) bool {
	for _, d := range m.Dependencies {
		if d.Name == name && (includeOptional || !d.Optional) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	if m == nil {
		return nil
	}
	c := *m
	c.Keywords = slices.Clone(m.Keywords)
	c.Dependencies = slices.Clone(m.Dependencies)
	c.Permissions = slices.Clone(m.Permissions)
	c.Hooks = slices.Clone(m.Hooks)
	return &c
}

// ParseEntryPoint parses "path/to/module.lua:Symbol".
func ParseEntryPoint(s string) (EntryPoint, error) {
	module, symbol, ok := strings.Cut(s, ":")
	if !ok || module == "" || symbol == "" {
		return EntryPoint{}, fmt.Errorf("entry point %q must have the form module.lua:Symbol", s)
	}
	if !strings.HasSuffix(module, ".lua") {
		return EntryPoint{}, fmt.Errorf("entry point module %q must be a .lua file", module)
	}
	if !symbolRegex.MatchString(symbol) {
		return EntryPoint{}, fmt.Errorf("entry point symbol %q is not a valid identifier", symbol)
	}
	return EntryPoint{Module: module, Symbol: symbol}, nil
}

// PluginType defines the kind of plugin. The set is closed; see Contract.
type PluginType string

const (
	PluginTypeTemplate  PluginType = "template"
	PluginTypeProvider  PluginType = "provider"
	PluginTypeValidator PluginType = "validator"
	PluginTypeHook      PluginType = "hook"
)

// PluginTypes lists every recognized plugin type.
var PluginTypes = []PluginType{PluginTypeTemplate, PluginTypeProvider, PluginTypeValidator, PluginTypeHook}

// Valid reports whether t is a recognized plugin type.
func (t PluginType) Valid() bool {
	return slices.Contains(PluginTypes, t)
}

// Permission is a capability token gating sandbox access checks.
type Permission string

const (
	PermissionFileRead  Permission = "file_read"
	PermissionFileWrite Permission = "file_write"
	PermissionTempWrite Permission = "temp_write"
	PermissionNetwork   Permission = "network"
	PermissionSystem    Permission = "system_access"
)

// Permissions lists every recognized permission token.
var Permissions = []Permission{
	PermissionFileRead,
	PermissionFileWrite,
	PermissionTempWrite,
	PermissionNetwork,
	PermissionSystem,
}

var permissionAliases = map[string]Permission{
	"network_access": PermissionNetwork,
	"system":         PermissionSystem,
}

// NormalizePermission maps alternate spellings onto the canonical token.
// The second return value is false for tokens outside the closed set.
func NormalizePermission(s string) (Permission, bool) {
	s = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_")))
	if p, ok := permissionAliases[s]; ok {
		return p, true
	}
	p := Permission(s)
	return p, slices.Contains(Permissions, p)
}

// Severity of a validation finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding is a single validation result.
type Finding struct {
	Severity Severity `json:"severity" yaml:"severity"`
	RuleID   string   `json:"rule_id" yaml:"rule_id"`
	Message  string   `json:"message" yaml:"message"`
	File     string   `json:"file,omitempty" yaml:"file,omitempty"`
	Line     int      `json:"line,omitempty" yaml:"line,omitempty"`
}

// Location formats the file/line of the finding.
func (f Finding) Location() string {
	switch {
	case f.File == "":
		return ""
	case f.Line > 0:
		return fmt.Sprintf("%s:%d", f.File, f.Line)
	default:
		return f.File
	}
}

func (f Finding) String() string {
	if loc := f.Location(); loc != "" {
		return fmt.Sprintf("[%s] %s: %s (%s)", f.Severity, f.RuleID, f.Message, loc)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.RuleID, f.Message)
}

// ValidationReport collects the findings of both validation passes.
type ValidationReport struct {
	Plugin    string    `json:"plugin" yaml:"plugin"`
	Version   string    `json:"version" yaml:"version"`
	Strict    bool      `json:"strict" yaml:"strict"`
	Findings  []Finding `json:"findings" yaml:"findings"`
	CheckedAt time.Time `json:"checked_at" yaml:"checked_at"`
}

// Add appends a finding.
func (r *ValidationReport) Add(f Finding) {
	r.Findings = append(r.Findings, f)
}

// Count returns the number of findings with the given severity.
func (r *ValidationReport) Count(sev Severity) int {
	if r == nil {
		return 0
	}
	n := 0
	for _, f := range r.Findings {
		if f.Severity == sev {
			n++
		}
	}
	return n
}

// HasCritical reports whether any finding is critical.
func (r *ValidationReport) HasCritical() bool {
	return r.Count(SeverityCritical) > 0
}

// Blocking reports whether the report prevents installation. Critical findings
// always block; warnings block only in strict mode.
func (r *ValidationReport) Blocking() bool {
	if r == nil {
		return false
	}
	return r.HasCritical() || (r.Strict && r.Count(SeverityWarning) > 0)
}

// Summary is a one-line description of the report.
func (r *ValidationReport) Summary() string {
	return fmt.Sprintf("%d critical, %d warning, %d info",
		r.Count(SeverityCritical), r.Count(SeverityWarning), r.Count(SeverityInfo))
}

// Clone returns a deep copy of the report.
func (r *ValidationReport) Clone() *ValidationReport {
	if r == nil {
		return nil
	}
	c := *r
	c.Findings = slices.Clone(r.Findings)
	return &c
}

// Limits are the host-wide sandbox ceilings a policy is derived from.
type Limits struct {
	MaxCPUTime  time.Duration
	MaxMemory   int64
	MaxFileSize int64
}

// DefaultLimits returns the default sandbox ceilings.
func DefaultLimits() Limits {
	return Limits{
		MaxCPUTime:  30 * time.Second,
		MaxMemory:   100 * 1024 * 1024,
		MaxFileSize: 10 * 1024 * 1024,
	}
}
