package plugins

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

var (
	nameRegex   = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
	symbolRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	hookRegex   = regexp.MustCompile(`^[a-z][a-z0-9_.:-]*$`)
)

// ManifestFileNames are the descriptor names looked up in a package root, in order.
var ManifestFileNames = []string{"plugin.yaml", "plugin.yml", "plugin.json", "manifest.json"}

var knownFields = map[string]bool{
	"name": true, "version": true, "description": true, "author": true,
	"license": true, "homepage": true, "keywords": true, "plugin_type": true,
	"entry_point": true, "min_host_version": true, "dependencies": true,
	"permissions": true, "hooks": true,
}

type parseOptions struct {
	strict bool
}

// ParseOption configures Parse.
type ParseOption func(*parseOptions)

// WithStrict rejects descriptor keys outside the schema.
func WithStrict(strict bool) ParseOption {
	return func(o *parseOptions) { o.strict = strict }
}

// Parse decodes a YAML or JSON descriptor and applies the schema rules.
func Parse(data []byte, opts ...ParseOption) (*Manifest, error) {
	var o parseOptions
	for _, opt := range opts {
		opt(&o)
	}

	// JSON is decoded with encoding/json so tab-indented documents are accepted.
	unmarshal := yaml.Unmarshal
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		unmarshal = json.Unmarshal
	}

	var raw map[string]any
	if err := unmarshal(data, &raw); err != nil {
		return nil, &ManifestError{Kind: ManifestMalformed, Message: "syntax error", Err: err}
	}
	if raw == nil {
		return nil, &ManifestError{Kind: ManifestMalformed, Message: "empty descriptor"}
	}
	if o.strict {
		for key := range raw {
			if !knownFields[key] {
				return nil, &ManifestError{Kind: ManifestUnknownField, Field: key}
			}
		}
	}

	var m Manifest
	if err := unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Kind: ManifestMalformed, Message: "field type mismatch", Err: err}
	}
	declared := m.Permissions
	m.Permissions = nil
	for _, tok := range declared {
		p, ok := NormalizePermission(string(tok))
		if !ok {
			return nil, &ManifestError{Kind: ManifestMalformed, Field: "permissions",
				Message: fmt.Sprintf("unknown permission %q", tok)}
		}
		if !m.HasPermission(p) {
			m.Permissions = append(m.Permissions, p)
		}
	}
	m.PluginType = PluginType(strings.ToLower(string(m.PluginType)))

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate applies the schema rules to an already decoded manifest.
func (m *Manifest) Validate() error {
	malformed := func(field, format string, args ...any) error {
		return &ManifestError{Kind: ManifestMalformed, Field: field, Message: fmt.Sprintf(format, args...)}
	}

	switch {
	case m.Name == "":
		return malformed("name", "required field missing")
	case m.Version == "":
		return malformed("version", "required field missing")
	case m.PluginType == "":
		return malformed("plugin_type", "required field missing")
	case m.EntryPoint == "":
		return malformed("entry_point", "required field missing")
	}

	if !nameRegex.MatchString(m.Name) {
		return malformed("name", "%q must match %s", m.Name, nameRegex.String())
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return &ManifestError{Kind: ManifestInvalidVersion, Field: "version", Message: m.Version, Err: err}
	}
	if m.MinHostVersion != "" {
		if _, err := semver.StrictNewVersion(m.MinHostVersion); err != nil {
			return &ManifestError{Kind: ManifestInvalidVersion, Field: "min_host_version", Message: m.MinHostVersion, Err: err}
		}
	}
	if !m.PluginType.Valid() {
		return malformed("plugin_type", "unknown plugin type %q", m.PluginType)
	}
	if _, err := ParseEntryPoint(m.EntryPoint); err != nil {
		return &ManifestError{Kind: ManifestMalformed, Field: "entry_point", Err: err}
	}
	for _, p := range m.Permissions {
		if _, ok := NormalizePermission(string(p)); !ok {
			return malformed("permissions", "unknown permission %q", p)
		}
	}

	seen := make(map[string]bool, len(m.Dependencies))
	for i, d := range m.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		if d.Name == "" {
			return malformed(field, "dependency name is required")
		}
		if !nameRegex.MatchString(d.Name) {
			return malformed(field, "invalid dependency name %q", d.Name)
		}
		if d.Name == m.Name {
			return malformed(field, "plugin %s depends on itself", m.Name)
		}
		if seen[d.Name] {
			return malformed(field, "duplicate dependency %q", d.Name)
		}
		seen[d.Name] = true
		if _, err := semver.NewConstraint(d.ConstraintOrAny()); err != nil {
			return &ManifestError{Kind: ManifestInvalidVersion, Field: field, Message: d.Constraint, Err: err}
		}
	}
	return nil
}

// LoadManifest loads and parses a plugin manifest from a file
func LoadManifest(path string, opts ...ParseOption) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(data, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return m, nil
}

// FindManifest returns the path of the first descriptor present in dir.
func FindManifest(dir string) (string, error) {
	for _, name := range ManifestFileNames {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			return p, nil
		}
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
	}
	return "", fmt.Errorf("no manifest found in %s: %w", dir, fs.ErrNotExist)
}

// LoadManifestFromDir loads a plugin manifest from a package directory
func LoadManifestFromDir(dir string, opts ...ParseOption) (*Manifest, error) {
	p, err := FindManifest(dir)
	if err != nil {
		return nil, err
	}
	return LoadManifest(p, opts...)
}

// SaveManifest saves a plugin manifest to a file
func SaveManifest(manifest *Manifest, path string) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}

	return nil
}

// IsCompatibleHostVersion reports whether host satisfies the manifest's min_host_version.
func IsCompatibleHostVersion(m *Manifest, host string) (bool, error) {
	if m.MinHostVersion == "" || host == "" {
		return true, nil
	}
	hv, err := semver.NewVersion(host)
	if err != nil {
		return false, fmt.Errorf("invalid host version %q: %w", host, err)
	}
	minimum, err := semver.StrictNewVersion(m.MinHostVersion)
	if err != nil {
		return false, err
	}
	return !hv.LessThan(minimum), nil
}
