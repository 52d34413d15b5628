package plugins

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	ErrMalformedManifest = errors.New("malformed manifest")
	ErrUnknownField      = errors.New("unknown manifest field")
	ErrInvalidVersion    = errors.New("invalid version")
	ErrPluginNotFound    = errors.New("plugin not found")
	ErrInstallConflict   = errors.New("conflicting plugin installation")
	ErrLimitExceeded     = errors.New("sandbox resource limit exceeded")
)

// ManifestErrorKind classifies a ManifestError.
type ManifestErrorKind int

const (
	ManifestMalformed ManifestErrorKind = iota
	ManifestUnknownField
	ManifestInvalidVersion
)

func (k ManifestErrorKind) String() string {
	switch k {
	case ManifestMalformed:
		return "malformed"
	case ManifestUnknownField:
		return "unknown field"
	case ManifestInvalidVersion:
		return "invalid version"
	default:
		return "unknown"
	}
}

// ManifestError is returned when a descriptor cannot be parsed or fails schema rules.
type ManifestError struct {
	Kind    ManifestErrorKind
	Field   string
	Message string
	Err     error
}

func (e *ManifestError) Error() string {
	var b strings.Builder
	b.WriteString("manifest ")
	b.WriteString(e.Kind.String())
	if e.Field != "" {
		b.WriteString(" (")
		b.WriteString(e.Field)
		b.WriteString(")")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ManifestError) Unwrap() error { return e.Err }

// Is matches the kind sentinels so callers can use errors.Is(err, ErrInvalidVersion).
func (e *ManifestError) Is(target error) bool {
	switch target {
	case ErrMalformedManifest:
		return e.Kind == ManifestMalformed
	case ErrUnknownField:
		return e.Kind == ManifestUnknownField
	case ErrInvalidVersion:
		return e.Kind == ManifestInvalidVersion
	}
	return false
}

// ValidationError reports a blocking validation report.
type ValidationError struct {
	Plugin string
	Report *ValidationReport
}

func (e *ValidationError) Error() string {
	var blocking []string
	for _, f := range e.Report.Findings {
		if f.Severity == SeverityCritical || (e.Report.Strict && f.Severity == SeverityWarning) {
			blocking = append(blocking, f.RuleID)
		}
	}
	return fmt.Sprintf("plugin %s failed validation (%s): %s",
		e.Plugin, e.Report.Summary(), strings.Join(blocking, ", "))
}

// SecurityError is raised at the sandbox boundary when plugin code attempts an
// operation its policy does not allow.
type SecurityError struct {
	Plugin    string
	Operation string
	Target    string
	Reason    string
}

func (e *SecurityError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("plugin %s: %s denied: %s", e.Plugin, e.Operation, e.Reason)
	}
	return fmt.Sprintf("plugin %s: %s %s denied: %s", e.Plugin, e.Operation, e.Target, e.Reason)
}

// DependencyConflictError reports a constraint no available version satisfies.
type DependencyConflictError struct {
	Requester  string
	Target     string
	Constraint string
	Found      string // highest available version, empty when the target is absent
}

func (e *DependencyConflictError) Error() string {
	found := e.Found
	if found == "" {
		found = "none"
	}
	return fmt.Sprintf("%s requires %s%s, found %s", e.Requester, e.Target, e.Constraint, found)
}

// CircularDependencyError carries the cycle path; the first and last element are equal.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return "circular dependency: " + strings.Join(e.Cycle, " -> ")
}

// InvalidTransitionError reports lifecycle misuse.
type InvalidTransitionError struct {
	Plugin string
	From   State
	To     State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("plugin %s: invalid transition %s -> %s", e.Plugin, e.From, e.To)
}

// DependencyInUseError is returned when removing a plugin that enabled plugins still require.
type DependencyInUseError struct {
	Plugin     string
	Dependents []string
}

func (e *DependencyInUseError) Error() string {
	return fmt.Sprintf("plugin %s is required by %s", e.Plugin, strings.Join(e.Dependents, ", "))
}

// PluginError is a generic load, unload or I/O failure.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s: %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error { return e.Err }

// NewPluginError wraps err, leaving nil untouched.
func NewPluginError(plugin, op string, err error) error {
	if err == nil {
		return nil
	}
	return &PluginError{Plugin: plugin, Op: op, Err: err}
}
