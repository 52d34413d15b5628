package plugins

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Validation rule identifiers.
const (
	RuleManifestSchema   = "manifest.schema"
	RuleEntryMissing     = "entrypoint.missing"
	RuleEntryEscape      = "entrypoint.escape"
	RuleEntrySymbol      = "entrypoint.symbol"
	RuleContractMissing  = "contract.missing"
	RuleHookName         = "hooks.unknown"
	RuleLuaParse         = "lua.parse"
	RuleDynamicExec      = "exec.dynamic"
	RuleImportSystem     = "import.system"
	RuleImportNetwork    = "import.network"
	RuleImportFilesystem = "import.filesystem"
	RuleImportDynamic    = "import.dynamic"
	RuleSecret           = "secret.hardcoded"
	RulePackageSize      = "package.size"
	RuleFileSize         = "file.size"
	RuleExecutable       = "file.executable"
	RuleSymlinkEscape    = "package.symlink"
)

const (
	DefaultMaxPackageSize = 50 * 1024 * 1024
	DefaultMaxSourceSize  = 1024 * 1024
)

var suspiciousExtensions = []string{".so", ".dll", ".dylib", ".exe", ".sh", ".bat", ".cmd", ".ps1"}

// Text files worth scanning for embedded credentials.
var secretScanExtensions = []string{".lua", ".json", ".yaml", ".yml", ".txt", ".cfg", ".ini", ".env", ".toml"}

type secretPattern struct {
	name    string
	pattern *regexp.Regexp
}

var secretPatterns = []secretPattern{
	{"API key", regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*["']([a-zA-Z0-9]{20,})["']`)},
	{"password", regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*["']([^"']{8,})["']`)},
	{"token", regexp.MustCompile(`(?i)(token|auth[_-]?token)\s*[:=]\s*["']([a-zA-Z0-9]{20,})["']`)},
	{"AWS access key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"private key", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
}

// Validator performs structural and security validation of plugin packages.
// It only reads the package; plugin code is never executed.
type Validator struct {
	strict         bool
	maxPackageSize int64
	maxFileSize    int64
	concurrency    int
	logger         *logrus.Logger
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithStrictMode makes warnings blocking.
func WithStrictMode(strict bool) ValidatorOption {
	return func(v *Validator) { v.strict = strict }
}

// WithMaxPackageSize sets the total package size ceiling in bytes.
func WithMaxPackageSize(n int64) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.maxPackageSize = n
		}
	}
}

// WithMaxFileSize sets the per-file size above which a warning is raised.
func WithMaxFileSize(n int64) ValidatorOption {
	return func(v *Validator) {
		if n > 0 {
			v.maxFileSize = n
		}
	}
}

// NewValidator creates a new plugin validator
func NewValidator(logger *logrus.Logger, opts ...ValidatorOption) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	v := &Validator{
		maxPackageSize: DefaultMaxPackageSize,
		maxFileSize:    DefaultMaxSourceSize,
		concurrency:    runtime.NumCPU(),
		logger:         logger,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Strict reports whether warnings block installation.
func (v *Validator) Strict() bool {
	return v.strict
}

// Validate runs the structural and security passes over the package in dir.
// A blocking report is returned together with a *ValidationError.
func (v *Validator) Validate(ctx context.Context, m *Manifest, dir string) (*ValidationReport, error) {
	report := &ValidationReport{
		Plugin:    m.Name,
		Version:   m.Version,
		Strict:    v.strict,
		CheckedAt: time.Now().UTC(),
	}

	for _, f := range v.ValidateStructure(m, dir) {
		report.Add(f)
	}

	findings, err := v.ScanSecurity(ctx, m, dir)
	if err != nil {
		return nil, fmt.Errorf("security scan of %s failed: %w", m.Name, err)
	}
	for _, f := range findings {
		report.Add(f)
	}
	sortFindings(report.Findings)

	v.logger.WithField("plugin", m.Key()).Debugf("Validation finished: %s", report.Summary())

	if report.Blocking() {
		return report, &ValidationError{Plugin: m.Name, Report: report}
	}
	return report, nil
}

// ValidateStructure checks schema conformance, entry point resolution and hook names.
func (v *Validator) ValidateStructure(m *Manifest, dir string) []Finding {
	var findings []Finding
	critical := func(rule, msg, file string) {
		findings = append(findings, Finding{Severity: SeverityCritical, RuleID: rule, Message: msg, File: file})
	}

	if err := m.Validate(); err != nil {
		critical(RuleManifestSchema, err.Error(), "")
	}

	for _, h := range m.Hooks {
		if !hookRegex.MatchString(h) {
			findings = append(findings, Finding{
				Severity: SeverityWarning,
				RuleID:   RuleHookName,
				Message:  fmt.Sprintf("hook name %q is not a valid event identifier", h),
			})
		}
	}

	entry, err := m.Entry()
	if err != nil {
		critical(RuleEntryMissing, err.Error(), "")
		return findings
	}
	path, err := ResolveModulePath(dir, entry.Module)
	if err != nil {
		critical(RuleEntryEscape, err.Error(), entry.Module)
		return findings
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		critical(RuleEntryMissing, fmt.Sprintf("entry module %s not found in package", entry.Module), entry.Module)
		return findings
	}

	src, err := os.ReadFile(path)
	if err != nil {
		critical(RuleEntryMissing, fmt.Sprintf("entry module unreadable: %v", err), entry.Module)
		return findings
	}
	shape, err := inspectEntryModule(src, entry.Module, entry.Symbol)
	if err != nil {
		// The security pass reports the parse error.
		return findings
	}
	if !shape.defined {
		findings = append(findings, Finding{
			Severity: SeverityWarning,
			RuleID:   RuleEntrySymbol,
			Message:  fmt.Sprintf("entry symbol %s is never assigned or returned", entry.Symbol),
			File:     entry.Module,
		})
	}
	if contract, ok := Contract(m.PluginType); ok && shape.defined {
		for _, op := range contract.Required {
			if !shape.methods[op] {
				findings = append(findings, Finding{
					Severity: SeverityWarning,
					RuleID:   RuleContractMissing,
					Message:  fmt.Sprintf("%s plugins must define %s", m.PluginType, op),
					File:     entry.Module,
				})
			}
		}
	}
	return findings
}

// ResolveModulePath joins a package-relative module path onto dir, rejecting
// absolute paths and paths that leave the package.
func ResolveModulePath(dir, module string) (string, error) {
	if filepath.IsAbs(module) {
		return "", fmt.Errorf("module path %s must be relative to the package", module)
	}
	clean := filepath.Clean(filepath.FromSlash(module))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("module path %s escapes the package", module)
	}
	full := filepath.Join(dir, clean)
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		// Missing files are reported by the caller.
		return full, nil
	}
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		root = dir
	}
	if !isWithin(resolved, root) {
		return "", fmt.Errorf("module path %s resolves outside the package", module)
	}
	return resolved, nil
}

// ScanSecurity statically analyses the package contents.
func (v *Validator) ScanSecurity(ctx context.Context, m *Manifest, dir string) ([]Finding, error) {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve package dir: %w", err)
	}

	var (
		findings []Finding
		total    int64
		luaFiles []string
		text     []string
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(root, path)
		rel = filepath.ToSlash(rel)

		if d.Type()&fs.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(path)
			if err != nil || !isWithin(target, root) {
				findings = append(findings, Finding{
					Severity: SeverityCritical,
					RuleID:   RuleSymlinkEscape,
					Message:  "symbolic link points outside the package",
					File:     rel,
				})
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()

		ext := strings.ToLower(filepath.Ext(path))
		if slices.Contains(suspiciousExtensions, ext) {
			findings = append(findings, Finding{
				Severity: SeverityWarning,
				RuleID:   RuleExecutable,
				Message:  fmt.Sprintf("package ships a native or script executable (%s)", ext),
				File:     rel,
			})
		}
		if info.Size() > v.maxFileSize {
			findings = append(findings, Finding{
				Severity: SeverityWarning,
				RuleID:   RuleFileSize,
				Message:  fmt.Sprintf("file is %d bytes, above the %d byte limit", info.Size(), v.maxFileSize),
				File:     rel,
			})
		}
		if ext == ".lua" {
			luaFiles = append(luaFiles, rel)
		}
		if slices.Contains(secretScanExtensions, ext) {
			text = append(text, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk package: %w", err)
	}

	if total > v.maxPackageSize {
		findings = append(findings, Finding{
			Severity: SeverityCritical,
			RuleID:   RulePackageSize,
			Message:  fmt.Sprintf("package is %d bytes, above the %d byte ceiling", total, v.maxPackageSize),
		})
	}

	perms := EffectivePermissions(m)
	var mu sync.Mutex
	collect := func(batch []Finding) {
		mu.Lock()
		findings = append(findings, batch...)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)
	for _, rel := range luaFiles {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			src, err := readLimited(filepath.Join(root, rel), v.maxPackageSize)
			if err != nil {
				return err
			}
			collect(scanLuaSource(src, rel, perms))
			return nil
		})
	}
	for _, rel := range text {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			collect(scanSecrets(filepath.Join(root, rel), rel, v.maxFileSize))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return dedupeFindings(findings), nil
}

func readLimited(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, limit))
}

func scanSecrets(path, rel string, limit int64) []Finding {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var findings []Finding
	scanner := bufio.NewScanner(io.LimitReader(f, limit))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Bytes()
		for _, sp := range secretPatterns {
			if sp.pattern.Match(text) {
				findings = append(findings, Finding{
					Severity: SeverityWarning,
					RuleID:   RuleSecret,
					Message:  fmt.Sprintf("potential hardcoded %s", sp.name),
					File:     rel,
					Line:     line,
				})
			}
		}
	}
	return findings
}

func isWithin(target, base string) bool {
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

var severityRank = map[Severity]int{SeverityCritical: 0, SeverityWarning: 1, SeverityInfo: 2}

func sortFindings(items []Finding) {
	slices.SortStableFunc(items, func(a, b Finding) int {
		if d := severityRank[a.Severity] - severityRank[b.Severity]; d != 0 {
			return d
		}
		if c := strings.Compare(a.File, b.File); c != 0 {
			return c
		}
		return a.Line - b.Line
	})
}

func dedupeFindings(items []Finding) []Finding {
	seen := make(map[string]bool, len(items))
	out := items[:0]
	for _, f := range items {
		key := fmt.Sprintf("%s|%s|%d|%s", f.RuleID, f.File, f.Line, f.Message)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}
