package loader

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/platinummonkey/hangar/pkg/registry"
	"github.com/platinummonkey/hangar/pkg/sandbox"
	"github.com/sirupsen/logrus"
)

// Options configures a Loader
type Options struct {
	// InstallRoot holds one directory per installed plugin.
	InstallRoot string
	// TempRoot holds the private scratch directory of each loaded plugin.
	TempRoot string
	// DataDir is the shared host data directory plugins with file_write may use.
	DataDir string
	// RollbackRoot holds install snapshots. Defaults to <InstallRoot>/.rollback.
	RollbackRoot string

	Validator      *plugins.Validator
	Registry       *registry.Registry
	Limits         plugins.Limits
	Logger         *logrus.Logger
	SandboxOptions []sandbox.Option
	// OnViolation is called for every operation a sandbox denies.
	OnViolation func(*plugins.SecurityError)
}

// Source is a validated package ready to be installed.
type Source struct {
	Dir      string
	Manifest *plugins.Manifest
	// Origin is recorded as the record Source.
	Origin string
}

// InstallOptions controls Install
type InstallOptions struct {
	// Force replaces an installed plugin of a different version.
	Force bool
}

// InstallResult reports the outcome of Install
type InstallResult struct {
	Record           *registry.Record
	Report           *plugins.ValidationReport
	AlreadyInstalled bool
	// Replaced is the version that was overwritten by a forced install.
	Replaced string
}

// Handle is a plugin bound into a live sandbox.
type Handle struct {
	Name     string
	Manifest *plugins.Manifest
	Policy   plugins.SandboxPolicy
	Sandbox  *sandbox.Sandbox
	TempDir  string
	LoadedAt time.Time
}

// Call invokes a method on the plugin instance
func (h *Handle) Call(ctx context.Context, method string, args ...any) (any, error) {
	return h.Sandbox.Call(ctx, method, args...)
}

// Has reports whether the plugin instance defines method
func (h *Handle) Has(method string) bool {
	return h.Sandbox.Has(method)
}

// Snapshot is an installed plugin moved aside so it can be restored.
type Snapshot struct {
	Name   string
	Path   string
	Record *registry.Record
}

// Loader materializes packages under the install root and binds them into
// sandboxes.
type Loader struct {
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates a Loader and its directories
func New(opts Options) (*Loader, error) {
	if opts.InstallRoot == "" {
		return nil, errors.New("install root is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.Validator == nil {
		opts.Validator = plugins.NewValidator(opts.Logger)
	}
	if opts.Limits == (plugins.Limits{}) {
		opts.Limits = plugins.DefaultLimits()
	}
	if opts.TempRoot == "" {
		opts.TempRoot = filepath.Join(os.TempDir(), "hangar")
	}
	if opts.RollbackRoot == "" {
		opts.RollbackRoot = filepath.Join(opts.InstallRoot, ".rollback")
	}
	for _, dir := range []string{opts.InstallRoot, opts.TempRoot, opts.DataDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &Loader{
		opts:    opts,
		logger:  opts.Logger,
		handles: make(map[string]*Handle),
	}, nil
}

// InstallDir returns where name is installed
func (l *Loader) InstallDir(name string) string {
	return filepath.Join(l.opts.InstallRoot, name)
}

// Install copies a package under the install root, re-validates the copy and
// registers it at Installed. Installing the same name@version again is a
// no-op reported through AlreadyInstalled.
func (l *Loader) Install(ctx context.Context, src Source, opts InstallOptions) (*InstallResult, error) {
	m := src.Manifest
	if m == nil {
		return nil, errors.New("install source has no manifest")
	}
	log := l.logger.WithField("plugin", m.Name)

	var replaced string
	if existing, err := l.opts.Registry.Get(m.Name); err == nil {
		if existing.Version() == m.Version && dirExists(existing.InstallPath) {
			log.Infof("%s is already installed", m.Key())
			return &InstallResult{Record: existing, Report: existing.Report, AlreadyInstalled: true}, nil
		}
		if existing.Version() != m.Version && !opts.Force {
			return nil, plugins.NewPluginError(m.Name, "install",
				fmt.Errorf("%w: version %s is installed, refusing to install %s", plugins.ErrInstallConflict, existing.Version(), m.Version))
		}
		if l.isLoaded(m.Name) {
			return nil, plugins.NewPluginError(m.Name, "install", errors.New("plugin is loaded, unload it first"))
		}
		replaced = existing.Version()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	staging := filepath.Join(l.opts.InstallRoot, ".staging-"+m.Name+"-"+uuid.NewString())
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()
	if err := copyTree(src.Dir, staging); err != nil {
		return nil, plugins.NewPluginError(m.Name, "install", fmt.Errorf("failed to stage package: %w", err))
	}

	// The package may have changed since it was discovered.
	staged, err := plugins.LoadManifestFromDir(staging, plugins.WithStrict(l.opts.Validator.Strict()))
	if err != nil {
		return nil, err
	}
	if staged.Key() != m.Key() {
		return nil, plugins.NewPluginError(m.Name, "install",
			fmt.Errorf("%w: package now declares %s, expected %s", plugins.ErrInstallConflict, staged.Key(), m.Key()))
	}
	report, err := l.opts.Validator.Validate(ctx, staged, staging)
	if err != nil {
		return nil, err
	}

	target := l.InstallDir(m.Name)
	if err := l.replaceDir(staging, target); err != nil {
		return nil, plugins.NewPluginError(m.Name, "install", err)
	}
	committed = true

	rec := &registry.Record{
		Manifest:    staged,
		InstallPath: target,
		State:       plugins.StateInstalled,
		InstalledAt: time.Now().UTC(),
		ValidatedAt: report.CheckedAt,
		Report:      report,
		InstanceID:  uuid.NewString(),
		Source:      src.Origin,
	}
	if err := registry.WriteRecordFile(rec); err != nil {
		os.RemoveAll(target)
		return nil, plugins.NewPluginError(m.Name, "install", err)
	}
	if err := l.opts.Registry.Upsert(ctx, rec); err != nil {
		os.RemoveAll(target)
		return nil, err
	}

	log.Infof("Installed %s into %s (%s)", m.Key(), target, report.Summary())
	stored, err := l.opts.Registry.Get(m.Name)
	if err != nil {
		return nil, err
	}
	return &InstallResult{Record: stored, Report: report, Replaced: replaced}, nil
}

// replaceDir moves staging to target, swapping out any existing directory.
func (l *Loader) replaceDir(staging, target string) error {
	if !dirExists(target) {
		return os.Rename(staging, target)
	}
	old := filepath.Join(l.opts.InstallRoot, ".old-"+filepath.Base(target)+"-"+uuid.NewString())
	if err := os.Rename(target, old); err != nil {
		return err
	}
	if err := os.Rename(staging, target); err != nil {
		os.Rename(old, target)
		return err
	}
	return os.RemoveAll(old)
}

// Load binds an installed plugin into a new sandbox and records Loaded. A
// plugin that is already loaded returns its existing handle.
func (l *Loader) Load(ctx context.Context, name string) (*Handle, error) {
	l.mu.Lock()
	if h, ok := l.handles[name]; ok && !h.Sandbox.Closed() {
		l.mu.Unlock()
		return h, nil
	}
	l.mu.Unlock()

	rec, err := l.opts.Registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := plugins.CheckTransition(name, rec.State, plugins.StateLoaded); err != nil {
		return nil, err
	}

	h, err := l.bind(ctx, rec)
	if err != nil {
		if _, serr := l.opts.Registry.SetState(ctx, name, plugins.StateFailed, err); serr != nil {
			l.logger.WithError(serr).Errorf("Failed to record failure of %s", name)
		}
		return nil, err
	}

	if _, err := l.opts.Registry.SetState(ctx, name, plugins.StateLoaded, nil); err != nil {
		l.release(h)
		return nil, err
	}

	l.mu.Lock()
	l.handles[name] = h
	l.mu.Unlock()
	l.logger.WithField("plugin", name).Infof("Loaded %s", rec.Manifest.Key())
	return h, nil
}

func (l *Loader) bind(ctx context.Context, rec *registry.Record) (*Handle, error) {
	name := rec.Name()
	entry, err := rec.Manifest.Entry()
	if err != nil {
		return nil, plugins.NewPluginError(name, "load", err)
	}

	tmp := filepath.Join(l.opts.TempRoot, name)
	if err := os.MkdirAll(tmp, 0700); err != nil {
		return nil, plugins.NewPluginError(name, "load", err)
	}
	policy := plugins.DerivePolicy(rec.Manifest, l.opts.Limits, plugins.PolicyDirs{
		Install: rec.InstallPath,
		Temp:    tmp,
		Data:    l.opts.DataDir,
	})

	sbOpts := append([]sandbox.Option{
		sandbox.WithLogger(l.logger),
		sandbox.WithTempDir(tmp),
	}, l.opts.SandboxOptions...)
	if l.opts.OnViolation != nil {
		sbOpts = append(sbOpts, sandbox.WithViolationHandler(l.opts.OnViolation))
	}
	sb, err := sandbox.New(name, policy, sbOpts...)
	if err != nil {
		os.RemoveAll(tmp)
		return nil, plugins.NewPluginError(name, "load", err)
	}
	h := &Handle{
		Name:     name,
		Manifest: rec.Manifest,
		Policy:   policy,
		Sandbox:  sb,
		TempDir:  tmp,
		LoadedAt: time.Now(),
	}

	if err := sb.Load(ctx, entry, rec.InstallPath); err != nil {
		l.release(h)
		return nil, err
	}
	if contract, ok := plugins.Contract(rec.Manifest.PluginType); ok {
		for _, op := range contract.Required {
			if !sb.Has(op) {
				l.release(h)
				return nil, plugins.NewPluginError(name, "load",
					fmt.Errorf("%s plugins must define %s", contract.Type, op))
			}
		}
	}
	return h, nil
}

func (l *Loader) release(h *Handle) {
	if err := h.Sandbox.Close(); err != nil {
		l.logger.WithError(err).Warnf("Failed to close sandbox of %s", h.Name)
	}
	if err := os.RemoveAll(h.TempDir); err != nil {
		l.logger.WithError(err).Warnf("Failed to remove temp dir of %s", h.Name)
	}
}

// Handle returns the live handle of a loaded plugin
func (l *Loader) Handle(name string) (*Handle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[name]
	return h, ok
}

func (l *Loader) isLoaded(name string) bool {
	_, ok := l.Handle(name)
	return ok
}

// Loaded returns the names of plugins with a handle, sorted
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.handles))
	for name := range l.handles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Unload tears down the sandbox of name and releases its temp directory. The
// record moves to Unloaded when the lifecycle permits it; a Failed plugin
// stays Failed.
func (l *Loader) Unload(ctx context.Context, name string) error {
	l.mu.Lock()
	h, ok := l.handles[name]
	delete(l.handles, name)
	l.mu.Unlock()
	if ok {
		l.release(h)
	}

	rec, err := l.opts.Registry.Get(name)
	if err != nil {
		return err
	}
	if !rec.State.CanTransition(plugins.StateUnloaded) || rec.State == plugins.StateFailed {
		if ok {
			l.logger.WithField("plugin", name).Debugf("Released sandbox, keeping state %s", rec.State)
		}
		return nil
	}
	if _, err := l.opts.Registry.SetState(ctx, name, plugins.StateUnloaded, nil); err != nil {
		return err
	}
	l.logger.WithField("plugin", name).Infof("Unloaded %s", rec.Manifest.Key())
	return nil
}

// Remove deletes the install directory and registry record of name.
func (l *Loader) Remove(ctx context.Context, name string) error {
	l.mu.Lock()
	h, ok := l.handles[name]
	delete(l.handles, name)
	l.mu.Unlock()
	if ok {
		l.release(h)
	}

	rec, err := l.opts.Registry.Get(name)
	if err != nil {
		return err
	}
	if err := l.opts.Registry.Remove(ctx, name); err != nil {
		return err
	}
	if err := os.RemoveAll(rec.InstallPath); err != nil {
		return plugins.NewPluginError(name, "remove", err)
	}
	os.RemoveAll(filepath.Join(l.opts.TempRoot, name))
	l.logger.WithField("plugin", name).Infof("Removed %s", rec.Manifest.Key())
	return nil
}

// Snapshot moves the installation of name into the rollback area. The plugin
// must not be loaded.
func (l *Loader) Snapshot(name string) (*Snapshot, error) {
	if l.isLoaded(name) {
		return nil, plugins.NewPluginError(name, "snapshot", errors.New("plugin is loaded"))
	}
	rec, err := l.opts.Registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(l.opts.RollbackRoot, 0755); err != nil {
		return nil, plugins.NewPluginError(name, "snapshot", err)
	}
	path := filepath.Join(l.opts.RollbackRoot, name+"-"+rec.Version()+"-"+uuid.NewString())
	if err := os.Rename(rec.InstallPath, path); err != nil {
		return nil, plugins.NewPluginError(name, "snapshot", err)
	}
	l.logger.WithField("plugin", name).Debugf("Snapshot of %s kept at %s", rec.Manifest.Key(), path)
	return &Snapshot{Name: name, Path: path, Record: rec}, nil
}

// Restore puts a snapshot back in place, replacing whatever is installed
// under the same name, and restores its record.
func (l *Loader) Restore(ctx context.Context, snap *Snapshot) error {
	l.mu.Lock()
	h, ok := l.handles[snap.Name]
	delete(l.handles, snap.Name)
	l.mu.Unlock()
	if ok {
		l.release(h)
	}

	target := snap.Record.InstallPath
	if err := os.RemoveAll(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return plugins.NewPluginError(snap.Name, "restore", err)
	}
	if err := os.Rename(snap.Path, target); err != nil {
		return plugins.NewPluginError(snap.Name, "restore", err)
	}
	if err := l.opts.Registry.Upsert(ctx, snap.Record); err != nil {
		return err
	}
	if err := registry.WriteRecordFile(snap.Record); err != nil {
		l.logger.WithError(err).Warnf("Failed to rewrite record file of %s", snap.Name)
	}
	l.logger.WithField("plugin", snap.Name).Infof("Restored %s", snap.Record.Manifest.Key())
	return nil
}

// Discard deletes a snapshot
func (l *Loader) Discard(snap *Snapshot) error {
	return os.RemoveAll(snap.Path)
}

// Mirror rewrites the record file of an installed plugin
func (l *Loader) Mirror(rec *registry.Record) error {
	if !dirExists(rec.InstallPath) {
		return nil
	}
	return registry.WriteRecordFile(rec)
}

// Close releases every live sandbox without touching records.
func (l *Loader) Close() error {
	l.mu.Lock()
	handles := l.handles
	l.handles = make(map[string]*Handle)
	l.mu.Unlock()

	for _, h := range handles {
		l.release(h)
	}
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
