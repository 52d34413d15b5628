package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/platinummonkey/hangar/pkg/dependencies"
	"github.com/platinummonkey/hangar/pkg/discovery"
	"github.com/platinummonkey/hangar/pkg/hooks"
	"github.com/platinummonkey/hangar/pkg/loader"
	"github.com/platinummonkey/hangar/pkg/marketplace"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/platinummonkey/hangar/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// InstallOptions controls Install
type InstallOptions struct {
	// Force replaces an installed plugin of a different version.
	Force bool
	// NoDeps skips pulling missing required dependencies from the search roots.
	NoDeps bool
	// Enable drives the plugin to Active after installing it.
	Enable bool
}

// InstallReport describes what Install did
type InstallReport struct {
	Installed        []string                             `json:"installed"`
	AlreadyInstalled []string                             `json:"already_installed,omitempty"`
	Order            []string                             `json:"order"`
	Warnings         []string                             `json:"warnings,omitempty"`
	Reports          map[string]*plugins.ValidationReport `json:"reports,omitempty"`
	Outcomes         []*Outcome                           `json:"outcomes,omitempty"`
}

// UninstallOptions controls Uninstall
type UninstallOptions struct {
	// Cascade uninstalls every plugin that requires the target first.
	Cascade bool
}

// UpdateReport describes the result of Update for one plugin
type UpdateReport struct {
	Plugin     string   `json:"plugin"`
	From       string   `json:"from"`
	To         string   `json:"to,omitempty"`
	Updated    bool     `json:"updated"`
	RolledBack bool     `json:"rolled_back,omitempty"`
	Outcome    *Outcome `json:"outcome,omitempty"`
}

// pending is a package selected for installation
type pending struct {
	cand   *discovery.Candidate
	origin string
}

func (p *pending) manifest() *plugins.Manifest { return p.cand.Manifest }

// sources locates packages for one install or update. It owns the staging
// and download directories it creates.
type sources struct {
	m         *Manager
	disc      *discovery.Discovery
	result    *discovery.Result
	downloads string
}

func (m *Manager) newSources() *sources {
	return &sources{m: m, disc: m.newDiscovery()}
}

func (s *sources) close() {
	if err := s.disc.Cleanup(); err != nil {
		s.m.logger.WithError(err).Warn("Failed to clean up staging directories")
	}
	if s.downloads != "" {
		os.RemoveAll(s.downloads)
	}
}

func (s *sources) discovered(ctx context.Context) (*discovery.Result, error) {
	if s.result != nil {
		return s.result, nil
	}
	res, err := s.disc.Discover(ctx)
	if err != nil {
		return nil, err
	}
	s.result = res
	return res, nil
}

// resolve turns a reference into a package. A reference is a path to a
// package directory or archive, or name[@version] looked up in the search
// roots and then the marketplace.
func (s *sources) resolve(ctx context.Context, ref string) (*pending, error) {
	if _, err := os.Stat(ref); err == nil {
		cand, err := s.disc.Inspect(ctx, ref)
		if err != nil {
			return nil, err
		}
		return &pending{cand: cand, origin: cand.Source}, nil
	}

	name, version, _ := strings.Cut(ref, "@")
	res, err := s.discovered(ctx)
	if err != nil {
		return nil, err
	}
	if cand, ok := res.ByName(name); ok && (version == "" || cand.Manifest.Version == version) {
		return &pending{cand: cand, origin: cand.Source}, nil
	}

	if s.m.market != nil {
		l, err := s.m.market.Get(ctx, name)
		switch {
		case errors.Is(err, plugins.ErrPluginNotFound):
		case err != nil:
			return nil, err
		case version != "" && l.Version != version:
			return nil, fmt.Errorf("%w: %s (marketplace offers %s)", plugins.ErrPluginNotFound, ref, l.Version)
		default:
			return s.fetch(ctx, l)
		}
	}
	return nil, fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, ref)
}

// fetch downloads a listing and inspects the package
func (s *sources) fetch(ctx context.Context, l *marketplace.Listing) (*pending, error) {
	if s.downloads == "" {
		base := filepath.Join(s.m.cfg.StagingDir(), "downloads")
		if err := os.MkdirAll(base, 0755); err != nil {
			return nil, err
		}
		dir, err := os.MkdirTemp(base, "dl-")
		if err != nil {
			return nil, err
		}
		s.downloads = dir
	}

	path, err := s.m.market.Download(ctx, l, s.downloads)
	if err != nil {
		return nil, err
	}
	cand, err := s.disc.Inspect(ctx, path)
	if err != nil {
		return nil, err
	}
	if cand.Manifest.Key() != l.Key() {
		return nil, plugins.NewPluginError(l.Name, "download",
			fmt.Errorf("%w: package declares %s, listing is %s", plugins.ErrInstallConflict, cand.Manifest.Key(), l.Key()))
	}
	return &pending{cand: cand, origin: "marketplace:" + l.Repository}, nil
}

// withDependencies adds discovered packages for required dependencies that
// are neither installed nor already selected. Unresolvable ones are left for
// the resolver to report.
func (s *sources) withDependencies(ctx context.Context, batch []*pending) ([]*pending, error) {
	selected := make(map[string]bool, len(batch))
	for _, p := range batch {
		selected[p.manifest().Name] = true
	}

	for i := 0; i < len(batch); i++ {
		for _, dep := range batch[i].manifest().RequiredDependencies() {
			if selected[dep.Name] || s.m.registry.Has(dep.Name) {
				continue
			}
			res, err := s.discovered(ctx)
			if err != nil {
				return nil, err
			}
			cand, ok := res.ByName(dep.Name)
			if !ok {
				continue
			}
			selected[dep.Name] = true
			batch = append(batch, &pending{cand: cand, origin: cand.Source})
		}
	}
	return batch, nil
}

// Install installs ref and its missing required dependencies in dependency
// order. Nothing is changed when validation or resolution fails, and a
// failure part way through removes or restores everything installed so far.
func (m *Manager) Install(ctx context.Context, ref string, opts InstallOptions) (report *InstallReport, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Install", trace.WithAttributes(attribute.String("ref", ref)))
	defer func() { observability.EndSpan(span, err) }()

	m.installMu.Lock()
	defer m.installMu.Unlock()

	src := m.newSources()
	defer src.close()

	root, err := src.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	rootName := root.manifest().Name
	batch := []*pending{root}
	if !opts.NoDeps {
		if batch, err = src.withDependencies(ctx, batch); err != nil {
			return nil, err
		}
	}

	report = &InstallReport{Reports: make(map[string]*plugins.ValidationReport)}
	fresh := make(map[string]*pending)
	var wasEnabled bool
	for _, p := range batch {
		mf := p.manifest()
		existing, err := m.registry.Get(mf.Name)
		if err == nil {
			if existing.Version() == mf.Version && dirExists(existing.InstallPath) {
				report.AlreadyInstalled = append(report.AlreadyInstalled, mf.Key())
				continue
			}
			if existing.Version() != mf.Version && !opts.Force {
				return nil, plugins.NewPluginError(mf.Name, "install",
					fmt.Errorf("%w: version %s is installed, refusing to install %s", plugins.ErrInstallConflict, existing.Version(), mf.Version))
			}
			wasEnabled = wasEnabled || (mf.Name == rootName && existing.Enabled)
		}
		fresh[mf.Name] = p
	}

	if len(fresh) > 0 {
		manifests := make([]*plugins.Manifest, 0, len(fresh))
		for _, p := range fresh {
			vr, err := m.validate(ctx, p.manifest(), p.cand.Dir)
			if err != nil {
				return nil, err
			}
			report.Reports[p.manifest().Name] = vr
			manifests = append(manifests, p.manifest())
		}

		res, err := m.resolveWith(manifests)
		if err != nil {
			return nil, err
		}
		report.Warnings = append(report.Warnings, res.Warnings...)
		for _, name := range res.Order {
			if _, ok := fresh[name]; ok {
				report.Order = append(report.Order, name)
			}
		}

		if err := m.installOrdered(ctx, report.Order, fresh, opts.Force); err != nil {
			return nil, err
		}
		for _, name := range report.Order {
			report.Installed = append(report.Installed, fresh[name].manifest().Key())
		}
	}

	if opts.Enable || wasEnabled {
		out, err := m.Enable(ctx, rootName)
		if err != nil {
			return report, err
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	return report, nil
}

type undo struct {
	name string
	snap *loader.Snapshot
}

// installOrdered copies each package under the install root and registers
// it. On failure, everything done so far is unwound in reverse.
func (m *Manager) installOrdered(ctx context.Context, order []string, fresh map[string]*pending, force bool) error {
	var done []undo
	rollback := func(cause error) error {
		rctx := context.WithoutCancel(ctx)
		for i := len(done) - 1; i >= 0; i-- {
			u := done[i]
			var err error
			if u.snap != nil {
				err = m.loader.Restore(rctx, u.snap)
			} else {
				err = m.loader.Remove(rctx, u.name)
			}
			if err != nil {
				m.log(u.name).WithError(err).Error("Rollback incomplete")
			}
		}
		m.refreshGauges()
		return cause
	}

	for _, name := range order {
		p := fresh[name]
		snap, err := m.setAside(ctx, name)
		if err != nil {
			return rollback(err)
		}

		res, err := m.loader.Install(ctx, loader.Source{Dir: p.cand.Dir, Manifest: p.manifest(), Origin: p.origin},
			loader.InstallOptions{Force: force})
		if err != nil {
			if snap != nil {
				done = append(done, undo{name: name, snap: snap})
			}
			return rollback(err)
		}
		done = append(done, undo{name: name, snap: snap})

		m.metrics.RecordTransition(plugins.StateValidated.String(), plugins.StateInstalled.String(), false, 0)
		m.bus.Emit(ctx, hooks.EventPluginInstalled, map[string]any{
			"plugin":   name,
			"version":  res.Record.Version(),
			"source":   p.origin,
			"replaced": res.Replaced,
		})

		unlock := m.locks.Lock(name)
		err = m.step(ctx, name, plugins.StateInstalled, plugins.StateRegistered)
		unlock()
		if err != nil {
			return rollback(err)
		}
	}

	for _, u := range done {
		if u.snap != nil {
			if err := m.loader.Discard(u.snap); err != nil {
				m.log(u.name).WithError(err).Warn("Failed to discard snapshot")
			}
		}
	}
	return nil
}

// setAside stops an installed plugin and moves it into the rollback area.
// It returns nil when name is not installed.
func (m *Manager) setAside(ctx context.Context, name string) (*loader.Snapshot, error) {
	if !m.registry.Has(name) {
		return nil, nil
	}
	unlock := m.locks.Lock(name)
	defer unlock()
	if _, err := m.stop(ctx, name); err != nil {
		return nil, err
	}
	return m.loader.Snapshot(name)
}

// resolveWith resolves manifests against the installed set they would join:
// their dependency closure and every installed plugin that requires them.
func (m *Manager) resolveWith(manifests []*plugins.Manifest) (*dependencies.Resolution, error) {
	byName := make(map[string]*plugins.Manifest)
	for _, mf := range m.registry.Manifests() {
		byName[mf.Name] = mf
	}
	for _, mf := range manifests {
		byName[mf.Name] = mf
	}
	all := make([]*plugins.Manifest, 0, len(byName))
	for _, mf := range byName {
		all = append(all, mf)
	}
	g := dependencies.NewGraph(all)

	include := make(map[string]bool)
	add := func(name string) {
		include[name] = true
		for _, dep := range g.TransitiveDependencies(name, true) {
			include[dep] = true
		}
	}
	for _, mf := range manifests {
		add(mf.Name)
		for _, dependent := range g.ImpactAnalysis(mf.Name).TransitiveDependents {
			add(dependent)
		}
	}

	subset := make([]*plugins.Manifest, 0, len(include))
	for name := range include {
		if mf, ok := byName[name]; ok {
			subset = append(subset, mf)
		}
	}
	sort.Slice(subset, func(i, j int) bool { return subset[i].Name < subset[j].Name })
	return m.resolver.Resolve(subset)
}

// validate runs the validator and reports the result on the bus
func (m *Manager) validate(ctx context.Context, mf *plugins.Manifest, dir string) (*plugins.ValidationReport, error) {
	report, err := m.validator.Validate(ctx, mf, dir)
	if report == nil {
		return nil, err
	}

	result := "passed"
	switch {
	case err != nil:
		result = "blocked"
	case len(report.Findings) > 0:
		result = "warned"
	}
	m.metrics.RecordValidation(result)
	m.bus.Emit(ctx, hooks.EventValidationComplete, map[string]any{
		"plugin":   mf.Name,
		"version":  mf.Version,
		"result":   result,
		"critical": report.Count(plugins.SeverityCritical),
		"warnings": report.Count(plugins.SeverityWarning),
	})
	return report, err
}

// Validate inspects and validates the package at path without installing it
func (m *Manager) Validate(ctx context.Context, path string) (report *plugins.ValidationReport, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Validate", trace.WithAttributes(attribute.String("path", path)))
	defer func() { observability.EndSpan(span, err) }()

	d := m.newDiscovery()
	defer d.Cleanup()

	cand, err := d.Inspect(ctx, path)
	if err != nil {
		return nil, err
	}
	return m.validate(ctx, cand.Manifest, cand.Dir)
}

// Uninstall removes name. It refuses while enabled plugins require name
// unless Cascade is set, in which case those dependents go first.
func (m *Manager) Uninstall(ctx context.Context, name string, opts UninstallOptions) (removed []string, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Uninstall", trace.WithAttributes(observability.PluginAttr(name)))
	defer func() { observability.EndSpan(span, err) }()

	m.installMu.Lock()
	defer m.installMu.Unlock()

	if !m.registry.Has(name) {
		return nil, fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
	}

	targets := []string{name}
	if dependents := m.registry.Dependents(name, true); len(dependents) > 0 {
		if !opts.Cascade {
			return nil, &plugins.DependencyInUseError{Plugin: name, Dependents: dependents}
		}
		impact := dependencies.NewGraph(m.registry.Manifests()).ImpactAnalysis(name)
		targets = append(m.removalOrder(impact.TransitiveDependents), name)
	}

	for _, target := range targets {
		if err := m.remove(ctx, target); err != nil {
			return removed, err
		}
		removed = append(removed, target)
	}
	return removed, nil
}

// removalOrder sorts names so every plugin comes before the plugins it requires
func (m *Manager) removalOrder(names []string) []string {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	g := dependencies.NewGraph(m.registry.Manifests())

	var order []string
	visited := make(map[string]bool)
	var visit func(string)
	visit = func(n string) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, dependent := range g.Dependents(n, false) {
			if set[dependent] {
				visit(dependent)
			}
		}
		order = append(order, n)
	}
	for _, n := range names {
		visit(n)
	}
	return order
}

func (m *Manager) remove(ctx context.Context, name string) error {
	unlock := m.locks.Lock(name)
	defer unlock()

	rec, err := m.registry.Get(name)
	if err != nil {
		return err
	}
	if _, err := m.stop(ctx, name); err != nil {
		return err
	}
	m.unsubscribe(name)
	if err := m.loader.Remove(ctx, name); err != nil {
		return err
	}
	m.bus.Emit(ctx, hooks.EventPluginUninstalled, map[string]any{
		"plugin":  name,
		"version": rec.Version(),
	})
	m.refreshGauges()
	m.log(name).Infof("Uninstalled %s", rec.Manifest.Key())
	return nil
}

// Update replaces name with the newest version found in the search roots or
// the marketplace. The new version must initialize; otherwise the previous
// installation is restored and, if it was enabled, re-activated.
func (m *Manager) Update(ctx context.Context, name string) (report *UpdateReport, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Update", trace.WithAttributes(observability.PluginAttr(name)))
	defer func() { observability.EndSpan(span, err) }()

	m.installMu.Lock()
	defer m.installMu.Unlock()

	rec, err := m.registry.Get(name)
	if err != nil {
		return nil, err
	}
	report = &UpdateReport{Plugin: name, From: rec.Version()}

	src := m.newSources()
	defer src.close()

	next, err := m.newestSource(ctx, src, rec)
	if err != nil || next == nil {
		return report, err
	}
	mf := next.manifest()
	report.To = mf.Version

	if _, err := m.validate(ctx, mf, next.cand.Dir); err != nil {
		return report, err
	}
	if _, err := m.resolveWith([]*plugins.Manifest{mf}); err != nil {
		return report, err
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	wasEnabled := rec.Enabled
	if _, err := m.stop(ctx, name); err != nil {
		return report, err
	}
	snap, err := m.loader.Snapshot(name)
	if err != nil {
		return report, err
	}

	restore := func(cause error) (*UpdateReport, error) {
		rctx := context.WithoutCancel(ctx)
		if _, err := m.stop(rctx, name); err != nil {
			m.log(name).WithError(err).Warn("Failed to stop new version")
		}
		if err := m.loader.Restore(rctx, snap); err != nil {
			return report, errors.Join(cause, err)
		}
		report.RolledBack = true
		if wasEnabled {
			out, err := m.advance(rctx, name, plugins.StateActive)
			if err != nil {
				return report, errors.Join(cause, err)
			}
			report.Outcome = out
		}
		m.refreshGauges()
		return report, plugins.NewPluginError(name, "update", cause)
	}

	if _, err := m.loader.Install(ctx, loader.Source{Dir: next.cand.Dir, Manifest: mf, Origin: next.origin},
		loader.InstallOptions{Force: true}); err != nil {
		return restore(err)
	}
	if err := m.step(ctx, name, plugins.StateInstalled, plugins.StateRegistered); err != nil {
		return restore(err)
	}
	out, err := m.advance(ctx, name, plugins.StateInitialized)
	if err != nil {
		return restore(err)
	}
	if out.Failed {
		return restore(fmt.Errorf("version %s failed to initialize: %w", mf.Version, out.Err))
	}

	if err := m.loader.Discard(snap); err != nil {
		m.log(name).WithError(err).Warn("Failed to discard snapshot")
	}
	if err := m.setEnabled(ctx, name, wasEnabled); err != nil {
		return report, err
	}

	target := plugins.StateUnloaded
	if wasEnabled {
		target = plugins.StateActive
	}
	if report.Outcome, err = m.advance(ctx, name, target); err != nil {
		return report, err
	}
	report.Updated = true

	m.bus.Emit(ctx, hooks.EventPluginUpdated, map[string]any{
		"plugin": name,
		"from":   report.From,
		"to":     report.To,
	})
	m.log(name).Infof("Updated %s from %s to %s", name, report.From, report.To)
	return report, nil
}

// newestSource returns a package newer than rec, or nil when rec is current
func (m *Manager) newestSource(ctx context.Context, src *sources, rec *registry.Record) (*pending, error) {
	var best *pending
	res, err := src.discovered(ctx)
	if err != nil {
		return nil, err
	}
	if cand, ok := res.ByName(rec.Name()); ok && marketplace.Compare(cand.Manifest.Version, rec.Version()) > 0 {
		best = &pending{cand: cand, origin: cand.Source}
	}

	if m.market != nil {
		l, err := m.market.Get(ctx, rec.Name())
		switch {
		case errors.Is(err, plugins.ErrPluginNotFound):
		case err != nil:
			if best == nil {
				return nil, err
			}
			m.log(rec.Name()).WithError(err).Warn("Marketplace lookup failed")
		case marketplace.Compare(l.Version, rec.Version()) > 0 &&
			(best == nil || marketplace.Compare(l.Version, best.manifest().Version) > 0):
			if best, err = src.fetch(ctx, l); err != nil {
				return nil, err
			}
		}
	}
	return best, nil
}

// UpdateAll updates every installed plugin that has a newer version.
// Failures are reported per plugin and do not stop the pass.
func (m *Manager) UpdateAll(ctx context.Context) ([]*UpdateReport, error) {
	var (
		reports []*UpdateReport
		errs    []error
	)
	for _, rec := range m.registry.List(registry.Filter{}) {
		report, err := m.Update(ctx, rec.Name())
		if err != nil {
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
			errs = append(errs, err)
		}
		if report != nil && (report.Updated || report.RolledBack) {
			reports = append(reports, report)
		}
	}
	return reports, errors.Join(errs...)
}

// Discover scans the search roots. Archives are extracted for inspection
// only; their staging directories are gone when Discover returns.
func (m *Manager) Discover(ctx context.Context) (res *discovery.Result, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Discover")
	defer func() { observability.EndSpan(span, err) }()

	d := m.newDiscovery()
	defer d.Cleanup()

	start := time.Now()
	res, err = d.Discover(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordDiscovery(len(res.Candidates), len(res.Errors), time.Since(start))
	span.SetAttributes(attribute.Int("candidates", len(res.Candidates)))

	for _, c := range res.Candidates {
		m.bus.Emit(ctx, hooks.EventPluginDiscovered, map[string]any{
			"plugin":  c.Manifest.Name,
			"version": c.Manifest.Version,
			"source":  c.Source,
			"root":    c.Root,
		})
	}
	return res, nil
}

// Watch reports changes below the search roots until ctx is done
func (m *Manager) Watch(ctx context.Context, fn func(discovery.Event)) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	d := m.newDiscovery()
	defer d.Cleanup()
	return d.Watch(ctx, fn)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
