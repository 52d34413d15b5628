package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hangar/pkg/async"
	"github.com/platinummonkey/hangar/pkg/dependencies"
	"github.com/platinummonkey/hangar/pkg/hooks"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/platinummonkey/hangar/pkg/registry"
	"github.com/platinummonkey/hangar/pkg/sandbox"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Outcome reports where a lifecycle operation left a plugin. A plugin that
// failed inside its sandbox is reported here with Failed set, not as an error.
type Outcome struct {
	Plugin string        `json:"plugin"`
	From   plugins.State `json:"from"`
	To     plugins.State `json:"to"`
	Failed bool          `json:"failed"`
	Err    error         `json:"-"`
}

// Message returns the failure cause, if any
func (o *Outcome) Message() string {
	if o == nil || o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// pluginFailure marks a step whose failure has already been recorded
// against the plugin.
type pluginFailure struct {
	err error
}

func (f *pluginFailure) Error() string { return f.err.Error() }

func (f *pluginFailure) Unwrap() error { return f.err }

// Transition performs a single lifecycle step. Requesting the current state
// is a no-op; anything CheckTransition rejects is an InvalidTransitionError.
func (m *Manager) Transition(ctx context.Context, name string, target plugins.State) (out *Outcome, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Transition", trace.WithAttributes(
		observability.PluginAttr(name),
		attribute.String("target", target.String()),
	))
	defer func() { observability.EndSpan(span, err) }()

	unlock := m.locks.Lock(name)
	defer unlock()

	rec, err := m.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if err := plugins.CheckTransition(name, rec.State, target); err != nil {
		return nil, err
	}

	out = &Outcome{Plugin: name, From: rec.State, To: rec.State}
	if rec.State == target {
		return out, nil
	}
	if target == plugins.StateFailed {
		cause := errors.New("marked failed by operator")
		m.fail(ctx, name, rec.State, cause)
		out.To, out.Failed, out.Err = plugins.StateFailed, true, cause
		return out, nil
	}
	return m.apply(ctx, out, []plugins.State{target})
}

// advance walks name along the normal progression to target
func (m *Manager) advance(ctx context.Context, name string, target plugins.State) (*Outcome, error) {
	rec, err := m.registry.Get(name)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Plugin: name, From: rec.State, To: rec.State}
	if rec.State == target {
		return out, nil
	}
	path := rec.State.Path(target)
	if path == nil {
		return out, &plugins.InvalidTransitionError{Plugin: name, From: rec.State, To: target}
	}
	return m.apply(ctx, out, path)
}

func (m *Manager) apply(ctx context.Context, out *Outcome, path []plugins.State) (*Outcome, error) {
	for _, next := range path {
		if err := m.step(ctx, out.Plugin, out.To, next); err != nil {
			var pf *pluginFailure
			if errors.As(err, &pf) {
				out.To, out.Failed, out.Err = plugins.StateFailed, true, pf.err
				return out, nil
			}
			return out, err
		}
		out.To = next
	}
	return out, nil
}

// step moves name from one state to the next, invoking the lifecycle method
// for the target state inside the sandbox.
func (m *Manager) step(ctx context.Context, name string, from, to plugins.State) error {
	start := time.Now()

	var err error
	switch to {
	case plugins.StateRegistered:
		_, err = m.registry.SetState(ctx, name, to, nil)

	case plugins.StateLoaded:
		if _, err = m.loader.Load(ctx, name); err != nil {
			var invalid *plugins.InvalidTransitionError
			if errors.As(err, &invalid) || errors.Is(err, plugins.ErrPluginNotFound) {
				return err
			}
			return m.failed(ctx, name, from, err)
		}

	case plugins.StateUnloaded:
		m.unsubscribe(name)
		err = m.loader.Unload(ctx, name)

	default:
		method, ok := plugins.LifecycleMethod(to)
		if !ok {
			return &plugins.InvalidTransitionError{Plugin: name, From: from, To: to}
		}
		if to == plugins.StateInactive || to == plugins.StateCleanedUp {
			m.unsubscribe(name)
		}
		if cerr := m.callLifecycle(ctx, name, method); cerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return m.failed(ctx, name, from, cerr)
		}
		if _, err = m.registry.SetState(ctx, name, to, nil); err == nil && to == plugins.StateActive {
			m.subscribe(name)
		}
	}

	m.metrics.RecordTransition(from.String(), to.String(), err != nil, time.Since(start))
	if err != nil {
		return err
	}
	m.log(name).Debugf("Transition %s -> %s", from, to)
	m.emitTransition(ctx, name, from, to, nil)
	m.refreshGauges()
	return nil
}

// callLifecycle runs a lifecycle method on the worker pool. A missing method
// succeeds; a false return fails.
func (m *Manager) callLifecycle(ctx context.Context, name, method string) error {
	h, ok := m.loader.Handle(name)
	if !ok {
		return plugins.NewPluginError(name, method, errors.New("plugin has no sandbox"))
	}

	start := time.Now()
	var result any
	err := m.pool.Do(ctx, func(ctx context.Context) error {
		r, err := h.Call(ctx, method)
		result = r
		return err
	})
	if errors.Is(err, sandbox.ErrNoMethod) {
		return nil
	}
	m.metrics.RecordCall(name, method, err != nil, time.Since(start))
	if err != nil {
		return err
	}
	if b, isBool := result.(bool); isBool && !b {
		return plugins.NewPluginError(name, method, errors.New("returned false"))
	}
	return nil
}

func (m *Manager) failed(ctx context.Context, name string, from plugins.State, cause error) error {
	m.fail(ctx, name, from, cause)
	return &pluginFailure{err: cause}
}

// fail records Failed, releases the sandbox and emits plugin_failed. The
// caller holds the name lock.
func (m *Manager) fail(ctx context.Context, name string, from plugins.State, cause error) {
	ctx = context.WithoutCancel(ctx)
	log := m.log(name)
	log.WithError(cause).Errorf("Plugin failed in state %s", from)

	m.unsubscribe(name)
	if _, err := m.registry.SetState(ctx, name, plugins.StateFailed, cause); err != nil {
		log.WithError(err).Error("Failed to record plugin failure")
	}
	if err := m.loader.Unload(ctx, name); err != nil {
		log.WithError(err).Warn("Failed to release sandbox")
	}

	m.metrics.RecordTransition(from.String(), plugins.StateFailed.String(), true, 0)
	m.emitTransition(ctx, name, from, plugins.StateFailed, cause)
	m.refreshGauges()
}

// failAsync marks name Failed from outside its lock, e.g. from a hook
// handler that may run while the lock is held.
func (m *Manager) failAsync(name string, cause error) {
	async.SafeGo(context.Background(), time.Minute, "plugin failure "+name, m.logger, func(ctx context.Context) error {
		m.lockAndFail(ctx, name, cause)
		return nil
	})
}

// lockAndFail takes the name lock and marks name Failed unless it already
// is. The caller must not hold the lock.
func (m *Manager) lockAndFail(ctx context.Context, name string, cause error) {
	unlock := m.locks.Lock(name)
	defer unlock()
	if m.checkOpen() != nil {
		return
	}
	rec, err := m.registry.Get(name)
	if err != nil || rec.State == plugins.StateFailed {
		return
	}
	m.fail(ctx, name, rec.State, cause)
}

// fatal reports whether a call error means the sandbox can no longer be trusted
func fatal(err error) bool {
	var serr *plugins.SecurityError
	return errors.As(err, &serr) || errors.Is(err, plugins.ErrLimitExceeded) || errors.Is(err, sandbox.ErrClosed)
}

func (m *Manager) emitTransition(ctx context.Context, name string, from, to plugins.State, cause error) {
	event, ok := hooks.TransitionEvent(to)
	if !ok {
		return
	}
	payload := map[string]any{
		"plugin": name,
		"from":   from.String(),
		"to":     to.String(),
	}
	if rec, err := m.registry.Get(name); err == nil {
		payload["version"] = rec.Version()
		payload["type"] = string(rec.Manifest.PluginType)
	}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	m.bus.Emit(ctx, event, payload)
}

// Enable enables name and its required dependencies, in dependency order,
// and drives each to Active.
func (m *Manager) Enable(ctx context.Context, name string) (out *Outcome, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Enable", trace.WithAttributes(observability.PluginAttr(name)))
	defer func() { observability.EndSpan(span, err) }()

	order, err := m.dependencyOrder(name)
	if err != nil {
		return nil, err
	}
	for _, dep := range order {
		if dep == name {
			continue
		}
		o, err := m.enableOne(ctx, dep)
		if err != nil {
			return nil, plugins.NewPluginError(name, "enable", fmt.Errorf("dependency %s: %w", dep, err))
		}
		if o.Failed {
			return nil, plugins.NewPluginError(name, "enable", fmt.Errorf("dependency %s failed: %w", dep, o.Err))
		}
	}
	return m.enableOne(ctx, name)
}

// dependencyOrder resolves name together with its required dependency
// closure and returns the load order, name last.
func (m *Manager) dependencyOrder(name string) ([]string, error) {
	manifests := m.registry.Manifests()
	g := dependencies.NewGraph(manifests)
	if g.Node(name) == nil {
		return nil, fmt.Errorf("%w: %s", plugins.ErrPluginNotFound, name)
	}

	closure := map[string]bool{name: true}
	for _, dep := range g.TransitiveDependencies(name, false) {
		closure[dep] = true
	}
	var subset []*plugins.Manifest
	for _, mf := range manifests {
		if closure[mf.Name] {
			subset = append(subset, mf)
		}
	}
	res, err := m.resolver.Resolve(subset)
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

func (m *Manager) enableOne(ctx context.Context, name string) (*Outcome, error) {
	unlock := m.locks.Lock(name)
	defer unlock()

	rec, err := m.registry.Get(name)
	if err != nil {
		return nil, err
	}
	if !rec.Enabled {
		if err := m.setEnabled(ctx, name, true); err != nil {
			return nil, err
		}
	}
	out, err := m.advance(ctx, name, plugins.StateActive)
	if err == nil && !out.Failed && out.From != out.To {
		m.log(name).Infof("Enabled %s", rec.Manifest.Key())
	}
	return out, err
}

// Disable clears the enabled flag and unloads name. It refuses while enabled
// plugins still require name.
func (m *Manager) Disable(ctx context.Context, name string) (out *Outcome, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Disable", trace.WithAttributes(observability.PluginAttr(name)))
	defer func() { observability.EndSpan(span, err) }()

	if dependents := m.registry.Dependents(name, true); len(dependents) > 0 {
		return nil, &plugins.DependencyInUseError{Plugin: name, Dependents: dependents}
	}

	unlock := m.locks.Lock(name)
	defer unlock()

	if err := m.setEnabled(ctx, name, false); err != nil {
		return nil, err
	}
	out, err = m.stop(ctx, name)
	if err == nil {
		m.log(name).Infof("Disabled %s", name)
	}
	return out, err
}

// setEnabled persists the enabled flag and mirrors it into the record file
// so Recover restores it.
func (m *Manager) setEnabled(ctx context.Context, name string, enabled bool) error {
	rec, err := m.registry.Update(ctx, name, func(r *registry.Record) error {
		r.Enabled = enabled
		return nil
	})
	if err != nil {
		return err
	}
	if err := m.loader.Mirror(rec); err != nil {
		m.log(name).WithError(err).Warn("Failed to rewrite record file")
	}
	return nil
}

// stop drives a loaded plugin down to Unloaded. A Failed plugin only has
// its sandbox released. The caller holds the name lock.
func (m *Manager) stop(ctx context.Context, name string) (*Outcome, error) {
	rec, err := m.registry.Get(name)
	if err != nil {
		return nil, err
	}
	switch {
	case rec.State.IsLoaded():
		return m.advance(ctx, name, plugins.StateUnloaded)
	case rec.State == plugins.StateFailed:
		m.unsubscribe(name)
		if err := m.loader.Unload(ctx, name); err != nil {
			return nil, err
		}
	}
	return &Outcome{Plugin: name, From: rec.State, To: rec.State}, nil
}

// LoadAll drives every enabled plugin to Active in dependency order. Plugins
// whose required dependencies failed are skipped.
func (m *Manager) LoadAll(ctx context.Context) (outcomes []*Outcome, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.LoadAll")
	defer func() { observability.EndSpan(span, err) }()

	res, err := m.resolver.Resolve(m.registry.Manifests())
	if err != nil {
		return nil, err
	}

	failed := make(map[string]bool)
	for _, name := range res.Order {
		rec, err := m.registry.Get(name)
		if err != nil {
			return outcomes, err
		}
		if !rec.Enabled {
			continue
		}
		if dep := firstFailed(rec.Manifest, failed); dep != "" {
			m.log(name).Warnf("Skipping: dependency %s is not active", dep)
			failed[name] = true
			continue
		}

		out, err := m.enableOne(ctx, name)
		if err != nil {
			if ctx.Err() != nil {
				return outcomes, ctx.Err()
			}
			m.log(name).WithError(err).Warn("Failed to load plugin")
			failed[name] = true
			continue
		}
		if out.Failed {
			failed[name] = true
		}
		outcomes = append(outcomes, out)
	}
	m.logger.Infof("Loaded %d of %d enabled plugins", len(outcomes)-countFailed(outcomes), len(outcomes)+len(failed)-countFailed(outcomes))
	return outcomes, nil
}

func firstFailed(mf *plugins.Manifest, failed map[string]bool) string {
	for _, dep := range mf.RequiredDependencies() {
		if failed[dep.Name] {
			return dep.Name
		}
	}
	return ""
}

func countFailed(outcomes []*Outcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Failed {
			n++
		}
	}
	return n
}
