package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/hangar/pkg/async"
	"github.com/platinummonkey/hangar/pkg/marketplace"
	"github.com/platinummonkey/hangar/pkg/observability"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/platinummonkey/hangar/pkg/registry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Status is a point-in-time summary of the manager
type Status struct {
	Total        int             `json:"total"`
	Enabled      int             `json:"enabled"`
	ByState      map[string]int  `json:"by_state"`
	ByType       map[string]int  `json:"by_type"`
	Active       []string        `json:"active"`
	Loaded       []string        `json:"loaded"`
	Hooks        map[string]int  `json:"hooks"`
	Pool         async.PoolStats `json:"pool"`
	Repositories []string        `json:"repositories,omitempty"`
	HostVersion  string          `json:"host_version"`
}

// List returns the records matching filter, sorted by name
func (m *Manager) List(filter registry.Filter) []*registry.Record {
	return m.registry.List(filter)
}

// Get returns the record of name
func (m *Manager) Get(name string) (*registry.Record, error) {
	return m.registry.Get(name)
}

// Status summarizes the registry, the live sandboxes and the hook bus
func (m *Manager) Status() *Status {
	stats := m.registry.Stats()
	st := &Status{
		Total:       stats.Total,
		Enabled:     stats.Enabled,
		ByState:     stats.ByState,
		ByType:      stats.ByType,
		Loaded:      m.loader.Loaded(),
		Hooks:       m.bus.Subscriptions(),
		Pool:        m.pool.Stats(),
		HostVersion: m.cfg.HostVersion,
	}
	for _, rec := range m.registry.List(registry.Filter{States: []plugins.State{plugins.StateActive}}) {
		st.Active = append(st.Active, rec.Name())
	}
	if m.market != nil {
		st.Repositories = m.market.Repositories()
	}
	return st
}

// Search queries the marketplace
func (m *Manager) Search(ctx context.Context, q marketplace.SearchQuery) (items []*marketplace.Listing, err error) {
	if m.market == nil {
		return nil, marketplace.ErrNoRepositories
	}
	ctx, span := m.tracer.Start(ctx, "manager.Search", trace.WithAttributes(attribute.String("query", q.Query)))
	defer func() { observability.EndSpan(span, err) }()
	return m.market.Search(ctx, q)
}

// CheckUpdates compares every installed version against the marketplace
func (m *Manager) CheckUpdates(ctx context.Context) ([]marketplace.Update, error) {
	if m.versions == nil {
		return nil, marketplace.ErrNoRepositories
	}
	installed := make(map[string]string)
	for _, rec := range m.registry.List(registry.Filter{}) {
		installed[rec.Name()] = rec.Version()
	}
	return m.versions.CheckUpdates(ctx, installed)
}

// Call invokes a kind operation on an Active plugin. Script errors are
// returned to the caller; security violations and exhausted limits also
// mark the plugin Failed before Call returns.
func (m *Manager) Call(ctx context.Context, name, op string, args ...any) (result any, err error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.Call", trace.WithAttributes(
		observability.PluginAttr(name),
		attribute.String("operation", op),
	))
	defer func() { observability.EndSpan(span, err) }()

	rec, err := m.registry.Get(name)
	if err != nil {
		return nil, err
	}
	contract, ok := plugins.Contract(rec.Manifest.PluginType)
	if !ok || !contract.Supports(op) {
		return nil, plugins.NewPluginError(name, op, fmt.Errorf("%w: %s plugins do not offer %q", ErrUnsupportedOperation, rec.Manifest.PluginType, op))
	}
	h, ok := m.loader.Handle(name)
	if rec.State != plugins.StateActive || !ok {
		return nil, plugins.NewPluginError(name, op, fmt.Errorf("%w (state %s)", ErrNotActive, rec.State))
	}

	start := time.Now()
	err = m.pool.Do(ctx, func(ctx context.Context) error {
		r, err := h.Call(ctx, op, args...)
		result = r
		return err
	})
	m.metrics.RecordCall(name, op, err != nil, time.Since(start))

	if err != nil && fatal(err) && !errors.Is(err, context.Canceled) {
		m.lockAndFail(ctx, name, err)
	}
	return result, err
}
