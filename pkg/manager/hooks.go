package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/hangar/pkg/hooks"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Plugin objects receive events through on_<event>(payload), or through a
// generic handle_hook(event, payload) when no specific method exists.
const (
	hookMethodPrefix   = "on_"
	genericHookHandler = "handle_hook"
)

// subscribe registers the manifest hooks of an Active plugin
func (m *Manager) subscribe(name string) {
	rec, err := m.registry.Get(name)
	if err != nil {
		return
	}
	for _, event := range rec.Manifest.Hooks {
		m.bus.Subscribe(event, name, m.hookHandler(name))
	}
	if n := len(rec.Manifest.Hooks); n > 0 {
		m.log(name).Debugf("Subscribed to %d hooks", n)
	}
}

func (m *Manager) unsubscribe(name string) {
	if n := m.bus.Unsubscribe(name); n > 0 {
		m.log(name).Debugf("Unsubscribed from %d hooks", n)
	}
}

// hookHandler dispatches an event into the plugin sandbox. A handler that
// errors marks the plugin Failed; the emitter only sees the error in its
// results.
func (m *Manager) hookHandler(name string) hooks.Handler {
	return func(ctx context.Context, event string, payload map[string]any) (any, error) {
		h, ok := m.loader.Handle(name)
		if !ok {
			return nil, nil
		}

		method, args := hookMethodPrefix+event, []any{payload}
		if !h.Has(method) {
			if !h.Has(genericHookHandler) {
				return nil, nil
			}
			method, args = genericHookHandler, []any{event, payload}
		}

		var result any
		err := m.pool.Do(ctx, func(ctx context.Context) error {
			r, err := h.Call(ctx, method, args...)
			result = r
			return err
		})
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				m.failAsync(name, fmt.Errorf("hook %s: %w", event, err))
			}
			return nil, err
		}
		return result, nil
	}
}

// EmitHook delivers event to every subscribed plugin in registration order
func (m *Manager) EmitHook(ctx context.Context, event string, payload map[string]any) ([]hooks.Result, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := m.tracer.Start(ctx, "manager.EmitHook", trace.WithAttributes(attribute.String("event", event)))
	defer span.End()

	results := m.bus.Emit(ctx, event, payload)
	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("handlers", len(results)), attribute.Int("failed", failed))
	return results, nil
}
