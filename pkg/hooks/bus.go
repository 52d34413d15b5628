package hooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/platinummonkey/hangar/pkg/async"
	"github.com/platinummonkey/hangar/pkg/plugins"
	"github.com/sirupsen/logrus"
)

// Event names emitted by the host
const (
	EventTemplateCreate     = "template_create"
	EventValidationComplete = "validation_complete"

	EventPluginDiscovered  = "plugin_discovered"
	EventPluginInstalled   = "plugin_installed"
	EventPluginRegistered  = "plugin_registered"
	EventPluginLoaded      = "plugin_loaded"
	EventPluginInitialized = "plugin_initialized"
	EventPluginActivated   = "plugin_activated"
	EventPluginDeactivated = "plugin_deactivated"
	EventPluginCleanedUp   = "plugin_cleaned_up"
	EventPluginUnloaded    = "plugin_unloaded"
	EventPluginFailed      = "plugin_failed"
	EventPluginUninstalled = "plugin_uninstalled"
	EventPluginUpdated     = "plugin_updated"

	// Wildcard subscribers receive every event.
	Wildcard = "*"
)

// DefaultTimeout bounds a single handler invocation.
const DefaultTimeout = 5 * time.Second

// TransitionEvent returns the event emitted on entering state s.
func TransitionEvent(s plugins.State) (string, bool) {
	switch s {
	case plugins.StateRegistered:
		return EventPluginRegistered, true
	case plugins.StateLoaded:
		return EventPluginLoaded, true
	case plugins.StateInitialized:
		return EventPluginInitialized, true
	case plugins.StateActive:
		return EventPluginActivated, true
	case plugins.StateInactive:
		return EventPluginDeactivated, true
	case plugins.StateCleanedUp:
		return EventPluginCleanedUp, true
	case plugins.StateUnloaded:
		return EventPluginUnloaded, true
	case plugins.StateFailed:
		return EventPluginFailed, true
	}
	return "", false
}

// Handler receives an event. Its return value is reported in Result.
type Handler func(ctx context.Context, event string, payload map[string]any) (any, error)

// Result is the outcome of one handler for one emission.
type Result struct {
	Owner    string        `json:"owner"`
	Value    any           `json:"value,omitempty"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

type subscription struct {
	event   string
	owner   string
	handler Handler
	seq     uint64
}

// Bus delivers host events to subscribed handlers in registration order.
type Bus struct {
	mu      sync.RWMutex
	subs    []subscription
	seq     uint64
	timeout time.Duration
	logger  *logrus.Logger
	observe func(event string, failed bool, d time.Duration)
}

// Option configures a Bus
type Option func(*Bus)

// WithTimeout sets the per-handler timeout
func WithTimeout(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithObserver registers a callback invoked after every handler
func WithObserver(fn func(event string, failed bool, d time.Duration)) Option {
	return func(b *Bus) {
		b.observe = fn
	}
}

// NewBus creates an empty bus
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		timeout: DefaultTimeout,
		logger:  logrus.New(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for event on behalf of owner.
func (b *Bus) Subscribe(event, owner string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.subs = append(b.subs, subscription{event: event, owner: owner, handler: handler, seq: b.seq})
}

// Unsubscribe removes every subscription of owner and returns how many were removed.
func (b *Bus) Unsubscribe(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.subs[:0]
	removed := 0
	for _, s := range b.subs {
		if s.owner == owner {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	// Clear the tail so removed handlers can be collected.
	for i := len(kept); i < len(b.subs); i++ {
		b.subs[i] = subscription{}
	}
	b.subs = kept
	return removed
}

// Subscribers returns the owners subscribed to event in delivery order.
func (b *Bus) Subscribers(event string) []string {
	var owners []string
	for _, s := range b.matching(event) {
		owners = append(owners, s.owner)
	}
	return owners
}

// Subscriptions returns the number of subscriptions per event
func (b *Bus) Subscriptions() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int)
	for _, s := range b.subs {
		out[s.event]++
	}
	return out
}

func (b *Bus) matching(event string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []subscription
	for _, s := range b.subs {
		if s.event == event || s.event == Wildcard {
			out = append(out, s)
		}
	}
	return out
}

// Emit delivers event to every matching handler in registration order. A
// failing, panicking or slow handler is recorded in its Result and does not
// stop delivery to the remaining handlers.
func (b *Bus) Emit(ctx context.Context, event string, payload map[string]any) []Result {
	subs := b.matching(event)
	results := make([]Result, 0, len(subs))
	for _, s := range subs {
		if err := ctx.Err(); err != nil {
			results = append(results, Result{Owner: s.owner, Err: err})
			continue
		}
		results = append(results, b.deliver(ctx, s, event, payload))
	}
	return results
}

func (b *Bus) deliver(ctx context.Context, s subscription, event string, payload map[string]any) Result {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	start := time.Now()
	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		var value any
		err := async.Recover("hook "+event, func() error {
			var err error
			value, err = s.handler(ctx, event, payload)
			return err
		})
		done <- outcome{value: value, err: err}
	}()

	var res Result
	select {
	case o := <-done:
		res = Result{Owner: s.owner, Value: o.value, Err: o.err}
	case <-ctx.Done():
		res = Result{Owner: s.owner, Err: ctx.Err()}
	}
	res.Duration = time.Since(start)

	if res.Err != nil {
		var perr *async.PanicError
		if errors.As(res.Err, &perr) {
			b.logger.WithField("plugin", s.owner).Errorf("Hook handler for %s panicked: %v", event, perr.Value)
		} else {
			b.logger.WithField("plugin", s.owner).WithError(res.Err).Warnf("Hook handler for %s failed", event)
		}
	}
	if b.observe != nil {
		b.observe(event, res.Err != nil, res.Duration)
	}
	return res
}
