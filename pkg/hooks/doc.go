// Package hooks is the event bus between the host and loaded plugins.
//
// The host emits named events such as template_create, validation_complete
// and one event per lifecycle transition. Plugins subscribe through the hooks
// listed in their manifest while they are active. Handlers run one at a time
// in registration order, each under its own timeout; a handler that fails,
// panics or times out is logged and reported in its Result while delivery
// continues with the next one.
package hooks
