// Package manager drives plugins through their lifecycle.
//
// A Manager ties the registry, loader, validator, resolver and hook bus
// together. Operations on one plugin are serialized by a per-name lock;
// operations that change the installed set (Install, Uninstall, Update) are
// serialized with each other.
//
//	m, err := manager.New(ctx, cfg, manager.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer m.Close(ctx)
//
//	report, err := m.Install(ctx, "./plugins/s3-provider", manager.InstallOptions{Enable: true})
//	out, err := m.Call(ctx, "s3-provider", "provider_name")
//
// # Failures
//
// A plugin that fails inside its sandbox (a lifecycle method raising or
// returning false, a denied operation, an exhausted limit) moves to Failed
// and plugin_failed is emitted. Lifecycle operations report this through
// Outcome rather than an error; errors are reserved for requests the manager
// refused or could not carry out.
//
// # Hooks
//
// Active plugins are subscribed to the events listed in their manifest. An
// event is delivered to on_<event>(payload) when the plugin defines it, and
// to handle_hook(event, payload) otherwise.
package manager
