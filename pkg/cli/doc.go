// Package cli provides the hangar command-line interface for plugin management.
//
// # Overview
//
// Every command lives under `hangar plugin`. Each invocation opens a plugin
// manager over the configured home directory, performs one operation and
// closes the manager again.
//
// # Commands
//
// list: Show installed plugins
//
//	hangar plugin list --type template --enabled-only --format json
//
// install: Install from a path, an archive, a discovered name or the marketplace
//
//	hangar plugin install ./plugins/s3-provider
//	hangar plugin install aws-templates@1.2.0 --no-enable
//
// uninstall: Remove a plugin, optionally with everything that requires it
//
//	hangar plugin uninstall aws-templates --cascade
//
// search: Query the marketplace
//
//	hangar plugin search terraform --category templates --limit 10
//
// update: Replace plugins with newer versions, rolling back on failure
//
//	hangar plugin update aws-templates
//	hangar plugin update --all
//
// validate: Run the validator over a package without installing it
//
//	hangar plugin validate ./my-plugin --strict
//
// discover: Scan the search roots, optionally watching them for changes
//
//	hangar plugin discover --watch
//
// daemon: Keep enabled plugins running, apply scheduled updates and serve metrics
//
//	hangar plugin daemon --metrics-addr :9090
//
// # Configuration
//
// Settings come from the file given by --config (or HANGAR_CONFIG) and from
// HANGAR_* environment variables. --home and --log-level override both.
//
// # Exit codes
//
//	0  success
//	1  generic error
//	2  manifest or validation failure
//	3  dependency conflict, cycle or plugin in use
//	4  plugin not found
//	5  security violation or plugin runtime failure
package cli
