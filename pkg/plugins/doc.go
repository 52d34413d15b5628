// Package plugins defines the plugin model shared by every hangar component.
//
// # Overview
//
// A plugin is a package directory (or zip/tar archive) holding a descriptor
// (plugin.yaml, plugin.json or manifest.json) and Lua sources. The descriptor
// names the entry point as "module.lua:Symbol"; Symbol is a table implementing
// the lifecycle methods and the operations of its kind.
//
// # Manifest
//
//	name: aws-s3
//	version: 1.2.0
//	plugin_type: template
//	entry_point: main.lua:Plugin
//	min_host_version: 0.4.0
//	permissions: [file_read, temp_write]
//	hooks: [template_create]
//	dependencies:
//	  - name: aws-core
//	    version: ^1.0.0
//
// Parse enforces the schema. Errors are *ManifestError values matching
// ErrMalformedManifest, ErrUnknownField (strict mode only) or ErrInvalidVersion.
//
// # Kinds
//
// The set of kinds is closed. Contract returns the operations each kind exposes:
//
//	template:  generate, render, supported_providers
//	provider:  provider_name, validate_credentials
//	validator: validate
//	hook:      hook_points
//
// # Lifecycle
//
//	discovered -> validated -> installed -> registered -> loaded -> initialized
//	  -> active <-> inactive -> cleaned_up -> unloaded
//
// Any state may move to failed. CheckTransition rejects everything else with an
// *InvalidTransitionError.
//
// # Validation
//
// Validator runs a structural pass (schema, entry point, hook names) and a
// security pass over the Lua AST (dynamic code execution, os/io/debug access,
// undeclared network use, hardcoded credentials, package and file size,
// shipped executables). Critical findings always block installation; warnings
// block only in strict mode.
package plugins
