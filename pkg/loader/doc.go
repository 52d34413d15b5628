// Package loader installs plugin packages on disk and binds them into
// sandboxes.
//
// Install copies a package into a staging directory under the install root,
// re-reads and re-validates the copy, and only then renames it into place and
// registers it. A package that changed between discovery and install, or that
// fails validation, leaves neither files nor a record behind.
//
// Load derives the sandbox policy from the manifest, creates the plugin's
// private temp directory and binds the entry point. Unload and Remove release
// everything Load created. Snapshot, Restore and Discard keep the previous
// installation around while an update is in flight.
package loader
