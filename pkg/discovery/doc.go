// Package discovery finds plugin packages in an ordered list of search roots.
//
// A root entry is a candidate when it is a directory holding a manifest or a
// supported archive. Archives are extracted into a private staging directory
// before their manifest is read; entries that try to escape the staging
// directory, links and oversized content are rejected.
//
// Roots are ordered by precedence. When two roots provide the same plugin
// name the earlier root wins and the later package is reported as shadowed.
// Within a single root an identical name@version keeps the first entry in
// lexical order, while different versions of the same name are all excluded
// and reported as a conflict.
//
// Parsed manifests are memoized in a ManifestCache keyed on path,
// modification time and size, so repeated passes over unchanged roots only
// stat files. Watch keeps the cache honest for long running processes.
//
// Basic usage:
//
//	d := discovery.New([]discovery.Root{{Name: "user", Path: dir}})
//	defer d.Cleanup()
//	res, err := d.Discover(ctx)
package discovery
