// Package registry stores the durable record of every installed plugin.
//
// A Registry wraps a Store and exposes upsert, get, list, update and remove
// operations keyed by plugin name. Writes are serialized and reach the store
// before the in-memory view changes, so a failed write never leaves a half
// applied record behind. Records handed out are copies.
//
// Two stores are provided:
//
//   - FileStore keeps a single JSON document. It writes a staging file, syncs
//     it, renames it over the document and keeps the previous version as a
//     .bak file.
//   - SQLStore keeps one row per plugin in SQLite or PostgreSQL and wraps each
//     write in a transaction.
//
// Every install directory also carries a record file. Recover uses those to
// rebuild the registry when the store has been lost.
package registry
