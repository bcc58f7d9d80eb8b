// Package indexdb persists the gzip random-access index as a SQLite
// sidecar, one database file per archive. The schema is three tables:
// a single-row archive table carrying the fingerprint and totals, a
// checkpoints table keyed by uncompressed offset, and a sparse line map.
//
// A sidecar is written once, through a Builder that stages everything in
// a temp file and renames it into place on Commit, and is read-only
// afterwards. Checkpoint windows are stored raw-deflate-compressed; the
// store decompresses them on lookup. Lookups are single indexed queries,
// so opening an index never materializes the checkpoint array.
package indexdb
