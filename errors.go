package pfw

import "errors"

// Sentinel errors. Callers match with errors.Is; anything not wrapping
// one of these is an underlying I/O failure.
var (
	// ErrInvalidArgument is returned for malformed requests: inverted
	// ranges, zero line numbers, unknown stream or range kinds, a zero
	// checkpoint size.
	ErrInvalidArgument = errors.New("pfw: invalid argument")

	// ErrNotFound is returned when the archive or its index sidecar does
	// not exist.
	ErrNotFound = errors.New("pfw: not found")

	// ErrStale is returned when the index fingerprint disagrees with the
	// archive on disk, or the sidecar carries a different schema version.
	// The caller decides between rebuild and abort.
	ErrStale = errors.New("pfw: stale index")

	// ErrCorrupt is returned for deflate errors, truncated streams,
	// checksum failures, and unreadable index sidecars.
	ErrCorrupt = errors.New("pfw: corrupt archive")

	// ErrOutOfRange is returned when a requested range extends past the
	// archive's decompressed size or line count.
	ErrOutOfRange = errors.New("pfw: range out of bounds")
)
