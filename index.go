package pfw

import (
	"errors"
	"fmt"
	"os"

	"github.com/tracekit/pfw/internal/indexdb"
)

// Checkpoint is a resumable decompressor state, re-exported from the
// sidecar store.
type Checkpoint = indexdb.Checkpoint

// LineAnchor is a known line boundary: the 1-based number of a line and
// the uncompressed offset of its first byte.
type LineAnchor struct {
	Line   uint64
	Offset uint64
}

// Index is a read-only view of an archive's sidecar. Any number of
// Index handles may exist for the same sidecar, and a single handle may
// be queried from several goroutines at once: the store serializes its
// queries internally.
type Index struct {
	db   *indexdb.DB
	meta indexdb.Meta
	path string
}

// OpenIndex opens the sidecar at indexPath and validates it against the
// archive. It returns ErrNotFound when either file is missing, ErrStale
// when the archive changed since the index was built or the sidecar
// carries a different schema version, and ErrCorrupt when the sidecar is
// otherwise unreadable.
func OpenIndex(archive, indexPath string) (*Index, error) {
	info, err := os.Stat(archive)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archive %s: %w", archive, ErrNotFound)
		}
		return nil, fmt.Errorf("stat archive %s: %w", archive, err)
	}
	if _, err := os.Stat(indexPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("index %s: %w", indexPath, ErrNotFound)
		}
		return nil, fmt.Errorf("stat index %s: %w", indexPath, err)
	}

	db, err := indexdb.Open(indexPath)
	if err != nil {
		if errors.Is(err, indexdb.ErrSchema) {
			return nil, fmt.Errorf("index %s: %w", indexPath, ErrStale)
		}
		return nil, fmt.Errorf("index %s: %w: %v", indexPath, ErrCorrupt, err)
	}
	meta, err := db.Meta()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("index %s: %w: %v", indexPath, ErrCorrupt, err)
	}
	if meta.SizeBytes != info.Size() || meta.MTimeUnixNano != info.ModTime().UnixNano() {
		db.Close()
		return nil, fmt.Errorf("index %s does not match %s: %w", indexPath, archive, ErrStale)
	}
	return &Index{db: db, meta: meta, path: indexPath}, nil
}

// Close releases the sidecar handle.
func (ix *Index) Close() error {
	if ix.db == nil {
		return nil
	}
	err := ix.db.Close()
	ix.db = nil
	return err
}

// Path returns the sidecar path.
func (ix *Index) Path() string { return ix.path }

// NumLines returns the total line count of the decompressed archive.
func (ix *Index) NumLines() uint64 { return ix.meta.NumLines }

// MaxBytes returns the decompressed size of the archive.
func (ix *Index) MaxBytes() uint64 { return ix.meta.MaxBytes }

// CheckpointSize returns the target checkpoint spacing used at build time.
func (ix *Index) CheckpointSize() uint64 { return ix.meta.CheckpointSize }

// CheckpointBefore returns the last checkpoint at or before the given
// uncompressed offset.
func (ix *Index) CheckpointBefore(offset uint64) (Checkpoint, error) {
	cp, err := ix.db.CheckpointBefore(offset)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return cp, nil
}

// CheckpointBeforeLine resolves the largest known line boundary at or
// before line, then the checkpoint covering that boundary's byte offset.
func (ix *Index) CheckpointBeforeLine(line uint64) (Checkpoint, LineAnchor, error) {
	e, err := ix.db.LineBefore(line)
	if err != nil {
		return Checkpoint{}, LineAnchor{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	cp, err := ix.db.CheckpointBefore(e.Offset)
	if err != nil {
		return Checkpoint{}, LineAnchor{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return cp, LineAnchor{Line: e.Line, Offset: e.Offset}, nil
}

// NumCheckpoints returns the number of checkpoints in the sidecar.
func (ix *Index) NumCheckpoints() (int64, error) {
	n, err := ix.db.NumCheckpoints()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return n, nil
}

// Checkpoints lists checkpoint positions (without windows), oldest first.
func (ix *Index) Checkpoints() ([]Checkpoint, error) {
	cps, err := ix.db.Checkpoints()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return cps, nil
}
