package pfw

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tracekit/pfw/internal/flatescan"
	"github.com/tracekit/pfw/internal/indexdb"
)

// DefaultCheckpointSize is the target spacing, in uncompressed bytes,
// between consecutive checkpoints.
const DefaultCheckpointSize = 4 << 20

type indexerOptions struct {
	checkpointSize uint64
	force          bool
	logger         *slog.Logger
}

// IndexerOption configures BuildIndex.
type IndexerOption func(*indexerOptions)

// WithCheckpointSize sets the target checkpoint spacing in uncompressed
// bytes. Checkpoints land on the first deflate block edge after the
// spacing is reached, so actual spacing can exceed the target by up to
// one block.
func WithCheckpointSize(n uint64) IndexerOption {
	return func(o *indexerOptions) {
		o.checkpointSize = n
	}
}

// WithForceRebuild makes BuildIndex discard any existing sidecar instead
// of reusing it.
func WithForceRebuild(force bool) IndexerOption {
	return func(o *indexerOptions) {
		o.force = force
	}
}

// WithIndexerLogger sets the logger for index builds. If not set,
// logging is disabled.
func WithIndexerLogger(logger *slog.Logger) IndexerOption {
	return func(o *indexerOptions) {
		o.logger = logger
	}
}

// BuildIndex scans the archive once and publishes its index sidecar
// atomically. When a valid sidecar built with the same checkpoint size
// already exists and force is not set, it is reused without a scan.
//
// Builds for the same archive must not run concurrently; the sidecar
// store has rename-over publish semantics but no writer lock.
func BuildIndex(archive, indexPath string, opts ...IndexerOption) (*Index, error) {
	o := indexerOptions{checkpointSize: DefaultCheckpointSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.checkpointSize == 0 {
		return nil, fmt.Errorf("%w: checkpoint size must be positive", ErrInvalidArgument)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if !o.force {
		ix, err := OpenIndex(archive, indexPath)
		if err == nil {
			if ix.CheckpointSize() == o.checkpointSize {
				logger.Debug("reusing existing index", "archive", archive, "index", indexPath)
				return ix, nil
			}
			ix.Close()
		} else if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStale) && !errors.Is(err, ErrCorrupt) {
			return nil, err
		}
	}

	info, err := os.Stat(archive)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archive %s: %w", archive, ErrNotFound)
		}
		return nil, fmt.Errorf("stat archive %s: %w", archive, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("archive %s is empty: %w", archive, ErrCorrupt)
	}

	logger.Debug("building index",
		"archive", archive,
		"index", indexPath,
		"checkpoint_size", o.checkpointSize,
	)

	f, err := os.Open(archive)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", archive, err)
	}
	defer f.Close()

	b, err := indexdb.Create(indexPath)
	if err != nil {
		return nil, fmt.Errorf("create index %s: %w", indexPath, err)
	}
	defer b.Abort()

	scan, err := scanArchive(f, b, o.checkpointSize)
	if err != nil {
		return nil, fmt.Errorf("index %s: %w", archive, err)
	}

	meta := indexdb.Meta{
		Path:           archive,
		SizeBytes:      info.Size(),
		MTimeUnixNano:  info.ModTime().UnixNano(),
		CheckpointSize: o.checkpointSize,
		NumLines:       scan.numLines,
		MaxBytes:       scan.maxBytes,
	}
	if err := b.Commit(meta); err != nil {
		return nil, err
	}

	logger.Debug("index built",
		"archive", archive,
		"checkpoints", scan.checkpoints,
		"lines", scan.numLines,
		"uncompressed_bytes", scan.maxBytes,
	)
	return OpenIndex(archive, indexPath)
}

// lineTracker accumulates line structure while the scanner emits
// plaintext. A checkpoint taken mid-line owes its line-map entry to the
// next newline; pendingLine carries that debt.
type lineTracker struct {
	processed   uint64
	newlines    uint64
	lastByte    byte
	pendingLine uint64
	anchors     []indexdb.LineEntry
}

func (t *lineTracker) consume(chunk []byte) {
	for i, c := range chunk {
		if c == '\n' {
			t.newlines++
			if t.pendingLine != 0 {
				t.anchors = append(t.anchors, indexdb.LineEntry{
					Line:   t.pendingLine,
					Offset: t.processed + uint64(i) + 1,
				})
				t.pendingLine = 0
			}
		}
	}
	if len(chunk) > 0 {
		t.lastByte = chunk[len(chunk)-1]
	}
	t.processed += uint64(len(chunk))
}

// atLineStart reports whether the next byte to be produced begins a line.
func (t *lineTracker) atLineStart() bool {
	return t.processed == 0 || t.lastByte == '\n'
}

// nextLineNumber is the 1-based number of the first line starting at or
// after the current offset.
func (t *lineTracker) nextLineNumber() uint64 {
	if t.atLineStart() {
		return t.newlines + 1
	}
	return t.newlines + 2
}

type scanResult struct {
	numLines    uint64
	maxBytes    uint64
	checkpoints int64
}

func scanArchive(f *os.File, b *indexdb.Builder, checkpointSize uint64) (scanResult, error) {
	tracker := &lineTracker{}
	sc := flatescan.NewScanner(f, tracker.consume)

	if err := sc.ReadHeader(); err != nil {
		return scanResult{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	seq := int64(0)
	if err := b.AddCheckpoint(indexdb.Checkpoint{
		Seq:              seq,
		CompressedOffset: uint64(sc.HeaderLen()),
		LineNumber:       1,
	}); err != nil {
		return scanResult{}, err
	}
	tracker.anchors = append(tracker.anchors, indexdb.LineEntry{Line: 1, Offset: 0})

	lastCheckpoint := uint64(0)
	for {
		bnd, final, err := sc.NextBlock()
		if err != nil {
			return scanResult{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out := uint64(sc.Output())
		if !final && out-lastCheckpoint >= checkpointSize {
			seq++
			cp := indexdb.Checkpoint{
				Seq:                seq,
				UncompressedOffset: out,
				CompressedOffset:   uint64(bnd.NextByte),
				Bits:               bnd.Bits,
				LineNumber:         tracker.nextLineNumber(),
				Window:             sc.Window(),
			}
			if err := b.AddCheckpoint(cp); err != nil {
				return scanResult{}, err
			}
			if tracker.atLineStart() {
				tracker.anchors = append(tracker.anchors, indexdb.LineEntry{
					Line:   cp.LineNumber,
					Offset: out,
				})
			} else {
				tracker.pendingLine = cp.LineNumber
			}
			lastCheckpoint = out
		}
		if final {
			break
		}
	}

	if err := sc.Finish(); err != nil {
		return scanResult{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	maxBytes := uint64(sc.Output())
	numLines := tracker.newlines
	if maxBytes > 0 && tracker.lastByte != '\n' {
		numLines++ // unterminated final line
	}

	for _, a := range tracker.anchors {
		if a.Offset >= maxBytes {
			continue // checkpoint landed inside the last line; no line starts after it
		}
		if err := b.AddLineEntry(a); err != nil {
			return scanResult{}, err
		}
	}

	return scanResult{numLines: numLines, maxBytes: maxBytes, checkpoints: seq + 1}, nil
}
