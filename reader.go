package pfw

import (
	"errors"
	"fmt"
	"math"
	"os"
)

// Reader validates an (archive, index) pair and constructs streams over
// it. A Reader holds no file descriptor of its own: every Stream opens
// its own archive handle and owns its own decompressor, so streams from
// one Reader are fully independent. The Index is the only shared state
// and it is read-only.
type Reader struct {
	archive string
	ix      *Index
}

// Open validates that the index still matches the archive on disk and
// returns a Reader over the pair.
func Open(archive string, ix *Index) (*Reader, error) {
	info, err := os.Stat(archive)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("archive %s: %w", archive, ErrNotFound)
		}
		return nil, fmt.Errorf("stat archive %s: %w", archive, err)
	}
	if ix.meta.SizeBytes != info.Size() || ix.meta.MTimeUnixNano != info.ModTime().UnixNano() {
		return nil, fmt.Errorf("index %s does not match %s: %w", ix.path, archive, ErrStale)
	}
	return &Reader{archive: archive, ix: ix}, nil
}

// Archive returns the archive path.
func (r *Reader) Archive() string { return r.archive }

// NumLines returns the total line count of the decompressed archive.
func (r *Reader) NumLines() uint64 { return r.ix.NumLines() }

// MaxBytes returns the decompressed size of the archive.
func (r *Reader) MaxBytes() uint64 { return r.ix.MaxBytes() }

// EstimateLinesInRange estimates how many lines the byte range
// [start, end) holds, assuming uniform line density plus 10% headroom.
// Used by manifest mapping; never authoritative.
func (r *Reader) EstimateLinesInRange(start, end uint64) uint64 {
	maxBytes := r.ix.MaxBytes()
	if maxBytes == 0 || end <= start {
		return 0
	}
	density := float64(r.ix.NumLines()) / float64(maxBytes)
	return uint64(math.Ceil(float64(end-start) * density * 1.1))
}

// Stream validates cfg and constructs a stream over the requested range.
func (r *Reader) Stream(cfg StreamConfig) (Stream, error) {
	if err := r.validate(&cfg); err != nil {
		return nil, err
	}
	switch cfg.Range {
	case ByteRange:
		if cfg.Kind == KindBytes {
			return newByteStream(r, cfg)
		}
		return newAlignedStream(r, cfg)
	case LineRange:
		return newLineRangeStream(r, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown range kind %d", ErrInvalidArgument, cfg.Range)
	}
}

func (r *Reader) validate(cfg *StreamConfig) error {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultStreamBuffer
	}
	switch cfg.Kind {
	case KindBytes, KindLineBytes, KindMultiLinesBytes, KindLine, KindMultiLines:
	default:
		return fmt.Errorf("%w: unknown stream kind %d", ErrInvalidArgument, cfg.Kind)
	}
	switch cfg.Range {
	case ByteRange:
		if cfg.Start > cfg.End {
			return fmt.Errorf("%w: byte range [%d, %d) is inverted", ErrInvalidArgument, cfg.Start, cfg.End)
		}
		if cfg.End > r.ix.MaxBytes() {
			return fmt.Errorf("%w: byte range end %d exceeds %d", ErrOutOfRange, cfg.End, r.ix.MaxBytes())
		}
	case LineRange:
		if cfg.Start == 0 {
			return fmt.Errorf("%w: line numbers are 1-based", ErrInvalidArgument)
		}
		if cfg.Start > cfg.End {
			return fmt.Errorf("%w: line range [%d, %d] is inverted", ErrInvalidArgument, cfg.Start, cfg.End)
		}
		if cfg.End > r.ix.NumLines() {
			return fmt.Errorf("%w: line %d exceeds %d", ErrOutOfRange, cfg.End, r.ix.NumLines())
		}
	default:
		return fmt.Errorf("%w: unknown range kind %d", ErrInvalidArgument, cfg.Range)
	}
	return nil
}
