package pfw

import (
	"fmt"
	"io"
	"os"

	"github.com/tracekit/pfw/internal/gzseek"
)

// StreamKind selects the unit a stream delivers per Read.
type StreamKind int

const (
	// KindBytes delivers raw bytes at any boundary.
	KindBytes StreamKind = iota
	// KindLineBytes delivers exactly one complete line, including its
	// newline, per Read.
	KindLineBytes
	// KindMultiLinesBytes delivers as many complete lines as fit; it
	// never splits a line across Reads.
	KindMultiLinesBytes
	// KindLine is KindLineBytes with a parsed-line accessor (LineStream).
	KindLine
	// KindMultiLines is KindMultiLinesBytes with a batch accessor
	// (MultiLineStream).
	KindMultiLines
)

// RangeKind selects how StreamConfig.Start and End are interpreted.
type RangeKind int

const (
	// ByteRange is the half-open uncompressed byte interval [Start, End).
	ByteRange RangeKind = iota
	// LineRange is the closed 1-based line interval [Start, End].
	LineRange
)

// DefaultStreamBuffer is the scratch buffer size streams allocate when
// the config does not specify one.
const DefaultStreamBuffer = 4 << 20

// StreamConfig describes a range request.
type StreamConfig struct {
	Kind       StreamKind
	Range      RangeKind
	Start, End uint64
	// BufferSize is advisory: the internal scratch buffer size.
	BufferSize int
}

// Stream is a one-shot pull iterator over a range. Read returns
// (0, io.EOF) exactly when the range is exhausted, at which point Done
// reports true. Errors are sticky. Streams are single-owner; there is no
// replay — construct a new stream instead.
type Stream interface {
	Read(p []byte) (int, error)
	Done() bool
	Close() error
}

// LineStream is a KindLine stream: Next returns one complete line
// (including its newline) per call, io.EOF at the end. The returned
// slice is only valid until the following call.
type LineStream interface {
	Stream
	Next() ([]byte, error)
}

// MultiLineStream is a KindMultiLines stream: NextBatch returns one or
// more complete lines per call, io.EOF at the end. The returned slices
// are only valid until the following call.
type MultiLineStream interface {
	Stream
	NextBatch() ([][]byte, error)
}

// byteCursor is the seek-and-inflate core under every stream: it
// restores the checkpoint covering the requested offset, discards up to
// it, and then reads the decompressed stream forward. It owns the
// archive file handle and the decompressor.
type byteCursor struct {
	f   *os.File
	rc  io.ReadCloser
	pos uint64 // uncompressed offset of the next byte Read returns
}

func newByteCursor(r *Reader, offset uint64) (*byteCursor, error) {
	cp, err := r.ix.CheckpointBefore(offset)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(r.archive)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", r.archive, err)
	}
	rc, err := gzseek.Resume(f, cp.CompressedOffset, cp.Bits, cp.Window)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	c := &byteCursor{f: f, rc: rc, pos: cp.UncompressedOffset}
	if discard := offset - cp.UncompressedOffset; discard > 0 {
		if _, err := io.CopyN(io.Discard, c, int64(discard)); err != nil {
			c.Close()
			return nil, fmt.Errorf("%w: seek to offset %d: %v", ErrCorrupt, offset, err)
		}
	}
	return c, nil
}

func (c *byteCursor) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.pos += uint64(n)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return n, err
}

func (c *byteCursor) Close() error {
	var err error
	if c.rc != nil {
		err = c.rc.Close()
		c.rc = nil
	}
	if c.f != nil {
		if cerr := c.f.Close(); err == nil {
			err = cerr
		}
		c.f = nil
	}
	return err
}
