package split

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tracekit/pfw"
)

const bytesPerMB = 1024 * 1024

// FileMetadata describes one input file: its line extent, a size
// estimate, and where its index sidecar lives (empty for plain files).
// A failed file carries its error and is skipped by the mapper; the
// pipeline reports it and continues with the rest.
type FileMetadata struct {
	Path          string
	IndexPath     string
	SizeMB        float64
	StartLine     uint64
	EndLine       uint64
	ValidEvents   uint64
	SizePerLineMB float64
	Err           error
}

// OK reports whether the file can contribute to the split.
func (m FileMetadata) OK() bool {
	return m.Err == nil && m.SizeMB > 0 && m.ValidEvents > 0
}

// compressed reports whether path names a gzip archive.
func compressed(path string) bool { return strings.HasSuffix(path, ".gz") }

// collectMetadata produces the metadata for one input file. For
// compressed files it builds (or reuses) the index sidecar and estimates
// the event count from the line total, treating the first and last lines
// as the array delimiters; the estimate only sizes chunks — extraction
// validates every line. Plain files are scanned sequentially.
func collectMetadata(ctx context.Context, path string, o Options, logger *slog.Logger) FileMetadata {
	m := FileMetadata{Path: path}
	if err := ctx.Err(); err != nil {
		m.Err = fmt.Errorf("%w: %v", ErrCancelled, err)
		return m
	}
	if compressed(path) {
		m.IndexPath = indexPathFor(o.IndexDir, path)
		return collectCompressed(m, o, logger)
	}
	return collectPlain(m)
}

// indexPathFor places the sidecar for an archive inside indexDir.
func indexPathFor(indexDir, archive string) string {
	return filepath.Join(indexDir, filepath.Base(archive)+".idx")
}

func collectCompressed(m FileMetadata, o Options, logger *slog.Logger) FileMetadata {
	ix, err := pfw.BuildIndex(m.Path, m.IndexPath,
		pfw.WithCheckpointSize(o.CheckpointSize),
		pfw.WithForceRebuild(o.Force),
		pfw.WithIndexerLogger(logger),
	)
	if err != nil {
		m.Err = fmt.Errorf("%w: index %s: %v", ErrTaskFailed, m.Path, err)
		return m
	}
	defer ix.Close()

	lines := ix.NumLines()
	if lines == 0 {
		m.Err = fmt.Errorf("%w: %s has no lines", ErrTaskFailed, m.Path)
		return m
	}

	info, err := os.Stat(m.Path)
	if err != nil {
		m.Err = fmt.Errorf("%w: stat %s: %v", ErrTaskFailed, m.Path, err)
		return m
	}

	m.SizeMB = float64(info.Size()) / bytesPerMB
	m.StartLine = 1
	m.EndLine = lines
	if lines > 2 {
		m.ValidEvents = lines - 2
	}
	if m.ValidEvents > 0 {
		m.SizePerLineMB = m.SizeMB / float64(m.ValidEvents)
	}
	return m
}

func collectPlain(m FileMetadata) FileMetadata {
	f, err := os.Open(m.Path)
	if err != nil {
		m.Err = fmt.Errorf("%w: open %s: %v", ErrTaskFailed, m.Path, err)
		return m
	}
	defer f.Close()

	var totalLines, validEvents, validBytes uint64
	err = eachLine(f, func(line []byte) error {
		totalLines++
		if _, ok := pfw.ValidateEventLine(line); ok {
			validEvents++
			validBytes += uint64(len(line))
		}
		return nil
	})
	if err != nil {
		m.Err = fmt.Errorf("%w: scan %s: %v", ErrTaskFailed, m.Path, err)
		return m
	}

	m.SizeMB = float64(validBytes) / bytesPerMB
	m.StartLine = 1
	m.EndLine = totalLines
	m.ValidEvents = validEvents
	if validEvents > 0 {
		m.SizePerLineMB = m.SizeMB / float64(validEvents)
	}
	return m
}

// eachLine calls fn for every line of r, including the newline. The
// final line is delivered even without a terminator.
func eachLine(r io.Reader, fn func(line []byte) error) error {
	br := bufio.NewReaderSize(r, 1<<20)
	var acc []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			if len(acc) == 0 && err != bufio.ErrBufferFull {
				if ferr := fn(chunk); ferr != nil {
					return ferr
				}
			} else {
				acc = append(acc, chunk...)
				if err == nil {
					if ferr := fn(acc); ferr != nil {
						return ferr
					}
					acc = acc[:0]
				}
			}
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(acc) > 0 {
				return fn(acc)
			}
			return nil
		default:
			return err
		}
	}
}
