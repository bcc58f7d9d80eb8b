package split

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"

	"github.com/tracekit/pfw"
)

// ChunkResult reports one extraction task. A failed task carries its
// error here rather than aborting the pipeline, so the driver can report
// partial success. Hash identifies the chunk content: a running xxhash
// over every kept event line. EventIDs is populated only when
// verification was requested.
type ChunkResult struct {
	ChunkIndex int
	OutputPath string
	SizeMB     float64
	Events     uint64
	Hash       uint64
	Err        error
	EventIDs   []EventID
}

// OK reports whether the chunk was produced successfully.
func (r ChunkResult) OK() bool { return r.Err == nil }

// extractInput describes one extraction task.
type extractInput struct {
	chunkIndex int
	manifest   ChunkManifest
	outputDir  string
	appName    string
	compress   bool
	collectIDs bool
	logger     *slog.Logger
}

// extractChunk materializes one output chunk: a JSON array containing
// every valid event from the manifest's line ranges, one per line.
// Invalid, empty, and delimiter lines are dropped silently. On any
// unrecoverable error the partial output is removed.
func extractChunk(ctx context.Context, in extractInput) ChunkResult {
	res := ChunkResult{ChunkIndex: in.chunkIndex}
	plainPath := filepath.Join(in.outputDir, fmt.Sprintf("%s-%d.pfw", in.appName, in.chunkIndex))
	res.OutputPath = plainPath

	f, err := os.Create(plainPath)
	if err != nil {
		res.Err = fmt.Errorf("%w: create %s: %v", ErrTaskFailed, plainPath, err)
		return res
	}
	bw := bufio.NewWriterSize(f, 1<<20)

	fail := func(err error) ChunkResult {
		f.Close()
		os.Remove(plainPath)
		res.Err = err
		return res
	}

	if _, err := bw.WriteString("[\n"); err != nil {
		return fail(fmt.Errorf("%w: write %s: %v", ErrTaskFailed, plainPath, err))
	}

	digest := xxhash.New()
	keep := func(event []byte) error {
		if _, err := bw.Write(event); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		digest.Write(event)
		digest.Write([]byte{'\n'})
		res.Events++
		if in.collectIDs {
			if id := ParseEventID(event); id.Valid() {
				res.EventIDs = append(res.EventIDs, id)
			}
		}
		return nil
	}

	for _, spec := range in.manifest.Specs {
		if err := ctx.Err(); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrCancelled, err))
		}
		if err := extractSpec(spec, keep); err != nil {
			return fail(fmt.Errorf("%w: chunk %d from %s: %v", ErrTaskFailed, in.chunkIndex, spec.FilePath, err))
		}
	}

	if _, err := bw.WriteString("\n]\n"); err != nil {
		return fail(fmt.Errorf("%w: write %s: %v", ErrTaskFailed, plainPath, err))
	}
	if err := bw.Flush(); err != nil {
		return fail(fmt.Errorf("%w: flush %s: %v", ErrTaskFailed, plainPath, err))
	}
	if err := f.Close(); err != nil {
		os.Remove(plainPath)
		res.Err = fmt.Errorf("%w: close %s: %v", ErrTaskFailed, plainPath, err)
		return res
	}

	res.Hash = digest.Sum64()
	if info, err := os.Stat(plainPath); err == nil {
		res.SizeMB = float64(info.Size()) / bytesPerMB
	}

	if in.compress {
		gzPath, err := gzipFile(plainPath)
		if err != nil {
			os.Remove(plainPath)
			res.Err = fmt.Errorf("%w: compress %s: %v", ErrTaskFailed, plainPath, err)
			return res
		}
		os.Remove(plainPath)
		res.OutputPath = gzPath
	}

	in.logger.Debug("chunk extracted",
		"chunk", in.chunkIndex,
		"events", res.Events,
		"size_mb", res.SizeMB,
		"output", res.OutputPath,
	)
	return res
}

// extractSpec feeds every valid event in the spec's line range to keep.
func extractSpec(spec ChunkSpec, keep func([]byte) error) error {
	emit := func(line []byte) error {
		event, ok := pfw.ValidateEventLine(line)
		if !ok {
			return nil
		}
		return keep(event)
	}
	if spec.IndexPath != "" {
		return indexedLineRange(spec.FilePath, spec.IndexPath, spec.StartLine, spec.EndLine, emit)
	}
	return plainLineRange(spec.FilePath, spec.StartLine, spec.EndLine, emit)
}

// indexedLineRange streams lines [first, last] of an indexed archive.
func indexedLineRange(archive, indexPath string, first, last uint64, fn func([]byte) error) error {
	ix, err := pfw.OpenIndex(archive, indexPath)
	if err != nil {
		return err
	}
	defer ix.Close()
	r, err := pfw.Open(archive, ix)
	if err != nil {
		return err
	}
	for line, err := range r.Lines(first, last) {
		if err != nil {
			return err
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return nil
}

// plainLineRange reads lines [first, last] of an uncompressed file.
func plainLineRange(path string, first, last uint64, fn func([]byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var n uint64
	err = eachLine(f, func(line []byte) error {
		n++
		if n < first {
			return nil
		}
		if n > last {
			return errStopIteration
		}
		return fn(line)
	})
	if err == errStopIteration {
		err = nil
	}
	return err
}

// gzipFile compresses path to path+".gz" through a temp file and rename,
// so a crash never leaves a half-written chunk behind.
func gzipFile(path string) (string, error) {
	gzPath := path + ".gz"
	tmpPath := fmt.Sprintf("%s.tmp.%d", gzPath, os.Getpid())

	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, bufio.NewReaderSize(in, 1<<20)); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, gzPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return gzPath, nil
}
