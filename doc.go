// Package pfw provides indexed random access into gzip-compressed
// DFTracer trace archives (.pfw.gz files).
//
// An archive is newline-delimited JSON: the first and last lines are the
// array delimiters of a Chrome-trace container, interior lines are event
// objects. The package makes that line space addressable without
// decompressing from the start:
//
//   - Index: a SQLite sidecar mapping uncompressed offsets and line
//     numbers to resumable decompressor checkpoints
//   - Streams: byte, line-aligned, and parsed-line views over arbitrary
//     byte or line ranges of the decompressed stream
//
// # Quick Start
//
// Build (or reuse) an index and read a line range:
//
//	ix, err := pfw.BuildIndex("trace.pfw.gz", "trace.pfw.gz.idx")
//	if err != nil {
//	    return err
//	}
//	defer ix.Close()
//
//	r, err := pfw.Open("trace.pfw.gz", ix)
//	if err != nil {
//	    return err
//	}
//	st, err := r.Stream(pfw.StreamConfig{
//	    Kind:  pfw.KindLine,
//	    Range: pfw.LineRange,
//	    Start: 100,
//	    End:   200,
//	})
//
// An [Index] is read-only once built and freely shareable; every Stream
// owns its own file handle and decompressor, so streams over the same
// archive are independent.
//
// Splitting archives into size-bounded chunks lives in the split
// subpackage; the pfw-split command drives it.
package pfw
