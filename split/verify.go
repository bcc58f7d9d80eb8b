package split

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/tracekit/pfw"
)

// VerifyResult is the outcome of comparing the inputs' event identity
// hash against the outputs'.
type VerifyResult struct {
	Passed     bool
	InputHash  uint64
	OutputHash uint64
	Events     uint64 // valid events hashed on the input side
}

// verifyChunks re-reads every produced chunk from disk, extracts its
// event identifiers, and compares their sorted multiset hash against the
// same hash computed over the input files. Re-reading (rather than
// trusting the IDs collected during extraction) means corruption that
// happens after extraction is still caught.
func verifyChunks(ctx context.Context, metadata []FileMetadata, results []ChunkResult, logger *slog.Logger) (VerifyResult, error) {
	var inputIDs []EventID
	for _, m := range metadata {
		if !m.OK() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if err := collectFileEventIDs(m, &inputIDs); err != nil {
			return VerifyResult{}, fmt.Errorf("%w: hashing input %s: %v", ErrTaskFailed, m.Path, err)
		}
	}

	var outputIDs []EventID
	for _, r := range results {
		if !r.OK() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return VerifyResult{}, fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		if err := collectChunkEventIDs(r.OutputPath, &outputIDs); err != nil {
			return VerifyResult{}, fmt.Errorf("%w: hashing output %s: %v", ErrTaskFailed, r.OutputPath, err)
		}
	}

	sortEventIDs(inputIDs)
	sortEventIDs(outputIDs)
	res := VerifyResult{
		InputHash:  hashEventIDs(inputIDs),
		OutputHash: hashEventIDs(outputIDs),
		Events:     uint64(len(inputIDs)),
	}
	res.Passed = res.InputHash == res.OutputHash

	logger.Debug("verification",
		"input_events", len(inputIDs),
		"output_events", len(outputIDs),
		"input_hash", fmt.Sprintf("%016x", res.InputHash),
		"output_hash", fmt.Sprintf("%016x", res.OutputHash),
		"passed", res.Passed,
	)
	return res, nil
}

// collectFileEventIDs appends the identifiers of every valid event in
// one input file.
func collectFileEventIDs(m FileMetadata, ids *[]EventID) error {
	collect := func(line []byte) error {
		event, ok := pfw.ValidateEventLine(line)
		if !ok {
			return nil
		}
		if id := ParseEventID(event); id.Valid() {
			*ids = append(*ids, id)
		}
		return nil
	}
	if m.IndexPath != "" {
		return indexedLineRange(m.Path, m.IndexPath, m.StartLine, m.EndLine, collect)
	}
	return plainLineRange(m.Path, m.StartLine, m.EndLine, collect)
}

// collectChunkEventIDs appends the identifiers from one output chunk,
// reading through gzip when the chunk was compressed.
func collectChunkEventIDs(path string, ids *[]EventID) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer zr.Close()
		r = zr
	}
	return eachLine(r, func(line []byte) error {
		event, ok := pfw.ValidateEventLine(line)
		if !ok {
			return nil
		}
		if id := ParseEventID(event); id.Valid() {
			*ids = append(*ids, id)
		}
		return nil
	})
}
