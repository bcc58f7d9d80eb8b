package split

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tracekit/pfw"
)

// Options configures a split run. Zero values select the defaults the
// pfw-split command documents.
type Options struct {
	// AppName prefixes output chunk file names. Default "app".
	AppName string

	// Directory is scanned (recursively) for .pfw and .pfw.gz inputs.
	// Default ".".
	Directory string

	// OutputDir receives the chunk files. Created if missing.
	// Default "./split".
	OutputDir string

	// ChunkSizeMB is the target chunk size. Default 4.
	ChunkSizeMB float64

	// Force rebuilds index sidecars even when they are still valid.
	Force bool

	// Compress gzips each chunk. The CLI defaults this to true.
	Compress bool

	// CheckpointSize is the index checkpoint spacing in uncompressed
	// bytes. Default pfw.DefaultCheckpointSize.
	CheckpointSize uint64

	// Workers bounds pipeline parallelism. Default GOMAXPROCS.
	Workers int

	// IndexDir holds the sidecars. Default os.TempDir().
	IndexDir string

	// Verify re-reads the outputs and compares event identity hashes.
	Verify bool

	// Logger receives pipeline progress. If nil, logging is disabled.
	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.AppName == "" {
		o.AppName = "app"
	}
	if o.Directory == "" {
		o.Directory = "."
	}
	if o.OutputDir == "" {
		o.OutputDir = "./split"
	}
	if o.ChunkSizeMB == 0 {
		o.ChunkSizeMB = 4
	}
	if o.CheckpointSize == 0 {
		o.CheckpointSize = pfw.DefaultCheckpointSize
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.IndexDir == "" {
		o.IndexDir = os.TempDir()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Report summarizes a completed run.
type Report struct {
	Files        int // inputs discovered
	OKFiles      int // inputs that produced usable metadata
	TotalSizeMB  float64
	Metadata     []FileMetadata
	Results      []ChunkResult // sorted by chunk index
	Events       uint64        // events written across all chunks
	Verification *VerifyResult // nil unless requested
	Elapsed      time.Duration
}

// Success reports whether every chunk was produced, every input file was
// usable, and verification (when requested) passed.
func (r Report) Success() bool {
	if r.OKFiles < r.Files {
		return false
	}
	for _, res := range r.Results {
		if !res.OK() {
			return false
		}
	}
	if r.Verification != nil && !r.Verification.Passed {
		return false
	}
	return true
}

// Run executes the split pipeline: scan, parallel metadata collection
// (building indexes), deterministic manifest mapping, parallel chunk
// extraction, and optional verification. Per-file and per-chunk
// failures are reported in the Report rather than aborting the run; Run
// itself returns an error when no work could be done at all, or when a
// requested verification could not complete.
func Run(ctx context.Context, opts Options) (Report, error) {
	opts.setDefaults()
	logger := opts.Logger
	start := time.Now()

	if opts.ChunkSizeMB <= 0 {
		return Report{}, fmt.Errorf("split: chunk size %.2f MB: %w", opts.ChunkSizeMB, pfw.ErrInvalidArgument)
	}

	files, err := ScanDirectory(opts.Directory)
	if err != nil {
		return Report{}, err
	}
	if len(files) == 0 {
		return Report{}, fmt.Errorf("%w: no .pfw or .pfw.gz files in %s", ErrNoInput, opts.Directory)
	}
	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("split: create output dir: %w", err)
	}
	if err := os.MkdirAll(opts.IndexDir, 0o755); err != nil {
		return Report{}, fmt.Errorf("split: create index dir: %w", err)
	}

	report := Report{Files: len(files)}

	// Phase 1: per-file metadata, building indexes as a side effect.
	// One task per file keeps index builds serialized per sidecar.
	logger.Info("collecting file metadata", "files", len(files), "workers", opts.Workers)
	metadata := make([]FileMetadata, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for i, path := range files {
		g.Go(func() error {
			metadata[i] = collectMetadata(gctx, path, opts, logger)
			return nil
		})
	}
	g.Wait()

	for _, m := range metadata {
		if m.Err != nil {
			logger.Warn("input skipped", "file", m.Path, "error", m.Err)
			continue
		}
		report.OKFiles++
		report.TotalSizeMB += m.SizeMB
	}
	report.Metadata = metadata
	if report.OKFiles == 0 {
		report.Elapsed = time.Since(start)
		return report, fmt.Errorf("%w: all %d files failed metadata collection", ErrNoInput, len(files))
	}
	logger.Info("metadata collected",
		"ok", report.OKFiles,
		"failed", len(files)-report.OKFiles,
		"total_mb", fmt.Sprintf("%.2f", report.TotalSizeMB),
	)

	// Phase 2: manifest mapping is sequential and consumes the fully
	// materialized metadata list.
	manifests := MapManifests(metadata, opts.ChunkSizeMB)
	if len(manifests) == 0 {
		report.Elapsed = time.Since(start)
		return report, fmt.Errorf("%w: inputs contain no events", ErrNoInput)
	}
	logger.Info("manifests mapped", "chunks", len(manifests))
	for i, m := range manifests {
		logger.Debug("manifest",
			"chunk", i+1,
			"size_mb", fmt.Sprintf("%.2f", m.TotalSizeMB),
			"specs", len(m.Specs),
		)
		for _, s := range m.Specs {
			logger.Debug("  spec",
				"file", filepath.Base(s.FilePath),
				"lines", fmt.Sprintf("%d-%d", s.StartLine, s.EndLine),
				"bytes", fmt.Sprintf("%d-%d", s.StartByte, s.EndByte),
			)
		}
	}

	// Phase 3: extraction, one task per chunk.
	results := make([]ChunkResult, len(manifests))
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.Workers)
	for i, manifest := range manifests {
		eg.Go(func() error {
			results[i] = extractChunk(ectx, extractInput{
				chunkIndex: i + 1,
				manifest:   manifest,
				outputDir:  opts.OutputDir,
				appName:    opts.AppName,
				compress:   opts.Compress,
				collectIDs: opts.Verify,
				logger:     logger,
			})
			return nil
		})
	}
	eg.Wait()

	slices.SortFunc(results, func(a, b ChunkResult) int { return a.ChunkIndex - b.ChunkIndex })
	report.Results = results
	for _, res := range results {
		if res.Err != nil {
			logger.Warn("chunk failed", "chunk", res.ChunkIndex, "error", res.Err)
			continue
		}
		report.Events += res.Events
	}

	// Phase 4: optional verification over the re-sorted results.
	if opts.Verify {
		vr, err := verifyChunks(ctx, metadata, results, logger)
		if err != nil {
			report.Elapsed = time.Since(start)
			return report, err
		}
		report.Verification = &vr
	}

	report.Elapsed = time.Since(start)
	logger.Info("split complete",
		"chunks", len(results),
		"events", report.Events,
		"elapsed", report.Elapsed,
	)
	return report, nil
}
