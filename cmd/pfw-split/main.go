// pfw-split splits directories of DFTracer traces (.pfw / .pfw.gz) into
// equal-sized chunks, building gzip random-access indexes along the way.
//
// The exit code is 0 iff every produced chunk succeeded and, when
// --verify was requested, the event identity hashes matched.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"log/slog"

	"github.com/spf13/pflag"

	"github.com/tracekit/pfw"
	"github.com/tracekit/pfw/split"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("pfw-split", pflag.ContinueOnError)
	appName := flags.StringP("app-name", "n", "app", "application name for output files")
	directory := flags.StringP("directory", "d", ".", "input directory containing .pfw or .pfw.gz files")
	output := flags.StringP("output", "o", "./split", "output directory for split files")
	chunkSize := flags.IntP("chunk-size", "s", 4, "chunk size in MB")
	force := flags.BoolP("force", "f", false, "override existing files and force index recreation")
	compress := flags.BoolP("compress", "c", true, "compress output files with gzip")
	verbose := flags.BoolP("verbose", "v", false, "enable verbose mode")
	checkpointSize := flags.Uint64("checkpoint-size", pfw.DefaultCheckpointSize,
		fmt.Sprintf("checkpoint size for indexing in bytes (default: %d B, %d MB)",
			pfw.DefaultCheckpointSize, pfw.DefaultCheckpointSize/(1024*1024)))
	threads := flags.Int("threads", runtime.NumCPU(), "number of threads for parallel processing")
	indexDir := flags.String("index-dir", "", "directory to store index files (default: system temp directory)")
	verify := flags.Bool("verify", false, "verify output chunks match input by comparing event IDs")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("==========================================")
	fmt.Println("Arguments:")
	fmt.Printf("  App name: %s\n", *appName)
	fmt.Printf("  Override: %v\n", *force)
	fmt.Printf("  Compress: %v\n", *compress)
	fmt.Printf("  Data dir: %s\n", *directory)
	fmt.Printf("  Output dir: %s\n", *output)
	fmt.Printf("  Chunk size: %d MB\n", *chunkSize)
	fmt.Printf("  Threads: %d\n", *threads)
	fmt.Println("==========================================")

	report, err := split.Run(ctx, split.Options{
		AppName:        *appName,
		Directory:      *directory,
		OutputDir:      *output,
		ChunkSizeMB:    float64(*chunkSize),
		Force:          *force,
		Compress:       *compress,
		CheckpointSize: *checkpointSize,
		Workers:        *threads,
		IndexDir:       *indexDir,
		Verify:         *verify,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	okChunks := 0
	for _, res := range report.Results {
		if res.OK() {
			okChunks++
		}
	}

	fmt.Println()
	fmt.Printf("Split completed in %.2f seconds\n", report.Elapsed.Seconds())
	fmt.Printf("  Input: %d/%d files, %.2f MB\n", report.OKFiles, report.Files, report.TotalSizeMB)
	fmt.Printf("  Output: %d/%d chunks, %d events\n", okChunks, len(report.Results), report.Events)
	if v := report.Verification; v != nil {
		if v.Passed {
			fmt.Printf("  Verification: PASSED - all %d events present in output\n", v.Events)
		} else {
			fmt.Printf("  Verification: FAILED - event mismatch detected\n")
			fmt.Fprintf(os.Stderr, "hash mismatch: input=%016x output=%016x\n", v.InputHash, v.OutputHash)
		}
	}

	if !report.Success() {
		return 1
	}
	return 0
}
