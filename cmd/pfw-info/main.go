// pfw-info prints index statistics for trace archives: decompressed
// size, line count, and checkpoint layout. It builds the index sidecar
// if one does not exist yet.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"log/slog"

	"github.com/spf13/pflag"

	"github.com/tracekit/pfw"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := pflag.NewFlagSet("pfw-info", pflag.ContinueOnError)
	indexDir := flags.String("index-dir", "", "directory holding index files (default: next to each archive)")
	checkpointSize := flags.Uint64("checkpoint-size", pfw.DefaultCheckpointSize, "checkpoint size when building missing indexes")
	verbose := flags.BoolP("verbose", "v", false, "list every checkpoint")

	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	archives := flags.Args()
	if len(archives) == 0 {
		fmt.Fprintln(os.Stderr, "usage: pfw-info [flags] archive.pfw.gz ...")
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	exit := 0
	for _, archive := range archives {
		if err := printInfo(archive, *indexDir, *checkpointSize, *verbose, logger); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", archive, err)
			exit = 1
		}
	}
	return exit
}

func printInfo(archive, indexDir string, checkpointSize uint64, verbose bool, logger *slog.Logger) error {
	indexPath := archive + ".idx"
	if indexDir != "" {
		indexPath = filepath.Join(indexDir, filepath.Base(archive)+".idx")
	}

	ix, err := pfw.BuildIndex(archive, indexPath,
		pfw.WithCheckpointSize(checkpointSize),
		pfw.WithIndexerLogger(logger),
	)
	if err != nil {
		return err
	}
	defer ix.Close()

	n, err := ix.NumCheckpoints()
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", archive)
	fmt.Printf("  index:             %s\n", ix.Path())
	fmt.Printf("  lines:             %d\n", ix.NumLines())
	fmt.Printf("  uncompressed:      %d bytes\n", ix.MaxBytes())
	fmt.Printf("  checkpoint size:   %d bytes\n", ix.CheckpointSize())
	fmt.Printf("  checkpoints:       %d\n", n)

	if verbose {
		cps, err := ix.Checkpoints()
		if err != nil {
			return err
		}
		for _, cp := range cps {
			fmt.Printf("    #%-4d uc=%-12d c=%-10d bits=%d line=%d\n",
				cp.Seq, cp.UncompressedOffset, cp.CompressedOffset, cp.Bits, cp.LineNumber)
		}
	}
	return nil
}
