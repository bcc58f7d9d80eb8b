package pfw

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// traceLines synthesizes a Chrome-trace container: array delimiters
// around events lines, each event carrying the trailing comma the real
// tracer emits.
func traceLines(events int) []string {
	lines := make([]string, 0, events+2)
	lines = append(lines, "[")
	for i := 0; i < events; i++ {
		comma := ","
		if i == events-1 {
			comma = ""
		}
		lines = append(lines,
			fmt.Sprintf(`{"id":%d,"pid":%d,"tid":%d,"name":"op-%d","dur":%d}%s`,
				i, i%5, i%3, i, i*17, comma))
	}
	return append(lines, "]")
}

// randomLines produces irregular line content for boundary-heavy tests:
// varying lengths, occasional empties.
func randomLines(rng *rand.Rand, n int) []string {
	lines := make([]string, n)
	for i := range lines {
		switch rng.Intn(10) {
		case 0:
			lines[i] = ""
		case 1:
			lines[i] = strings.Repeat("x", 1+rng.Intn(2000))
		default:
			lines[i] = fmt.Sprintf("line-%d-%x", i, rng.Int63())
		}
	}
	return lines
}

// writeArchive gzips lines (newline-terminated) into dir/name, flushing
// the compressor every flushEvery lines so the stream carries enough
// block boundaries for checkpoints. Returns the path and the plaintext.
func writeArchive(t testing.TB, dir, name string, lines []string, flushEvery int) (string, []byte) {
	t.Helper()
	plaintext := []byte(strings.Join(lines, "\n") + "\n")
	path := filepath.Join(dir, name)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for i, line := range lines {
		_, err := zw.Write([]byte(line))
		require.NoError(t, err)
		_, err = zw.Write([]byte{'\n'})
		require.NoError(t, err)
		if flushEvery > 0 && (i+1)%flushEvery == 0 {
			require.NoError(t, zw.Flush())
		}
	}
	require.NoError(t, zw.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path, plaintext
}

// buildTestIndex writes an archive and its index with a small checkpoint
// spacing so even modest fixtures get several checkpoints.
func buildTestIndex(t testing.TB, lines []string, checkpointSize uint64) (archive string, plaintext []byte, ix *Index) {
	t.Helper()
	dir := t.TempDir()
	archive, plaintext = writeArchive(t, dir, "trace.pfw.gz", lines, 64)
	ix, err := BuildIndex(archive, filepath.Join(dir, "trace.pfw.gz.idx"),
		WithCheckpointSize(checkpointSize))
	require.NoError(t, err)
	t.Cleanup(func() { ix.Close() })
	return archive, plaintext, ix
}

// lineStarts returns the byte offset of every line start in plaintext.
func lineStarts(plaintext []byte) []uint64 {
	if len(plaintext) == 0 {
		return nil
	}
	starts := []uint64{0}
	for i, b := range plaintext {
		if b == '\n' && i+1 < len(plaintext) {
			starts = append(starts, uint64(i+1))
		}
	}
	return starts
}

// splitLines slices plaintext into lines, each including its newline.
func splitLines(plaintext []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range plaintext {
		if b == '\n' {
			lines = append(lines, plaintext[start:i+1])
			start = i + 1
		}
	}
	if start < len(plaintext) {
		lines = append(lines, plaintext[start:])
	}
	return lines
}

// touchFuture bumps a file's mtime so fingerprint checks see a change.
func touchFuture(path string) error {
	later := time.Now().Add(2 * time.Second)
	return os.Chtimes(path, later, later)
}

// readAllStream drains a stream with the given caller buffer size.
func readAllStream(t testing.TB, st Stream, bufSize int) []byte {
	t.Helper()
	var out bytes.Buffer
	buf := make([]byte, bufSize)
	for {
		n, err := st.Read(buf)
		out.Write(buf[:n])
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	return out.Bytes()
}
