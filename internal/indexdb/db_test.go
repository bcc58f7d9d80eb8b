package indexdb

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSidecar(t *testing.T, path string, cps []Checkpoint, lines []LineEntry, meta Meta) {
	t.Helper()
	b, err := Create(path)
	require.NoError(t, err)
	defer b.Abort()
	for _, cp := range cps {
		require.NoError(t, b.AddCheckpoint(cp))
	}
	for _, e := range lines {
		require.NoError(t, b.AddLineEntry(e))
	}
	require.NoError(t, b.Commit(meta))
}

func testMeta() Meta {
	return Meta{
		Path:           "/traces/app.pfw.gz",
		SizeBytes:      123456,
		MTimeUnixNano:  1712345678901234567,
		CheckpointSize: 1 << 20,
		NumLines:       5000,
		MaxBytes:       9 << 20,
	}
}

func TestBuilderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.idx")

	window := bytes.Repeat([]byte("0123456789abcdef"), 2048) // 32 KiB
	cps := []Checkpoint{
		{Seq: 0, UncompressedOffset: 0, CompressedOffset: 10, Bits: 0, LineNumber: 1},
		{Seq: 1, UncompressedOffset: 1 << 20, CompressedOffset: 90000, Bits: 3, LineNumber: 600, Window: window},
		{Seq: 2, UncompressedOffset: 2 << 20, CompressedOffset: 180000, Bits: 0, LineNumber: 1200, Window: window[:100]},
	}
	lines := []LineEntry{
		{Line: 1, Offset: 0},
		{Line: 600, Offset: 1<<20 + 37},
		{Line: 1200, Offset: 2<<20 + 11},
	}
	buildSidecar(t, path, cps, lines, testMeta())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	meta, err := db.Meta()
	require.NoError(t, err)
	assert.Equal(t, testMeta(), meta)

	n, err := db.NumCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Exact hit, between, and far past the last checkpoint.
	cp, err := db.CheckpointBefore(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), cp.Seq)
	assert.Nil(t, cp.Window)

	cp, err = db.CheckpointBefore(1<<20 + 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cp.Seq)
	assert.Equal(t, uint8(3), cp.Bits)
	assert.Equal(t, window, cp.Window)

	cp, err = db.CheckpointBefore(100 << 20)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Seq)
	assert.Equal(t, window[:100], cp.Window)

	e, err := db.LineBefore(599)
	require.NoError(t, err)
	assert.Equal(t, LineEntry{Line: 1, Offset: 0}, e)

	e, err = db.LineBefore(600)
	require.NoError(t, err)
	assert.Equal(t, uint64(600), e.Line)

	e, err = db.LineBefore(99999)
	require.NoError(t, err)
	assert.Equal(t, uint64(1200), e.Line)
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.idx"))
	assert.Error(t, err)
}

func TestAbortLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.idx")

	b, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, b.AddCheckpoint(Checkpoint{Seq: 0, CompressedOffset: 10, LineNumber: 1}))
	b.Abort()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "abort must leave neither sidecar nor temp file")
}

func TestCommitIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.idx")

	b, err := Create(path)
	require.NoError(t, err)
	defer b.Abort()

	// Until Commit returns, the final path must not exist.
	require.NoError(t, b.AddCheckpoint(Checkpoint{Seq: 0, CompressedOffset: 10, LineNumber: 1}))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, b.Commit(testMeta()))
	_, err = os.Stat(path)
	assert.NoError(t, err)

	// And the temp staging file is gone.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "app.idx", entries[0].Name())
}

func TestSchemaVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.idx")
	buildSidecar(t, path, []Checkpoint{{Seq: 0, CompressedOffset: 10, LineNumber: 1}},
		[]LineEntry{{Line: 1, Offset: 0}}, testMeta())

	// Forge a future schema version.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// user_version lives at byte offset 60 of the SQLite header, big endian.
	raw[60], raw[61], raw[62], raw[63] = 0, 0, 0, 99
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	_, err = Open(path)
	assert.ErrorIs(t, err, ErrSchema)
}

func TestDuplicateLineEntriesIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.idx")
	buildSidecar(t, path,
		[]Checkpoint{{Seq: 0, CompressedOffset: 10, LineNumber: 1}},
		[]LineEntry{{Line: 7, Offset: 100}, {Line: 7, Offset: 999}},
		testMeta())

	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	e, err := db.LineBefore(7)
	require.NoError(t, err)
	assert.Equal(t, LineEntry{Line: 7, Offset: 100}, e, "first recorded offset wins")
}
