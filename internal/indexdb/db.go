package indexdb

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/flate"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// schemaVersion is written to PRAGMA user_version. A sidecar with a
// different version is unreadable by this package.
const schemaVersion = 1

var (
	// ErrNoRow is returned by point queries that match nothing.
	ErrNoRow = errors.New("indexdb: no matching row")

	// ErrSchema is returned when the sidecar exists but does not carry
	// this package's schema version.
	ErrSchema = errors.New("indexdb: schema version mismatch")
)

// Meta is the single-row archive table: the fingerprint that detects a
// changed archive plus the totals the reader facade serves.
type Meta struct {
	Path           string
	SizeBytes      int64
	MTimeUnixNano  int64
	CheckpointSize uint64
	NumLines       uint64
	MaxBytes       uint64
}

// Checkpoint is a resumable decompressor state. CompressedOffset is the
// absolute archive offset of the first byte holding unconsumed bits; Bits
// counts the unconsumed high bits of the byte before it (0 = byte
// aligned). Window holds up to 32 KiB of plaintext preceding
// UncompressedOffset and is nil for the checkpoint at offset zero.
type Checkpoint struct {
	Seq                int64
	UncompressedOffset uint64
	CompressedOffset   uint64
	Bits               uint8
	LineNumber         uint64
	Window             []byte
}

// LineEntry maps a known line boundary to its uncompressed byte offset.
type LineEntry struct {
	Line   uint64
	Offset uint64
}

const schema = `
CREATE TABLE archive (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    path            TEXT NOT NULL,
    size_bytes      INTEGER NOT NULL,
    mtime_unix_ns   INTEGER NOT NULL,
    checkpoint_size INTEGER NOT NULL,
    num_lines       INTEGER NOT NULL,
    max_bytes       INTEGER NOT NULL
);
CREATE TABLE checkpoints (
    seq       INTEGER PRIMARY KEY,
    uc_offset INTEGER NOT NULL UNIQUE,
    c_offset  INTEGER NOT NULL,
    bits      INTEGER NOT NULL,
    line_num  INTEGER NOT NULL,
    window    BLOB
);
CREATE TABLE line_map (
    line_num  INTEGER PRIMARY KEY,
    uc_offset INTEGER NOT NULL
);
`

// DB is a read-only handle to a committed sidecar. The handle is safe
// for concurrent use: the index is meant to be shared by every stream
// over an archive, so point queries serialize on an internal mutex
// (SQLite connections are single-threaded).
type DB struct {
	mu   sync.Mutex
	conn *sqlite.Conn
}

// Open opens an existing sidecar and validates its schema version.
// A missing file is reported as os.ErrNotExist from the driver.
func Open(path string) (*DB, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, fmt.Errorf("indexdb: open %s: %w", path, err)
	}
	db := &DB{conn: conn}

	var version int64
	err = sqlitex.ExecuteTransient(conn, "PRAGMA user_version", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			version = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("indexdb: read schema version: %w", err)
	}
	if version != schemaVersion {
		conn.Close()
		return nil, fmt.Errorf("indexdb: %s has user_version %d, want %d: %w",
			path, version, schemaVersion, ErrSchema)
	}
	return db, nil
}

// Close releases the connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.conn == nil {
		return nil
	}
	err := db.conn.Close()
	db.conn = nil
	return err
}

// Meta reads the archive row.
func (db *DB) Meta() (Meta, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var m Meta
	found := false
	err := sqlitex.Execute(db.conn,
		`SELECT path, size_bytes, mtime_unix_ns, checkpoint_size, num_lines, max_bytes
		 FROM archive WHERE id = 1`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				m.Path = stmt.ColumnText(0)
				m.SizeBytes = stmt.ColumnInt64(1)
				m.MTimeUnixNano = stmt.ColumnInt64(2)
				m.CheckpointSize = uint64(stmt.ColumnInt64(3))
				m.NumLines = uint64(stmt.ColumnInt64(4))
				m.MaxBytes = uint64(stmt.ColumnInt64(5))
				found = true
				return nil
			},
		})
	if err != nil {
		return Meta{}, fmt.Errorf("indexdb: read archive row: %w", err)
	}
	if !found {
		return Meta{}, fmt.Errorf("indexdb: archive row: %w", ErrNoRow)
	}
	return m, nil
}

// CheckpointBefore returns the last checkpoint whose uncompressed offset
// is at most offset.
func (db *DB) CheckpointBefore(offset uint64) (Checkpoint, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var cp Checkpoint
	var compressed []byte
	found := false
	err := sqlitex.Execute(db.conn,
		`SELECT seq, uc_offset, c_offset, bits, line_num, window
		 FROM checkpoints WHERE uc_offset <= ?
		 ORDER BY uc_offset DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{int64(offset)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cp.Seq = stmt.ColumnInt64(0)
				cp.UncompressedOffset = uint64(stmt.ColumnInt64(1))
				cp.CompressedOffset = uint64(stmt.ColumnInt64(2))
				cp.Bits = uint8(stmt.ColumnInt64(3))
				cp.LineNumber = uint64(stmt.ColumnInt64(4))
				if n := stmt.ColumnLen(5); n > 0 {
					compressed = make([]byte, n)
					stmt.ColumnBytes(5, compressed)
				}
				found = true
				return nil
			},
		})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("indexdb: checkpoint before %d: %w", offset, err)
	}
	if !found {
		return Checkpoint{}, fmt.Errorf("indexdb: checkpoint before %d: %w", offset, ErrNoRow)
	}
	if compressed != nil {
		window, err := inflateWindow(compressed)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("indexdb: checkpoint %d window: %w", cp.Seq, err)
		}
		cp.Window = window
	}
	return cp, nil
}

// LineBefore returns the line-map entry with the largest line number at
// most line.
func (db *DB) LineBefore(line uint64) (LineEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var e LineEntry
	found := false
	err := sqlitex.Execute(db.conn,
		`SELECT line_num, uc_offset FROM line_map
		 WHERE line_num <= ? ORDER BY line_num DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{int64(line)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				e.Line = uint64(stmt.ColumnInt64(0))
				e.Offset = uint64(stmt.ColumnInt64(1))
				found = true
				return nil
			},
		})
	if err != nil {
		return LineEntry{}, fmt.Errorf("indexdb: line before %d: %w", line, err)
	}
	if !found {
		return LineEntry{}, fmt.Errorf("indexdb: line before %d: %w", line, ErrNoRow)
	}
	return e, nil
}

// NumCheckpoints counts checkpoint rows.
func (db *DB) NumCheckpoints() (int64, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var n int64
	err := sqlitex.Execute(db.conn, "SELECT COUNT(*) FROM checkpoints", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("indexdb: count checkpoints: %w", err)
	}
	return n, nil
}

// Checkpoints reads every checkpoint row in offset order, without
// decompressing windows. Intended for inspection tooling and tests.
func (db *DB) Checkpoints() ([]Checkpoint, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var cps []Checkpoint
	err := sqlitex.Execute(db.conn,
		`SELECT seq, uc_offset, c_offset, bits, line_num FROM checkpoints ORDER BY uc_offset`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				cps = append(cps, Checkpoint{
					Seq:                stmt.ColumnInt64(0),
					UncompressedOffset: uint64(stmt.ColumnInt64(1)),
					CompressedOffset:   uint64(stmt.ColumnInt64(2)),
					Bits:               uint8(stmt.ColumnInt64(3)),
					LineNumber:         uint64(stmt.ColumnInt64(4)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("indexdb: list checkpoints: %w", err)
	}
	return cps, nil
}

// LineEntries reads the full line map in line order. Intended for tests.
func (db *DB) LineEntries() ([]LineEntry, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var entries []LineEntry
	err := sqlitex.Execute(db.conn,
		`SELECT line_num, uc_offset FROM line_map ORDER BY line_num`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, LineEntry{
					Line:   uint64(stmt.ColumnInt64(0)),
					Offset: uint64(stmt.ColumnInt64(1)),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("indexdb: list line map: %w", err)
	}
	return entries, nil
}

func deflateWindow(window []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(window); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func inflateWindow(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	window, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return window, nil
}
