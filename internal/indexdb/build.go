package indexdb

import (
	"errors"
	"fmt"
	"os"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Builder stages a new sidecar in a temp file next to the final path.
// Commit finalizes the transaction and renames the temp file into place,
// so readers only ever observe a complete sidecar. Abort (safe to defer
// after Commit) rolls back and removes the temp file.
type Builder struct {
	conn      *sqlite.Conn
	end       func(*error)
	tmpPath   string
	finalPath string
	done      bool
}

// Create begins a new sidecar build for finalPath.
func Create(finalPath string) (*Builder, error) {
	tmpPath := fmt.Sprintf("%s.tmp.%d", finalPath, os.Getpid())
	// A temp file left over from a crashed build would otherwise make
	// OpenConn reuse a half-written database.
	if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("indexdb: clear stale temp %s: %w", tmpPath, err)
	}

	conn, err := sqlite.OpenConn(tmpPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("indexdb: create %s: %w", tmpPath, err)
	}
	b := &Builder{conn: conn, tmpPath: tmpPath, finalPath: finalPath}

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		b.discard()
		return nil, fmt.Errorf("indexdb: init schema: %w", err)
	}
	if err := sqlitex.ExecuteTransient(conn,
		fmt.Sprintf("PRAGMA user_version = %d", schemaVersion), nil); err != nil {
		b.discard()
		return nil, fmt.Errorf("indexdb: set schema version: %w", err)
	}

	end, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		b.discard()
		return nil, fmt.Errorf("indexdb: begin transaction: %w", err)
	}
	b.end = end
	return b, nil
}

// AddCheckpoint inserts one checkpoint row, compressing its window.
func (b *Builder) AddCheckpoint(cp Checkpoint) error {
	var window any
	if len(cp.Window) > 0 {
		compressed, err := deflateWindow(cp.Window)
		if err != nil {
			return fmt.Errorf("indexdb: compress window for checkpoint %d: %w", cp.Seq, err)
		}
		window = compressed
	}
	err := sqlitex.Execute(b.conn,
		`INSERT INTO checkpoints (seq, uc_offset, c_offset, bits, line_num, window)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				cp.Seq,
				int64(cp.UncompressedOffset),
				int64(cp.CompressedOffset),
				int64(cp.Bits),
				int64(cp.LineNumber),
				window,
			},
		})
	if err != nil {
		return fmt.Errorf("indexdb: insert checkpoint %d: %w", cp.Seq, err)
	}
	return nil
}

// AddLineEntry inserts one line-map row. Duplicate line numbers are
// ignored; the first recorded offset for a line wins.
func (b *Builder) AddLineEntry(e LineEntry) error {
	err := sqlitex.Execute(b.conn,
		`INSERT OR IGNORE INTO line_map (line_num, uc_offset) VALUES (?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{int64(e.Line), int64(e.Offset)},
		})
	if err != nil {
		return fmt.Errorf("indexdb: insert line entry %d: %w", e.Line, err)
	}
	return nil
}

// Commit writes the archive row, commits, and atomically publishes the
// sidecar at its final path.
func (b *Builder) Commit(m Meta) error {
	if b.done {
		return errors.New("indexdb: builder already finished")
	}
	err := sqlitex.Execute(b.conn,
		`INSERT INTO archive (id, path, size_bytes, mtime_unix_ns, checkpoint_size, num_lines, max_bytes)
		 VALUES (1, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				m.Path,
				m.SizeBytes,
				m.MTimeUnixNano,
				int64(m.CheckpointSize),
				int64(m.NumLines),
				int64(m.MaxBytes),
			},
		})
	if err != nil {
		err = fmt.Errorf("indexdb: insert archive row: %w", err)
		b.end(&err)
		b.discard()
		return err
	}

	b.end(&err)
	if err != nil {
		b.discard()
		return fmt.Errorf("indexdb: commit: %w", err)
	}
	if cerr := b.conn.Close(); cerr != nil {
		b.conn = nil
		b.discard()
		return fmt.Errorf("indexdb: close after commit: %w", cerr)
	}
	b.conn = nil

	if err := os.Rename(b.tmpPath, b.finalPath); err != nil {
		os.Remove(b.tmpPath)
		b.done = true
		return fmt.Errorf("indexdb: publish %s: %w", b.finalPath, err)
	}
	b.done = true
	return nil
}

// Abort rolls back and removes the temp file. No-op after Commit.
func (b *Builder) Abort() {
	if b.done {
		return
	}
	if b.end != nil {
		err := errors.New("indexdb: aborted")
		b.end(&err)
	}
	b.discard()
}

func (b *Builder) discard() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	os.Remove(b.tmpPath)
	b.done = true
}
