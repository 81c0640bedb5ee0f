// Package entryreader defines the EntryReader contract: a stateful cursor
// over one WAL file that yields a lazy, finite sequence of decoded entries
// and reports the byte position immediately after each one. The interface
// is the external collaborator boundary named by the core spec; this
// package also supplies one concrete, file-backed implementation over the
// internal/walrecord framing, used by the demo CLI and integration tests.
package entryreader

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/riverbank-data/wal-tailer/internal/walrecord"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

// ErrTruncated signals that the file ends partway through a record (a
// partial header, payload or checksum) — the writer may still be
// flushing. Retryable.
var ErrTruncated = errors.New("entryreader: truncated record")

// ErrCorrupt signals a record-level checksum or framing error. Not
// retryable for this file; the owning stream must abort.
var ErrCorrupt = errors.New("entryreader: corrupt record")

// Reader is a stateful cursor over one WAL file.
type Reader interface {
	// Next returns the next decoded entry, or io.EOF when the file is
	// cleanly exhausted at the current position, or ErrTruncated /
	// ErrCorrupt per the policy above.
	Next() (types.Entry, error)
	// Position reports the byte offset immediately after the last entry
	// Next returned.
	Position() int64
	// Close releases any held file handle. Idempotent.
	Close() error
}

// Factory opens a Reader for a path at a starting byte offset. Opening the
// same path at the same offset twice must yield independently-closable
// readers (idempotent reopen), per the EntryStream re-open contract.
type Factory interface {
	Open(path types.LogPath, offset int64) (Reader, error)
}

// fileFactory opens walrecord-framed files from the local/shared
// filesystem.
type fileFactory struct{}

// NewFileFactory returns a Factory reading walrecord-framed files.
func NewFileFactory() Factory {
	return fileFactory{}
}

func (fileFactory) Open(path types.LogPath, offset int64) (Reader, error) {
	f, err := os.Open(string(path))
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, fmt.Errorf("entryreader: seek %s to %d: %w", path, offset, err)
		}
	}
	return &fileReader{f: f, pos: offset}, nil
}

type fileReader struct {
	f   *os.File
	pos int64
}

func (r *fileReader) Next() (types.Entry, error) {
	rec, n, err := walrecord.Decode(r.f)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return types.Entry{}, io.EOF
		case errors.Is(err, walrecord.ErrTruncated):
			return types.Entry{}, fmt.Errorf("%w: %v", ErrTruncated, err)
		case errors.Is(err, walrecord.ErrCorrupt):
			return types.Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
		default:
			return types.Entry{}, err
		}
	}
	r.pos += n
	return recordToEntry(rec), nil
}

func (r *fileReader) Position() int64 {
	return r.pos
}

func (r *fileReader) Close() error {
	return r.f.Close()
}

func recordToEntry(rec walrecord.Record) types.Entry {
	cells := make([]types.Cell, len(rec.Cells))
	for i, c := range rec.Cells {
		files := make([]types.BulkLoadRef, len(c.BulkLoadFiles))
		for j, ref := range c.BulkLoadFiles {
			files[j] = types.BulkLoadRef{Path: ref.Path, ByteSize: ref.ByteSize}
		}
		cells[i] = types.Cell{RowKey: c.RowKey, IsBulkLoad: c.IsBulkLoad, BulkLoadFiles: files}
	}
	return types.Entry{
		WriteTime: rec.WriteTime,
		Table:     rec.Table,
		Scope:     types.Scope(rec.Scope),
		Cells:     cells,
		EditBytes: rec.EditBytes,
	}
}
