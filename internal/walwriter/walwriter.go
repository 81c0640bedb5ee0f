// Package walwriter is a minimal append-only writer that simulates the
// external primary write path: the producer side of a WAL group that the
// reader core tails but never writes to itself. It emits internal/walrecord
// framed records and supports rolling to a new file, mirroring the
// append/rotate/fsync shape the write path uses elsewhere in this module's
// lineage, retargeted from a replicated command log to WAL entries.
//
// Used only by the emit CLI command and by tests that need to generate WAL
// fixtures; the core reader packages never import this package.
package walwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/riverbank-data/wal-tailer/internal/walrecord"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

// Writer appends walrecord-framed records to a sequence of files inside one
// WAL-group directory.
type Writer struct {
	mu      sync.Mutex
	dir     string
	seq     int
	cur     *os.File
	curPath string
}

// New creates (or reopens) a Writer rooted at dir, which must be a single
// WAL group's directory. The directory is created if missing; a fresh file
// is opened as the initial current file.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("walwriter: create dir %s: %w", dir, err)
	}
	w := &Writer{dir: dir}
	if err := w.openNext(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) openNext() error {
	name := fmt.Sprintf("%06d.wal", w.seq)
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("walwriter: open %s: %w", path, err)
	}
	w.seq++
	w.cur = f
	w.curPath = path
	return nil
}

// CurrentPath returns the path of the file currently being appended to.
func (w *Writer) CurrentPath() types.LogPath {
	w.mu.Lock()
	defer w.mu.Unlock()
	return types.LogPath(w.curPath)
}

// Append writes one record to the current file and fsyncs it, returning
// the file's length after the write (a valid resume offset for the next
// reader).
func (w *Writer) Append(rec walrecord.Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := walrecord.Encode(w.cur, rec); err != nil {
		return 0, fmt.Errorf("walwriter: encode: %w", err)
	}
	if err := w.cur.Sync(); err != nil {
		return 0, fmt.Errorf("walwriter: fsync: %w", err)
	}
	info, err := w.cur.Stat()
	if err != nil {
		return 0, fmt.Errorf("walwriter: stat: %w", err)
	}
	return info.Size(), nil
}

// Roll closes the current file and opens a new one, returning the new
// file's path. The closed file is left in place; a roll callback (outside
// this package's scope) would enqueue the new path onto the owning
// LogQueue.
func (w *Writer) Roll() (types.LogPath, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.cur.Close(); err != nil {
		return "", fmt.Errorf("walwriter: close before roll: %w", err)
	}
	if err := w.openNext(); err != nil {
		return "", err
	}
	return types.LogPath(w.curPath), nil
}

// Close closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur.Close()
}
