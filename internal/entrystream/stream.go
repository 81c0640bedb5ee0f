// Package entrystream implements EntryStream: a single lazy iterator over
// the concatenation of files held by a LogQueue, starting at an initial
// (path, offset). It detects file rolls, tolerates a current file that is
// still growing, and re-opens across file boundaries, all while reporting
// a byte position that is monotonic within one file and resets to zero at
// the next.
package entrystream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/riverbank-data/wal-tailer/internal/entryreader"
	"github.com/riverbank-data/wal-tailer/internal/fsutil"
	"github.com/riverbank-data/wal-tailer/internal/logqueue"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

// ErrFileNotFound wraps a transient missing-file condition: a path is in
// the queue but the filesystem does not (yet) have it. Retryable.
var ErrFileNotFound = errors.New("entrystream: file not found")

// Stream is a single-consumer iterator over one WAL group's queue.
type Stream struct {
	queue     *logqueue.Queue
	factory   entryreader.Factory
	fsTimeout time.Duration

	path   types.LogPath
	reader entryreader.Reader

	pending    *types.Entry
	pendingErr error

	rolled bool
}

// Open starts a Stream at the given position. The position's Path must
// currently be reachable (at or before the queue's head); the reader is
// opened at Offset.
func Open(queue *logqueue.Queue, factory entryreader.Factory, start types.Position, fsTimeout time.Duration) (*Stream, error) {
	s := &Stream{queue: queue, factory: factory, fsTimeout: fsTimeout}
	if err := s.openAt(start.Path, start.Offset); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Stream) openAt(path types.LogPath, offset int64) error {
	r, err := s.factory.Open(path, offset)
	if err != nil {
		if isNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return err
	}
	s.reader = r
	s.path = path
	return nil
}

// CurrentPath returns the path currently being read.
func (s *Stream) CurrentPath() types.LogPath {
	return s.path
}

// Position returns the byte offset immediately past the last entry Next
// returned (or the stream's starting offset, before any Next call). While
// HasNext has buffered an entry that Next has not yet returned, it reports
// the offset past that buffered entry.
func (s *Stream) Position() int64 {
	return s.reader.Position()
}

// HasNext reports whether a call to Next will return an entry, either
// because one is already decoded and buffered, or because the current head
// file has grown, or because a completed head file has a successor ready
// to open. A non-nil error means evaluation failed (truncated record,
// corrupt record, or a filesystem error) and must be handled by the
// caller's error-kind policy rather than treated as "drained".
func (s *Stream) HasNext() (bool, error) {
	if s.pending != nil {
		return true, nil
	}
	if s.pendingErr != nil {
		return false, s.pendingErr
	}

	e, err := s.reader.Next()
	if err == nil {
		s.pending = &e
		return true, nil
	}
	if !errors.Is(err, io.EOF) {
		// Truncated / corrupt / other I/O failure: buffer it so a
		// subsequent HasNext/Next call without an intervening Reset keeps
		// surfacing the same error instead of silently re-reading.
		s.pendingErr = err
		return false, err
	}

	return s.handleEOF()
}

// handleEOF implements the TRY_ADVANCE state: it distinguishes a file that
// is merely caught up with its writer (same file, more bytes may still
// arrive) from one that is sealed with a successor waiting (roll
// detected), and a zero-length head (left untouched — see §4.6 in the
// owning ReaderLoop).
func (s *Stream) handleEOF() (bool, error) {
	length, err := fsutil.Stat(string(s.path), s.fsTimeout)
	if err != nil {
		return false, err
	}

	if length == 0 {
		// A zero-length head is never auto-advanced here; only the
		// ReaderLoop's eof-autorecovery policy may remove it.
		return false, nil
	}

	if length > s.Position() {
		// Writer appended more since our last read: read again.
		e, err := s.reader.Next()
		if err == nil {
			s.pending = &e
			return true, nil
		}
		if !errors.Is(err, io.EOF) {
			s.pendingErr = err
			return false, err
		}
		return false, nil
	}

	if s.queue.Size() > 1 {
		if err := s.rollToNextHead(); err != nil {
			return false, err
		}
		return s.HasNext()
	}

	// Sole file in the queue, fully read, no successor: live-idle, not
	// drained. The writer may still append later.
	return false, nil
}

func (s *Stream) rollToNextHead() error {
	if err := s.reader.Close(); err != nil {
		return err
	}
	s.queue.RemoveHead()
	head, ok := s.queue.Peek()
	if !ok {
		return fmt.Errorf("entrystream: queue emptied mid-roll for %s", s.path)
	}
	s.rolled = true
	return s.openAt(types.LogPath(head), 0)
}

// RolledSinceReset reports whether the stream has advanced to a new file
// since the last call to Reset (or since Open, if Reset has never been
// called). A caller assembling a batch uses this to ship an otherwise-empty
// batch: the roll itself is progress worth reporting, since the new file's
// existence is evidence the previous one is sealed.
func (s *Stream) RolledSinceReset() bool {
	return s.rolled
}

// Next returns the next entry. Position() reports the offset immediately
// past it once Next returns.
func (s *Stream) Next() (types.Entry, error) {
	if s.pending == nil {
		ok, err := s.HasNext()
		if err != nil {
			return types.Entry{}, err
		}
		if !ok {
			return types.Entry{}, fmt.Errorf("entrystream: Next called with no entry available")
		}
	}
	e := *s.pending
	s.pending = nil
	return e, nil
}

// Reset closes and reopens the reader at the stream's current path and
// position, releasing any memory the reader implementation holds. Used
// after a batch is handed to the ready-queue.
func (s *Stream) Reset() error {
	pos := s.Position()
	path := s.path
	if err := s.reader.Close(); err != nil {
		return err
	}
	s.pending = nil
	s.pendingErr = nil
	s.rolled = false
	return s.openAt(path, pos)
}

// Close releases the underlying reader.
func (s *Stream) Close() error {
	return s.reader.Close()
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
