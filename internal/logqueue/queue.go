// ============================================================================
// WAL-Tailer LogQueue - Per-Group WAL File Queue
// ============================================================================
//
// Package: internal/logqueue
// File: queue.go
// Purpose: Ordered FIFO of WAL file paths for one WAL group.
//
// Concurrency model:
//   Many producers (WAL-roll callbacks, running on writer threads) call
//   Enqueue; exactly one consumer (the owning ReaderLoop) calls Peek,
//   RemoveHead, and Size. Insertion order is strictly preserved: the head is
//   always the file currently being (or last being) read, the tail the
//   newest appended file.
//
// ============================================================================

package logqueue

import (
	"os"
	"sync"
	"time"
)

// MetricsHook receives queue-size and head-age notifications on every
// mutation, so the owner can update size_of_log_queue / oldest_wal_age_ms
// without the queue itself depending on a metrics package.
type MetricsHook interface {
	SetQueueSize(n int)
	SetOldestWalAgeMs(ms float64)
}

// noopHook is used when no MetricsHook is supplied.
type noopHook struct{}

func (noopHook) SetQueueSize(int)          {}
func (noopHook) SetOldestWalAgeMs(float64) {}

// Queue is a per-WAL-group FIFO of file paths, safe for many producers and
// one consumer.
type Queue struct {
	mu    sync.Mutex
	paths []string
	hook  MetricsHook
}

// New creates an empty Queue. A nil hook is replaced by a no-op.
func New(hook MetricsHook) *Queue {
	if hook == nil {
		hook = noopHook{}
	}
	return &Queue{hook: hook}
}

// Enqueue appends path to the tail. Safe to call from any goroutine.
func (q *Queue) Enqueue(path string) {
	q.mu.Lock()
	q.paths = append(q.paths, path)
	n := len(q.paths)
	q.mu.Unlock()

	q.hook.SetQueueSize(n)
	q.reportHeadAge()
}

// Peek returns the head path without removing it, and whether the queue is
// non-empty.
func (q *Queue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.paths) == 0 {
		return "", false
	}
	return q.paths[0], true
}

// RemoveHead drops the head entry. Only the owning ReaderLoop may call
// this. No-op on an empty queue.
func (q *Queue) RemoveHead() {
	q.mu.Lock()
	if len(q.paths) == 0 {
		q.mu.Unlock()
		return
	}
	q.paths = q.paths[1:]
	n := len(q.paths)
	q.mu.Unlock()

	q.hook.SetQueueSize(n)
	q.reportHeadAge()
}

// reportHeadAge recomputes oldest_wal_age_ms from the current head file's
// mtime and notifies the hook. A head that cannot be stat'd (already
// rotated away, or a transient filesystem error) just leaves the gauge at
// its last reported value rather than failing the mutation that triggered
// this call.
func (q *Queue) reportHeadAge() {
	head, ok := q.Peek()
	if !ok {
		return
	}
	info, err := os.Stat(head)
	if err != nil {
		return
	}
	q.hook.SetOldestWalAgeMs(float64(time.Since(info.ModTime()).Milliseconds()))
}

// Size returns the current queue length.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.paths)
}

// Snapshot returns a copy of the current path list, oldest first. Intended
// for diagnostics and tests; never used by the hot read path.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.paths))
	copy(out, q.paths)
	return out
}
