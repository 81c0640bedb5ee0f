// Package batch implements the BatchAssembler: it accumulates filtered
// entries into a types.Batch bounded by heap size and entry count, and
// tracks the row-key/bulk-load-reference statistics the ready-queue
// consumer needs. The shared quota is checked by the ReaderLoop, not here.
package batch

import "github.com/riverbank-data/wal-tailer/pkg/types"

// DefaultSizeCapacity is the per-batch heap-size cap (batch.size.capacity).
const DefaultSizeCapacity = 64 << 20 // 64 MiB

// DefaultCountCapacity is the per-batch entry-count cap (batch.count.capacity).
const DefaultCountCapacity = 25000

// Assembler accumulates entries into a single Batch and decides when it is
// full. One Assembler is used per batch; the ReaderLoop creates a fresh one
// for each batch it assembles.
type Assembler struct {
	sizeCapacity  int64
	countCapacity int

	batch types.Batch
}

// New creates an Assembler with the given caps. A cap of zero falls back to
// the package default.
func New(sizeCapacity int64, countCapacity int) *Assembler {
	if sizeCapacity <= 0 {
		sizeCapacity = DefaultSizeCapacity
	}
	if countCapacity <= 0 {
		countCapacity = DefaultCountCapacity
	}
	return &Assembler{sizeCapacity: sizeCapacity, countCapacity: countCapacity}
}

// AddEntry appends e to the in-progress batch. heapSize is the entry's
// HeapSize (WAL-edit bytes plus bulk-load file bytes), already computed by
// the caller so it is charged exactly once.
func (a *Assembler) AddEntry(e types.Entry, heapSize int64) {
	a.batch.AddEntry(e, heapSize)
}

// FullBySize reports whether the batch has reached its heap-size cap.
func (a *Assembler) FullBySize() bool {
	return a.batch.HeapSize >= a.sizeCapacity
}

// FullByCount reports whether the batch has reached its entry-count cap.
func (a *Assembler) FullByCount() bool {
	return a.batch.NbEntries >= a.countCapacity
}

// Empty reports whether the in-progress batch holds zero entries.
func (a *Assembler) Empty() bool {
	return a.batch.Empty()
}

// Close finalizes the batch with the given end-of-batch position and
// more-entries flag, and returns it. The Assembler must not be reused after
// Close; the ReaderLoop creates a new one for the next batch.
func (a *Assembler) Close(endPosition types.Position, moreEntries bool) types.Batch {
	a.batch.EndPosition = endPosition
	a.batch.MoreEntries = moreEntries
	return a.batch
}
