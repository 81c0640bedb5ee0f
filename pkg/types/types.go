// Package types defines the core domain models shared by every package in
// the WAL-group tailing reader: the identity of a WAL file, the decoded
// entry a reader yields, the resume position a batch carries, and the batch
// itself.
package types

import "time"

// LogPath identifies one WAL file on the shared filesystem. It is a plain
// string so paths remain comparable for equality and usable as map keys.
type LogPath string

// Scope is the column-family/table scope attached to an Entry, used by
// EntryFilter implementations to decide whether to keep or drop it.
type Scope map[string]string

// BulkLoadRef is a single bulk-load file reference carried by a Cell.
// Bulk-load bytes count toward Batch.HeapSize but never toward quota
// accounting, since the referenced file is not buffered by the reader.
type BulkLoadRef struct {
	Path     string
	ByteSize int64
}

// Cell is one mutation within an Entry's edit. The core otherwise treats
// Entry as opaque; Cells are exposed only so BatchAssembler bookkeeping
// (distinct row keys, bulk-load reference counting) can be expressed
// without a parser dependency.
type Cell struct {
	RowKey        string
	IsBulkLoad    bool
	BulkLoadFiles []BulkLoadRef
}

// Entry is the decoded record an EntryReader yields.
type Entry struct {
	// WriteTime is the wall-clock origin time of the entry, used for the
	// age_of_last_shipped_op_ms gauge.
	WriteTime time.Time
	// Table identifies the owning table; EntryFilter chains commonly key
	// on this.
	Table string
	// Scope is the column-family mapping used by scope-based filters.
	Scope Scope
	// Cells is the edit's mutation list.
	Cells []Cell
	// EditBytes is the WAL-edit byte size of this entry, excluding any
	// bulk-load file bytes. This is the size quota accounting uses.
	EditBytes int64
}

// IsEmpty reports an edit with no cells; such entries are dropped before
// reaching the BatchAssembler (see ReaderLoop).
func (e Entry) IsEmpty() bool {
	return len(e.Cells) == 0
}

// HeapSize is the size counted against Batch.HeapSize: WAL-edit bytes plus
// every referenced bulk-load file's bytes.
func (e Entry) HeapSize() int64 {
	total := e.EditBytes
	for _, c := range e.Cells {
		for _, ref := range c.BulkLoadFiles {
			total += ref.ByteSize
		}
	}
	return total
}

// QuotaBytes is the size counted against QuotaController: WAL-edit bytes
// only, since bulk-load files are never buffered by the reader.
func (e Entry) QuotaBytes() int64 {
	return e.EditBytes
}

// NbRowKeys counts distinct row keys within this entry by comparing
// successive cells. Cells are assumed grouped by row already, so this is a
// single linear pass rather than a set build.
func (e Entry) NbRowKeys() int {
	if len(e.Cells) == 0 {
		return 0
	}
	count := 1
	for i := 1; i < len(e.Cells); i++ {
		if e.Cells[i].RowKey != e.Cells[i-1].RowKey {
			count++
		}
	}
	return count
}

// NbHFileRefs sums the bulk-load file references carried by this entry's
// cells.
func (e Entry) NbHFileRefs() int {
	total := 0
	for _, c := range e.Cells {
		if c.IsBulkLoad {
			total += len(c.BulkLoadFiles)
		}
	}
	return total
}

// Position is the reader's durable resume point: a path plus a byte offset
// that always lands on a record boundary, never mid-record.
type Position struct {
	Path   LogPath
	Offset int64
}

// BatchEntry pairs a filtered Entry with the size it was accounted under
// (HeapSize, computed once at add time so later mutation of the Entry
// cannot desynchronize Batch.HeapSize).
type BatchEntry struct {
	Entry Entry
	Size  int64
}

// Batch is an ordered, immutable-once-closed group of filtered entries plus
// the aggregated stats and end-of-batch Position the ready-queue consumer
// needs to ship and durably record progress.
type Batch struct {
	Entries []BatchEntry

	NbEntries   int
	NbRowKeys   int
	NbHFileRefs int
	HeapSize    int64

	// EndPosition is the position immediately after the last entry this
	// batch includes.
	EndPosition Position
	// MoreEntries is false only when the owning source is a recovered
	// queue that has been fully drained; true otherwise, including for
	// a live source's empty/idle state, where draining is never final.
	MoreEntries bool
}

// Empty reports whether the batch carries zero entries.
func (b *Batch) Empty() bool {
	return b.NbEntries == 0
}

// AddEntry appends a filtered entry to the batch and updates its running
// stats. size is the entry's HeapSize, computed by the caller once.
func (b *Batch) AddEntry(e Entry, size int64) {
	b.Entries = append(b.Entries, BatchEntry{Entry: e, Size: size})
	b.NbEntries++
	b.HeapSize += size
	b.NbRowKeys += e.NbRowKeys()
	b.NbHFileRefs += e.NbHFileRefs()
}
