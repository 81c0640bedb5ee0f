package readerloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbank-data/wal-tailer/internal/entryreader"
	"github.com/riverbank-data/wal-tailer/internal/groupregistry"
	"github.com/riverbank-data/wal-tailer/internal/logqueue"
	"github.com/riverbank-data/wal-tailer/internal/quota"
	"github.com/riverbank-data/wal-tailer/internal/walrecord"
	"github.com/riverbank-data/wal-tailer/internal/walwriter"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

const testFSTimeout = 2 * time.Second

// fakeMetrics counts calls instead of talking to Prometheus, so tests can
// assert on exactly the recovery-path metrics the policy table requires.
type fakeMetrics struct {
	editsRead              int
	editsFiltered          int
	uncleanlyClosed        int
	restartedWalReading    int
	completedWal           int
	completedRecoveryQueue int
	unknownFileLength      int
}

func (f *fakeMetrics) AddLogEditsRead(string, int)             { f.editsRead++ }
func (f *fakeMetrics) AddLogEditsFiltered(string, int)         { f.editsFiltered++ }
func (f *fakeMetrics) AddLogReadBytes(string, int64)           {}
func (f *fakeMetrics) IncUnknownFileLength(string)             { f.unknownFileLength++ }
func (f *fakeMetrics) IncUncleanlyClosedWals(string)           { f.uncleanlyClosed++ }
func (f *fakeMetrics) AddBytesSkippedUnclosed(string, int64)   {}
func (f *fakeMetrics) IncRestartedWalReading(string)           { f.restartedWalReading++ }
func (f *fakeMetrics) IncCompletedWal(string)                  { f.completedWal++ }
func (f *fakeMetrics) IncCompletedRecoveryQueue(string)        { f.completedRecoveryQueue++ }
func (f *fakeMetrics) SetAgeOfLastShippedOpMs(string, float64) {}

func recordWithKey(key string) walrecord.Record {
	return walrecord.Record{Table: "t", Cells: []walrecord.Cell{{RowKey: key}}, EditBytes: 8}
}

func newTestRegistry(t *testing.T, group string, start types.Position) *groupregistry.Registry {
	t.Helper()
	reg := groupregistry.New()
	_, err := reg.Register(group, start, 8)
	require.NoError(t, err)
	return reg
}

func TestLoopShipsSmallBatchesFromLiveQueue(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(recordWithKey("a"))
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("b"))
	require.NoError(t, err)

	q := logqueue.New(nil)
	q.Enqueue(string(w.CurrentPath()))

	reg := newTestRegistry(t, "g1", types.Position{Path: w.CurrentPath(), Offset: 0})
	metrics := &fakeMetrics{}
	qc := quota.New(0)

	loop := New("g1", q, entryreader.NewFileFactory(), nil, qc, metrics, reg, nil, Config{
		CountCapacity:  1,
		RetryBaseSleep: 5 * time.Millisecond,
		FSTimeout:      testFSTimeout,
	})
	loop.Start()
	defer loop.Stop()

	state, err := reg.Get("g1")
	require.NoError(t, err)

	var got []types.Batch
	for i := 0; i < 2; i++ {
		select {
		case b := <-state.ReadyQueue:
			got = append(got, b)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for batch")
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Entries[0].Entry.Cells[0].RowKey)
	assert.Equal(t, "b", got[1].Entries[0].Entry.Cells[0].RowKey)
	assert.True(t, got[0].MoreEntries, "a live group never reports final drain")
}

func TestLoopRecoveredQueueDrainsAndStops(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)

	_, err = w.Append(recordWithKey("1"))
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("2"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	q := logqueue.New(nil)
	q.Enqueue(string(w.CurrentPath()))

	reg := newTestRegistry(t, "g1", types.Position{Path: w.CurrentPath(), Offset: 0})
	metrics := &fakeMetrics{}
	qc := quota.New(0)

	loop := New("g1", q, entryreader.NewFileFactory(), nil, qc, metrics, reg, nil, Config{
		CountCapacity:  10,
		RetryBaseSleep: 5 * time.Millisecond,
		FSTimeout:      testFSTimeout,
		Recovered:      true,
	})
	loop.Start()
	defer loop.Stop()

	state, err := reg.Get("g1")
	require.NoError(t, err)

	select {
	case b := <-state.ReadyQueue:
		assert.Equal(t, 2, b.NbEntries)
		assert.False(t, b.MoreEntries)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for final batch")
	}

	require.Eventually(t, func() bool {
		return metrics.completedRecoveryQueue == 1
	}, time.Second, 10*time.Millisecond)

	got, err := reg.Get("g1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return !got.ReaderRunning
	}, time.Second, 10*time.Millisecond)
}

func TestLoopForceRemovesZeroLengthHeadWithQueuedSuccessor(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)
	defer w.Close()

	staleHead := w.CurrentPath()
	newPath, err := w.Roll()
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("x"))
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("y"))
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("z"))
	require.NoError(t, err)

	q := logqueue.New(nil)
	q.Enqueue(string(staleHead))
	q.Enqueue(string(newPath))

	reg := newTestRegistry(t, "g1", types.Position{Path: staleHead, Offset: 0})
	metrics := &fakeMetrics{}
	qc := quota.New(0)

	loop := New("g1", q, entryreader.NewFileFactory(), nil, qc, metrics, reg, nil, Config{
		CountCapacity:   10,
		RetryBaseSleep:  5 * time.Millisecond,
		FSTimeout:       testFSTimeout,
		Recovered:       true,
		EOFAutorecovery: true,
	})
	loop.Start()
	defer loop.Stop()

	state, err := reg.Get("g1")
	require.NoError(t, err)

	select {
	case b := <-state.ReadyQueue:
		require.Equal(t, 3, b.NbEntries)
		assert.Equal(t, "x", b.Entries[0].Entry.Cells[0].RowKey)
		assert.False(t, b.MoreEntries)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for batch from the successor file")
	}

	assert.Equal(t, 1, metrics.uncleanlyClosed)
	assert.Equal(t, 1, metrics.restartedWalReading)
}

// TestLoopRecoversFromTruncatedTrailingRecord pins the fix for a livelock
// where a truncated trailing record's error was cached on the Stream
// forever: once the writer finishes flushing the record, the loop must
// eventually ship it rather than retry against the same stale error.
func TestLoopRecoversFromTruncatedTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(recordWithKey("a"))
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("b"))
	require.NoError(t, err)

	path := w.CurrentPath()
	complete, err := os.ReadFile(string(path))
	require.NoError(t, err)
	require.NoError(t, os.Truncate(string(path), int64(len(complete))-2))

	q := logqueue.New(nil)
	q.Enqueue(string(path))

	reg := newTestRegistry(t, "g1", types.Position{Path: path, Offset: 0})
	metrics := &fakeMetrics{}
	qc := quota.New(0)

	loop := New("g1", q, entryreader.NewFileFactory(), nil, qc, metrics, reg, nil, Config{
		CountCapacity:  1,
		RetryBaseSleep: 5 * time.Millisecond,
		FSTimeout:      testFSTimeout,
	})
	loop.Start()
	defer loop.Stop()

	state, err := reg.Get("g1")
	require.NoError(t, err)

	select {
	case b := <-state.ReadyQueue:
		assert.Equal(t, "a", b.Entries[0].Entry.Cells[0].RowKey)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the first, complete batch")
	}

	// Let a few retry cycles elapse against the truncated tail before the
	// writer "finishes" flushing it.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(string(path), complete, 0o644))

	select {
	case b := <-state.ReadyQueue:
		assert.Equal(t, "b", b.Entries[0].Entry.Cells[0].RowKey)
	case <-time.After(2 * time.Second):
		t.Fatal("loop never recovered once the truncated record was completed")
	}
}

// TestLoopClosesBatchWhenQuotaExhaustedMidAssembly pins the fix where
// quota.Controller.Add's overQuota result was discarded inside the
// assembly loop: a batch must close as soon as the shared quota is
// exhausted, not only when AcquireCheck gated the batch's start.
func TestLoopClosesBatchWhenQuotaExhaustedMidAssembly(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(recordWithKey("a"))
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("b"))
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("c"))
	require.NoError(t, err)

	q := logqueue.New(nil)
	q.Enqueue(string(w.CurrentPath()))

	reg := newTestRegistry(t, "g1", types.Position{Path: w.CurrentPath(), Offset: 0})
	metrics := &fakeMetrics{}
	// recordWithKey sets EditBytes: 8; a limit of 9 lets the first entry
	// through (used=8, under limit) but the second pushes used to 16,
	// over limit, and must close the batch there, well short of the
	// count capacity below.
	qc := quota.New(9)

	loop := New("g1", q, entryreader.NewFileFactory(), nil, qc, metrics, reg, nil, Config{
		CountCapacity:  100,
		RetryBaseSleep: 5 * time.Millisecond,
		FSTimeout:      testFSTimeout,
	})
	loop.Start()
	defer loop.Stop()

	state, err := reg.Get("g1")
	require.NoError(t, err)

	select {
	case b := <-state.ReadyQueue:
		assert.Equal(t, 2, b.NbEntries, "batch must close once quota is exhausted, not run to count capacity")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the quota-bounded batch")
	}
}

func TestLoopStopReleasesInFlightQuota(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(recordWithKey("a"))
	require.NoError(t, err)

	q := logqueue.New(nil)
	q.Enqueue(string(w.CurrentPath()))

	reg := newTestRegistry(t, "g1", types.Position{Path: w.CurrentPath(), Offset: 0})
	// Zero-capacity ready-queue: the loop will block trying to ship,
	// giving Stop a real in-flight batch to release quota for.
	state, err := reg.Get("g1")
	require.NoError(t, err)
	state.ReadyQueue = make(chan types.Batch)

	metrics := &fakeMetrics{}
	qc := quota.New(1 << 20)

	loop := New("g1", q, entryreader.NewFileFactory(), nil, qc, metrics, reg, nil, Config{
		CountCapacity:  1,
		RetryBaseSleep: 5 * time.Millisecond,
		FSTimeout:      testFSTimeout,
	})
	loop.Start()

	require.Eventually(t, func() bool {
		return qc.Used() > 0
	}, time.Second, 5*time.Millisecond)

	loop.Stop()
	assert.Equal(t, int64(0), qc.Used())
}
