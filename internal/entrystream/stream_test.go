package entrystream

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbank-data/wal-tailer/internal/entryreader"
	"github.com/riverbank-data/wal-tailer/internal/logqueue"
	"github.com/riverbank-data/wal-tailer/internal/walrecord"
	"github.com/riverbank-data/wal-tailer/internal/walwriter"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

const testTimeout = 2 * time.Second

func recordWithKey(key string) walrecord.Record {
	return walrecord.Record{Table: "t", Cells: []walrecord.Cell{{RowKey: key}}, EditBytes: 8}
}

func drainAllKeys(t *testing.T, s *Stream) []string {
	t.Helper()
	var keys []string
	for {
		ok, err := s.HasNext()
		require.NoError(t, err)
		if !ok {
			return keys
		}
		e, err := s.Next()
		require.NoError(t, err)
		keys = append(keys, e.Cells[0].RowKey)
	}
}

func truncateFile(t *testing.T, path string, delta int64) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()+delta))
}

func TestStreamReadsSingleFileNoRoll(t *testing.T) {
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

	s, err := Open(q, entryreader.NewFileFactory(), types.Position{Path: w.CurrentPath(), Offset: 0}, testTimeout)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, []string{"a", "b", "c"}, drainAllKeys(t, s))

	ok, err := s.HasNext()
	require.NoError(t, err)
	assert.False(t, ok, "caught up with a live sole file must not report drained forever as an error")
}

func TestStreamFollowsRollAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(recordWithKey("1"))
	require.NoError(t, err)

	q := logqueue.New(nil)
	q.Enqueue(string(w.CurrentPath()))

	s, err := Open(q, entryreader.NewFileFactory(), types.Position{Path: w.CurrentPath(), Offset: 0}, testTimeout)
	require.NoError(t, err)
	defer s.Close()

	e, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "1", e.Cells[0].RowKey)

	_, err = w.Append(recordWithKey("2"))
	require.NoError(t, err)
	_, err = w.Append(recordWithKey("3"))
	require.NoError(t, err)

	ok, err := s.HasNext()
	require.NoError(t, err)
	require.True(t, ok)
	e, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "2", e.Cells[0].RowKey)
	e, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "3", e.Cells[0].RowKey)

	newPath, err := w.Roll()
	require.NoError(t, err)
	q.Enqueue(string(newPath))
	_, err = w.Append(recordWithKey("4"))
	require.NoError(t, err)

	ok, err = s.HasNext()
	require.NoError(t, err)
	require.True(t, ok)
	e, err = s.Next()
	require.NoError(t, err)
	assert.Equal(t, "4", e.Cells[0].RowKey)
	assert.Equal(t, newPath, s.CurrentPath())

	assert.Equal(t, 1, q.Size(), "old head must be removed once its successor is opened")

	ok, err = s.HasNext()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStreamTreatsZeroLengthHeadAsNoEntries(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)
	defer w.Close()

	q := logqueue.New(nil)
	q.Enqueue(string(w.CurrentPath()))

	s, err := Open(q, entryreader.NewFileFactory(), types.Position{Path: w.CurrentPath(), Offset: 0}, testTimeout)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.HasNext()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, q.Size(), "a zero-length head must not be removed by the stream itself")
}

func TestStreamReportsTruncatedAsError(t *testing.T) {
	dir := t.TempDir()
	w, err := walwriter.New(dir)
	require.NoError(t, err)

	_, err = w.Append(recordWithKey("a"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := w.CurrentPath()
	truncateFile(t, string(path), -2)

	q := logqueue.New(nil)
	q.Enqueue(string(path))

	s, err := Open(q, entryreader.NewFileFactory(), types.Position{Path: path, Offset: 0}, testTimeout)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.HasNext()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
}
