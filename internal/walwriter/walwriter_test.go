package walwriter

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbank-data/wal-tailer/internal/walrecord"
)

func rec(table string) walrecord.Record {
	return walrecord.Record{
		WriteTime: time.Unix(1700000000, 0).UTC(),
		Table:     table,
		Cells:     []walrecord.Cell{{RowKey: "r1"}},
		EditBytes: 16,
	}
}

func TestAppendGrowsCurrentFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	n1, err := w.Append(rec("t1"))
	require.NoError(t, err)
	n2, err := w.Append(rec("t1"))
	require.NoError(t, err)

	assert.Greater(t, n2, n1)
	assert.Equal(t, filepath.Join(dir, "000000.wal"), string(w.CurrentPath()))
}

func TestRollOpensNewFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(rec("t1"))
	require.NoError(t, err)

	first := w.CurrentPath()
	newPath, err := w.Roll()
	require.NoError(t, err)

	assert.NotEqual(t, first, newPath)
	assert.Equal(t, newPath, w.CurrentPath())
	assert.Equal(t, filepath.Join(dir, "000001.wal"), string(newPath))
}
