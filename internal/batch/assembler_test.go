package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/riverbank-data/wal-tailer/pkg/types"
)

func TestAddEntryAccumulatesStats(t *testing.T) {
	a := New(0, 0)
	e1 := types.Entry{Table: "t", Cells: []types.Cell{{RowKey: "a"}}, EditBytes: 10}
	e2 := types.Entry{Table: "t", Cells: []types.Cell{{RowKey: "b"}}, EditBytes: 20}

	a.AddEntry(e1, e1.HeapSize())
	a.AddEntry(e2, e2.HeapSize())

	b := a.Close(types.Position{Path: "L1", Offset: 30}, true)
	assert.Equal(t, 2, b.NbEntries)
	assert.Equal(t, 2, b.NbRowKeys)
	assert.Equal(t, int64(30), b.HeapSize)
	assert.Equal(t, types.Position{Path: "L1", Offset: 30}, b.EndPosition)
	assert.True(t, b.MoreEntries)
}

func TestFullBySizeTriggersAtCapacity(t *testing.T) {
	a := New(100, 0)
	a.AddEntry(types.Entry{EditBytes: 100}, 100)
	assert.True(t, a.FullBySize())
}

func TestFullByCountTriggersAtCapacity(t *testing.T) {
	a := New(0, 2)
	a.AddEntry(types.Entry{EditBytes: 1}, 1)
	assert.False(t, a.FullByCount())
	a.AddEntry(types.Entry{EditBytes: 1}, 1)
	assert.True(t, a.FullByCount())
}

func TestEmptyBatchBeforeAnyAdd(t *testing.T) {
	a := New(0, 0)
	assert.True(t, a.Empty())
}

func TestCloseWithNoMoreEntries(t *testing.T) {
	a := New(0, 0)
	b := a.Close(types.Position{Path: "L1", Offset: 0}, false)
	assert.False(t, b.MoreEntries)
}
