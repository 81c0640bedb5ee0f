package shippersim

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riverbank-data/wal-tailer/internal/quota"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

func TestDrainReleasesQuotaAndNotifies(t *testing.T) {
	q := quota.New(1000)
	q.Add(100)

	var mu sync.Mutex
	var shipped []types.Batch

	pool := NewPool(q, 0, func(group string, b types.Batch) {
		mu.Lock()
		defer mu.Unlock()
		shipped = append(shipped, b)
	})

	ready := make(chan types.Batch, 1)
	pool.Drain("g1", ready)

	b := types.Batch{}
	b.AddEntry(types.Entry{EditBytes: 100}, 100)
	ready <- b

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(shipped) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(0), q.Used())
	pool.Stop()
}

func TestStopUnblocksDrainGoroutine(t *testing.T) {
	q := quota.New(0)
	pool := NewPool(q, time.Hour, nil)
	ready := make(chan types.Batch, 1)
	pool.Drain("g1", ready)

	b := types.Batch{}
	b.AddEntry(types.Entry{EditBytes: 1}, 1)
	ready <- b

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not unblock a goroutine waiting on simulated latency")
	}
}
