// Package shippersim simulates the shipper: the external consumer that
// drains a WAL group's ready-queue and transmits each Batch to the remote
// cluster. It exists only so this repository is runnable and testable end
// to end; production deployments replace it with a real transmission
// client.
//
// Adapted from the teacher's worker-pool Task/Result/Pool idiom
// (internal/worker/worker.go, internal/worker/worker_pool.go): fixed
// goroutines pulling from a channel, a stop channel plus WaitGroup for
// shutdown. Retargeted from generic job execution to draining one
// ready-queue per group and releasing the shipped bytes back to the quota
// controller.
package shippersim

import (
	"log/slog"
	"sync"
	"time"

	"github.com/riverbank-data/wal-tailer/internal/quota"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

// Shipped is called once per drained batch, after quota has been released,
// so a caller (tests, the CLI) can observe what left the queue.
type Shipped func(group string, b types.Batch)

// Pool drains one or more groups' ready-queues concurrently, simulating
// network transmission latency before releasing quota.
type Pool struct {
	quota   *quota.Controller
	latency time.Duration
	onShip  Shipped

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewPool creates a Pool that releases bytes from q and waits latency
// before "shipping" each batch. onShip may be nil.
func NewPool(q *quota.Controller, latency time.Duration, onShip Shipped) *Pool {
	if onShip == nil {
		onShip = func(string, types.Batch) {}
	}
	return &Pool{quota: q, latency: latency, onShip: onShip, stopCh: make(chan struct{})}
}

// Drain starts one goroutine draining readyQueue for group, until Stop is
// called or readyQueue is closed.
func (p *Pool) Drain(group string, readyQueue <-chan types.Batch) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-p.stopCh:
				return
			case b, ok := <-readyQueue:
				if !ok {
					return
				}
				p.ship(group, b)
			}
		}
	}()
}

func (p *Pool) ship(group string, b types.Batch) {
	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-p.stopCh:
			return
		}
	}

	var quotaBytes int64
	for _, be := range b.Entries {
		quotaBytes += be.Entry.QuotaBytes()
	}
	p.quota.Release(quotaBytes)

	slog.Default().Debug("shipped batch", "group", group, "nb_entries", b.NbEntries, "end_offset", b.EndPosition.Offset)
	p.onShip(group, b)
}

// Stop signals every Drain goroutine to exit and waits for them.
func (p *Pool) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}
