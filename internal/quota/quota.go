// Package quota implements the process-wide in-flight-byte budget shared by
// every ReaderLoop. A single atomic counter tracks bytes committed to
// batches that have been assembled but not yet shipped; the controller
// never blocks a caller, it only reports whether the budget is exceeded so
// the caller can back off on its own schedule.
package quota

import "sync/atomic"

// Controller is a shared, non-blocking budget of in-flight bytes.
type Controller struct {
	used  atomic.Int64
	limit int64
}

// New creates a Controller with the given byte budget. A limit of zero or
// less disables backpressure entirely (Add always reports under-quota).
func New(limit int64) *Controller {
	return &Controller{limit: limit}
}

// Add accounts n more in-flight bytes and reports whether the budget is now
// exceeded. n may be negative; Add never lets used go below zero.
func (c *Controller) Add(n int64) (overQuota bool) {
	next := c.used.Add(n)
	if next < 0 {
		// A caller released more than it ever added; clamp rather than let
		// the counter go negative and mask a real leak as headroom.
		c.used.Store(0)
		next = 0
	}
	if c.limit <= 0 {
		return false
	}
	return next >= c.limit
}

// Release subtracts n in-flight bytes, called by the shipper once a batch
// has been transmitted.
func (c *Controller) Release(n int64) {
	c.Add(-n)
}

// AcquireCheck reports whether the budget is currently exceeded, without
// mutating it. A ReaderLoop calls this before assembling a new batch.
func (c *Controller) AcquireCheck() (overQuota bool) {
	if c.limit <= 0 {
		return false
	}
	return c.used.Load() >= c.limit
}

// Used returns the current in-flight byte count, for diagnostics.
func (c *Controller) Used() int64 {
	return c.used.Load()
}
