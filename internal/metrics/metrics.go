// Package metrics wires the core's required telemetry into Prometheus: one
// Collector holding a typed handle per metric in the MetricsSink table,
// registered with the default registry and exposed over HTTP for scraping.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// QueueSizeHook adapts a Collector and a fixed group label to
// logqueue.MetricsHook, so LogQueue can report its size without importing
// this package.
type QueueSizeHook struct {
	collector *Collector
	group     string
}

// HookFor returns a logqueue.MetricsHook bound to group.
func (c *Collector) HookFor(group string) QueueSizeHook {
	return QueueSizeHook{collector: c, group: group}
}

// SetQueueSize implements logqueue.MetricsHook.
func (h QueueSizeHook) SetQueueSize(n int) {
	h.collector.SetQueueSize(h.group, n)
}

// SetOldestWalAgeMs implements logqueue.MetricsHook.
func (h QueueSizeHook) SetOldestWalAgeMs(ms float64) {
	h.collector.SetOldestWalAgeMs(h.group, ms)
}

// Collector implements MetricsSink: the counters and gauges every core
// component updates.
type Collector struct {
	sizeOfLogQueue        *prometheus.GaugeVec
	oldestWalAgeMs        *prometheus.GaugeVec
	ageOfLastShippedOpMs  *prometheus.GaugeVec
	logEditsRead          *prometheus.CounterVec
	logEditsFiltered      *prometheus.CounterVec
	logReadBytes          *prometheus.CounterVec
	unknownFileLength     *prometheus.CounterVec
	unclosedWals          *prometheus.CounterVec
	bytesSkippedUnclosed  *prometheus.CounterVec
	restartedWalReading   *prometheus.CounterVec
	completedWal          *prometheus.CounterVec
	completedRecoveryQueu *prometheus.CounterVec
}

// NewCollector builds and registers a Collector against reg. Passing
// prometheus.NewRegistry() in tests avoids colliding with the process-wide
// default registry across repeated test runs.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sizeOfLogQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wal_tailer_size_of_log_queue",
			Help: "Current number of WAL files queued for a group.",
		}, []string{"group"}),
		oldestWalAgeMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wal_tailer_oldest_wal_age_ms",
			Help: "Age in milliseconds of the oldest queued WAL file's mtime.",
		}, []string{"group"}),
		ageOfLastShippedOpMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "wal_tailer_age_of_last_shipped_op_ms",
			Help: "Age in milliseconds of the last shipped batch's final entry.",
		}, []string{"group"}),
		logEditsRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_log_edits_read_total",
			Help: "Entries yielded by the EntryStream.",
		}, []string{"group"}),
		logEditsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_log_edits_filtered_total",
			Help: "Entries dropped by the filter chain.",
		}, []string{"group"}),
		logReadBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_log_read_bytes_total",
			Help: "Bytes consumed from WAL files.",
		}, []string{"group"}),
		unknownFileLength: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_unknown_file_length_for_closed_wal_total",
			Help: "Length-lookup failures against a WAL file.",
		}, []string{"group"}),
		unclosedWals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_uncleanly_closed_wals_total",
			Help: "EOF-autorecovery triggers for unclean WAL closes.",
		}, []string{"group"}),
		bytesSkippedUnclosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_bytes_skipped_in_uncleanly_closed_wals_total",
			Help: "Bytes skipped by EOF-autorecovery triggers.",
		}, []string{"group"}),
		restartedWalReading: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_restarted_wal_reading_total",
			Help: "EntryStream re-opens.",
		}, []string{"group"}),
		completedWal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_completed_wal_total",
			Help: "WAL files fully consumed.",
		}, []string{"group"}),
		completedRecoveryQueu: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wal_tailer_completed_recovery_queue_total",
			Help: "Recovered queues that fully drained and terminated.",
		}, []string{"group"}),
	}

	reg.MustRegister(
		c.sizeOfLogQueue,
		c.oldestWalAgeMs,
		c.ageOfLastShippedOpMs,
		c.logEditsRead,
		c.logEditsFiltered,
		c.logReadBytes,
		c.unknownFileLength,
		c.unclosedWals,
		c.bytesSkippedUnclosed,
		c.restartedWalReading,
		c.completedWal,
		c.completedRecoveryQueu,
	)

	return c
}

// SetQueueSize implements logqueue.MetricsHook for one group.
func (c *Collector) SetQueueSize(group string, n int) {
	c.sizeOfLogQueue.WithLabelValues(group).Set(float64(n))
}

// SetOldestWalAgeMs records the oldest queued WAL file's age.
func (c *Collector) SetOldestWalAgeMs(group string, ms float64) {
	c.oldestWalAgeMs.WithLabelValues(group).Set(ms)
}

// SetAgeOfLastShippedOpMs records the age of the last shipped batch's
// final entry.
func (c *Collector) SetAgeOfLastShippedOpMs(group string, ms float64) {
	c.ageOfLastShippedOpMs.WithLabelValues(group).Set(ms)
}

// AddLogEditsRead increments the entries-yielded counter.
func (c *Collector) AddLogEditsRead(group string, n int) {
	c.logEditsRead.WithLabelValues(group).Add(float64(n))
}

// AddLogEditsFiltered increments the entries-dropped counter.
func (c *Collector) AddLogEditsFiltered(group string, n int) {
	c.logEditsFiltered.WithLabelValues(group).Add(float64(n))
}

// AddLogReadBytes increments bytes consumed from WAL files.
func (c *Collector) AddLogReadBytes(group string, n int64) {
	c.logReadBytes.WithLabelValues(group).Add(float64(n))
}

// IncUnknownFileLength increments the length-lookup-failure counter.
func (c *Collector) IncUnknownFileLength(group string) {
	c.unknownFileLength.WithLabelValues(group).Inc()
}

// IncUncleanlyClosedWals increments the EOF-autorecovery-trigger counter.
func (c *Collector) IncUncleanlyClosedWals(group string) {
	c.unclosedWals.WithLabelValues(group).Inc()
}

// AddBytesSkippedUnclosed increments bytes skipped by EOF-autorecovery.
func (c *Collector) AddBytesSkippedUnclosed(group string, n int64) {
	c.bytesSkippedUnclosed.WithLabelValues(group).Add(float64(n))
}

// IncRestartedWalReading increments the stream-reopen counter.
func (c *Collector) IncRestartedWalReading(group string) {
	c.restartedWalReading.WithLabelValues(group).Inc()
}

// IncCompletedWal increments the files-fully-consumed counter.
func (c *Collector) IncCompletedWal(group string) {
	c.completedWal.WithLabelValues(group).Inc()
}

// IncCompletedRecoveryQueue increments the recovered-queue-drained counter.
func (c *Collector) IncCompletedRecoveryQueue(group string) {
	c.completedRecoveryQueu.WithLabelValues(group).Inc()
}

// StartServer starts a Prometheus HTTP endpoint on port, serving /metrics
// from gatherer.
func StartServer(port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
