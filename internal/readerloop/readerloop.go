// Package readerloop implements ReaderLoop: the per-WAL-group goroutine
// that drives an EntryStream through a filter chain into a BatchAssembler,
// pushes closed batches onto the group's ready-queue, and owns the
// EOF/unclean-close recovery policy.
//
// Adapted from the teacher's Controller idiom
// (internal/controller/controller.go): a single goroutine loop gated by a
// stopCh plus WaitGroup, package-level slog logger, explicit Config struct.
// Retargeted from the four-loop job dispatcher to one loop per WAL group,
// and from job state transitions to stream/filter/assembler/quota state
// transitions.
package readerloop

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/riverbank-data/wal-tailer/internal/batch"
	"github.com/riverbank-data/wal-tailer/internal/entryreader"
	"github.com/riverbank-data/wal-tailer/internal/entrystream"
	"github.com/riverbank-data/wal-tailer/internal/filter"
	"github.com/riverbank-data/wal-tailer/internal/fsutil"
	"github.com/riverbank-data/wal-tailer/internal/groupregistry"
	"github.com/riverbank-data/wal-tailer/internal/logqueue"
	"github.com/riverbank-data/wal-tailer/internal/quota"
	"github.com/riverbank-data/wal-tailer/pkg/types"
)

var log = slog.Default()

// MetricsSink is the subset of metrics.Collector a ReaderLoop updates.
// Declared here, not imported from internal/metrics, so a test can supply
// a fake without pulling in Prometheus.
type MetricsSink interface {
	AddLogEditsRead(group string, n int)
	AddLogEditsFiltered(group string, n int)
	AddLogReadBytes(group string, n int64)
	IncUnknownFileLength(group string)
	IncUncleanlyClosedWals(group string)
	AddBytesSkippedUnclosed(group string, n int64)
	IncRestartedWalReading(group string)
	IncCompletedWal(group string)
	IncCompletedRecoveryQueue(group string)
	SetAgeOfLastShippedOpMs(group string, ms float64)
}

// PeerEnabledFunc reports whether this group's destination peer currently
// accepts batches. A ReaderLoop that sees false suspends assembly without
// consuming quota or advancing position.
type PeerEnabledFunc func() bool

// Config holds the tunables a ReaderLoop needs, one instance per group
// (batch caps may differ by group; the retry and recovery knobs are
// normally process-wide but are not required to be).
type Config struct {
	// SizeCapacity and CountCapacity bound a single assembled batch; zero
	// falls back to internal/batch's defaults.
	SizeCapacity  int64
	CountCapacity int

	// RetryBaseSleep is the backoff on a transient failure. Consecutive
	// failures to open the stream back off exponentially from it; a
	// transient error while reading an open stream always sleeps exactly
	// RetryBaseSleep before the stream is reopened.
	RetryBaseSleep time.Duration
	// RetryMaxMultiplier caps the exponential growth of the stream-open
	// backoff: that sleep never exceeds RetryBaseSleep * RetryMaxMultiplier.
	RetryMaxMultiplier int

	// EOFAutorecovery enables force-removal of a zero-length head that
	// has a successor queued behind it, on a live or a recovered queue;
	// otherwise such a head is always treated as a transient stall.
	EOFAutorecovery bool

	// FSTimeout bounds filesystem stat calls (NFS-mount stalls).
	FSTimeout time.Duration

	// Recovered marks this group's queue as a finite, already-known set
	// of files (a recovery replay) rather than a live, indefinitely
	// growing tail. Only a recovered queue can terminate on its own.
	Recovered bool
}

// Loop runs one WAL group's read/filter/assemble/ship pipeline.
type Loop struct {
	group       string
	queue       *logqueue.Queue
	factory     entryreader.Factory
	filterChain filter.Filter
	quota       *quota.Controller
	metrics     MetricsSink
	registry    *groupregistry.Registry
	peerEnabled PeerEnabledFunc
	cfg         Config

	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// New creates a Loop for group, reading from queue via factory, starting
// at the position recorded in registry (the caller must have already
// called registry.Register for this group). peerEnabled may be nil, in
// which case the peer is always treated as enabled.
func New(
	group string,
	queue *logqueue.Queue,
	factory entryreader.Factory,
	filterChain filter.Filter,
	q *quota.Controller,
	metrics MetricsSink,
	registry *groupregistry.Registry,
	peerEnabled PeerEnabledFunc,
	cfg Config,
) *Loop {
	if peerEnabled == nil {
		peerEnabled = func() bool { return true }
	}
	if filterChain == nil {
		filterChain = filter.FilterFunc(func(e types.Entry) (types.Entry, bool) { return e, true })
	}
	return &Loop{
		group:       group,
		queue:       queue,
		factory:     factory,
		filterChain: filterChain,
		quota:       q,
		metrics:     metrics,
		registry:    registry,
		peerEnabled: peerEnabled,
		cfg:         cfg,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the loop's goroutine. Safe to call once.
func (l *Loop) Start() {
	l.wg.Add(1)
	go l.run()
}

// Stop signals the loop to exit and waits for it.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.mu.Unlock()

	close(l.stopCh)
	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()
	defer func() {
		_ = l.registry.SetRunning(l.group, false)
	}()

	state, err := l.registry.Get(l.group)
	if err != nil {
		log.Error("reader loop: unknown group", "group", l.group, "error", err)
		return
	}

	attempt := 0
	lastPosition := state.LastReadPosition

	for {
		if l.isStopped() {
			return
		}

		stream, err := entrystream.Open(l.queue, l.factory, lastPosition, l.cfg.FSTimeout)
		if err != nil {
			if !l.backoffOrStop(&attempt, err) {
				return
			}
			continue
		}

		outcome := l.drive(stream, &lastPosition)
		_ = stream.Close()

		switch outcome {
		case outcomeDone, outcomeFatal, outcomeStopped:
			return
		case outcomeRestart:
			attempt = 0
			continue
		}
	}
}

type loopOutcome int

const (
	outcomeRestart loopOutcome = iota
	outcomeDone
	outcomeFatal
	outcomeStopped
)

// drive runs the inner assemble/ship loop against one open Stream until it
// must be re-opened or the group ends (a roll already handled internally
// never triggers this; a stream error, a zero-length-head force-remove, a
// failed Reset, a stop, or group termination does).
func (l *Loop) drive(stream *entrystream.Stream, lastPosition *types.Position) loopOutcome {
	for {
		if l.isStopped() {
			return outcomeStopped
		}
		if !l.peerEnabled() {
			if !l.sleep(l.cfg.RetryBaseSleep) {
				return outcomeStopped
			}
			continue
		}
		if l.quota.AcquireCheck() {
			if !l.sleep(l.cfg.RetryBaseSleep) {
				return outcomeStopped
			}
			continue
		}

		b, needsForceRemove, streamErr := l.assembleBatch(stream)

		if streamErr != nil {
			if !l.handleStreamError(stream, streamErr) {
				return outcomeFatal
			}
			// Every recoverable error reopens a fresh Stream: the current
			// one may have a cached pendingErr that would otherwise keep
			// surfacing forever (entrystream.Stream only clears it on
			// Reset/reopen, never on a bare retry against the same Stream).
			if !l.sleep(l.backoffDuration()) {
				return outcomeStopped
			}
			return outcomeRestart
		}

		if needsForceRemove {
			// A zero-length head with a sealed successor already queued:
			// the writer never wrote anything before the unclean close
			// that produced this file. Nothing to ship from it; drop it
			// and resume at its successor.
			newHead, ok := l.forceRemoveHead()
			if !ok {
				log.Error("reader loop: queue emptied during force-remove", "group", l.group)
				return outcomeFatal
			}
			*lastPosition = types.Position{Path: types.LogPath(newHead), Offset: 0}
			if err := l.registry.UpdatePosition(l.group, *lastPosition); err != nil {
				log.Error("reader loop: position update failed", "group", l.group, "error", err)
			}
			return outcomeRestart
		}

		if b == nil {
			// Nothing shippable yet (empty, no roll, still live): the
			// writer simply hasn't produced more. Poll instead of
			// busy-spinning against the filesystem.
			if !l.sleep(l.idlePollInterval()) {
				return outcomeStopped
			}
			continue
		}

		if stream.RolledSinceReset() {
			l.metrics.IncCompletedWal(l.group)
		}
		if err := stream.Reset(); err != nil {
			log.Error("reader loop: stream reset failed", "group", l.group, "error", err)
			return outcomeRestart
		}

		*lastPosition = b.EndPosition
		if err := l.ship(*b); err != nil {
			return outcomeStopped
		}

		if !b.MoreEntries {
			l.metrics.IncCompletedRecoveryQueue(l.group)
			log.Info("reader loop: recovered queue drained", "group", l.group)
			return outcomeDone
		}
	}
}

// assembleBatch runs one assembly pass: it pulls entries from stream until
// the batch is full, the stream is drained, or an error occurs.
//
// It returns needsForceRemove=true when the stream drained cleanly, with
// no entry added in this pass, at a head whose successor is already
// queued: since entrystream only leaves a
// head unadvanced-past on a clean drain when that head's length is zero
// (any non-zero-length head with a queued successor is rolled internally),
// this is exactly the zero-length-stale-head condition the eof-autorecovery
// policy targets. The returned batch is always empty in that case, since a
// zero-length file can never have yielded an entry. A pass that added
// entries before reaching such a head ships them first, with MoreEntries
// true.
//
// Otherwise it returns a non-nil *types.Batch only when the batch is
// shippable (non-empty, or a roll occurred, or the group is terminating);
// nil means "keep trying."
func (l *Loop) assembleBatch(stream *entrystream.Stream) (b *types.Batch, needsForceRemove bool, err error) {
	asm := batch.New(l.cfg.SizeCapacity, l.cfg.CountCapacity)
	drainedCleanly := false

	for {
		startPath, startPos := stream.CurrentPath(), stream.Position()
		has, hasErr := stream.HasNext()
		if hasErr != nil {
			return nil, false, hasErr
		}
		if !has {
			drainedCleanly = true
			break
		}

		e, nextErr := stream.Next()
		if nextErr != nil {
			return nil, false, nextErr
		}
		readBytes := stream.Position()
		if stream.CurrentPath() == startPath {
			readBytes -= startPos
		}
		l.metrics.AddLogEditsRead(l.group, 1)
		l.metrics.AddLogReadBytes(l.group, readBytes)

		if e.IsEmpty() {
			continue
		}

		filtered, keep := l.filterChain.Apply(e)
		if !keep {
			l.metrics.AddLogEditsFiltered(l.group, 1)
			continue
		}

		size := filtered.HeapSize()
		overQuota := l.quota.Add(filtered.QuotaBytes())
		asm.AddEntry(filtered, size)

		if asm.FullBySize() || asm.FullByCount() || overQuota {
			break
		}
	}

	if drainedCleanly && asm.Empty() && l.queue.Size() > 1 {
		if l.cfg.EOFAutorecovery {
			return nil, true, nil
		}
		// Autorecovery disabled: leave the stale head in place and treat
		// this as an ordinary idle tick; it will be retried.
		return nil, false, nil
	}

	moreEntries := true
	if l.cfg.Recovered && drainedCleanly && l.queue.Size() <= 1 {
		moreEntries = false
	}

	shippable := !asm.Empty() || stream.RolledSinceReset() || !moreEntries
	if !shippable {
		return nil, false, nil
	}

	closed := asm.Close(types.Position{Path: stream.CurrentPath(), Offset: stream.Position()}, moreEntries)
	return &closed, false, nil
}

// handleStreamError applies the error-kind policy table: it returns
// recovered=false only for a fatal corruption, in which case the group
// must stop. Every other kind is transient and recoverable, which the
// caller always pairs with reopening a fresh Stream (see the comment at
// the call site in drive): retrying against the same Stream would just
// replay its cached pendingErr forever.
func (l *Loop) handleStreamError(stream *entrystream.Stream, err error) (recovered bool) {
	if errors.Is(err, entryreader.ErrCorrupt) {
		log.Error("reader loop: corrupt record, group requires operator action", "group", l.group, "path", stream.CurrentPath(), "error", err)
		return false
	}

	if errors.Is(err, entryreader.ErrTruncated) {
		log.Warn("reader loop: truncated record, backing off", "group", l.group, "path", stream.CurrentPath())
		return true
	}

	if errors.Is(err, entrystream.ErrFileNotFound) {
		log.Warn("reader loop: file not found, backing off", "group", l.group, "error", err)
		return true
	}

	if errors.Is(err, fsutil.ErrTimeout) {
		l.metrics.IncUnknownFileLength(l.group)
		log.Warn("reader loop: length lookup timed out, backing off", "group", l.group, "error", err)
		return true
	}

	log.Warn("reader loop: transient stream error, backing off", "group", l.group, "error", err)
	return true
}

// forceRemoveHead implements the zero-length-head EOF-autorecovery action:
// drop the stale head file from the queue and record the metrics the
// policy table requires, returning the new head path. Nothing is skipped
// in the byte-skip counter because a zero-length file has nothing to skip.
func (l *Loop) forceRemoveHead() (newHead string, ok bool) {
	l.queue.RemoveHead()
	l.metrics.IncUncleanlyClosedWals(l.group)
	l.metrics.AddBytesSkippedUnclosed(l.group, 0)
	l.metrics.IncRestartedWalReading(l.group)
	log.Info("reader loop: removed zero-length head via eof-autorecovery", "group", l.group)
	return l.queue.Peek()
}

// ship pushes b onto the group's ready-queue and records its resume
// position, or returns an error if the loop was stopped (or the
// ready-queue was closed) before it could.
func (l *Loop) ship(b types.Batch) error {
	state, err := l.registry.Get(l.group)
	if err != nil {
		return err
	}

	select {
	case state.ReadyQueue <- b:
	case <-l.stopCh:
		l.releaseBatchQuota(b)
		return errStopped
	}

	if err := l.registry.UpdatePosition(l.group, b.EndPosition); err != nil {
		log.Error("reader loop: position update failed", "group", l.group, "error", err)
	}
	if !b.Empty() {
		lastEntry := b.Entries[len(b.Entries)-1].Entry
		l.metrics.SetAgeOfLastShippedOpMs(l.group, float64(time.Since(lastEntry.WriteTime).Milliseconds()))
	}
	return nil
}

func (l *Loop) releaseBatchQuota(b types.Batch) {
	var n int64
	for _, be := range b.Entries {
		n += be.Entry.QuotaBytes()
	}
	l.quota.Release(n)
}

var errStopped = errors.New("readerloop: stopped")

func (l *Loop) isStopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// sleep waits for d or until Stop is called, reporting which happened.
func (l *Loop) sleep(d time.Duration) bool {
	if d <= 0 {
		return !l.isStopped()
	}
	select {
	case <-time.After(d):
		return true
	case <-l.stopCh:
		return false
	}
}

// backoffOrStop sleeps for the current capped-exponential backoff,
// advances attempt, and reports whether the loop should continue.
func (l *Loop) backoffOrStop(attempt *int, cause error) bool {
	if cause != nil {
		log.Warn("reader loop: open failed, backing off", "group", l.group, "error", cause)
	}
	d := l.backoffForAttempt(*attempt)
	*attempt++
	return l.sleep(d)
}

func (l *Loop) backoffDuration() time.Duration {
	return l.cfg.RetryBaseSleep
}

// idlePollInterval is how long the loop waits before re-checking a stream
// that reported nothing shippable. It is not part of the failure backoff
// ladder: idling is the expected steady state of a live, caught-up reader.
func (l *Loop) idlePollInterval() time.Duration {
	if l.cfg.RetryBaseSleep > 0 {
		return l.cfg.RetryBaseSleep
	}
	return 50 * time.Millisecond
}

// backoffForAttempt computes the capped-exponential retry sleep: base
// doubled once per consecutive failure, capped at base*RetryMaxMultiplier.
func (l *Loop) backoffForAttempt(attempt int) time.Duration {
	base := l.cfg.RetryBaseSleep
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	maxMultiplier := l.cfg.RetryMaxMultiplier
	if maxMultiplier <= 0 {
		maxMultiplier = 1
	}

	multiplier := 1
	for i := 0; i < attempt && multiplier < maxMultiplier; i++ {
		multiplier *= 2
	}
	if multiplier > maxMultiplier {
		multiplier = maxMultiplier
	}
	return base * time.Duration(multiplier)
}
