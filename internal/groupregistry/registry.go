// Package groupregistry tracks the per-WAL-group state the spec calls
// GroupState: the last durably-reported read position, the bounded
// ready-queue handle the shipper drains, and whether the owning
// ReaderLoop is still running. Adapted from the teacher's job-manager
// map+mutex+Snapshot/Restore idiom, retargeted from job bookkeeping to
// group bookkeeping.
package groupregistry

import (
	"errors"
	"sync"

	"github.com/riverbank-data/wal-tailer/pkg/types"
)

// ErrGroupNotFound is returned by operations on an unregistered group ID.
var ErrGroupNotFound = errors.New("groupregistry: group not found")

// ErrDuplicateGroup is returned by Register when the group ID is already
// registered.
var ErrDuplicateGroup = errors.New("groupregistry: group already registered")

// State is one WAL group's bookkeeping.
type State struct {
	LastReadPosition types.Position
	ReadyQueue       chan types.Batch
	ReaderRunning    bool
}

// Registry is the map of all WAL groups known to this process, safe for
// concurrent access from the CLI run command (which periodically saves
// its positions) and each group's ReaderLoop.
type Registry struct {
	mu     sync.RWMutex
	groups map[string]*State
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{groups: make(map[string]*State)}
}

// Register adds a new group starting at start, with a ready-queue of the
// given capacity.
func (r *Registry) Register(groupID string, start types.Position, queueCapacity int) (*State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.groups[groupID]; exists {
		return nil, ErrDuplicateGroup
	}
	s := &State{
		LastReadPosition: start,
		ReadyQueue:       make(chan types.Batch, queueCapacity),
		ReaderRunning:    true,
	}
	r.groups[groupID] = s
	return s, nil
}

// Get returns the state for groupID.
func (r *Registry) Get(groupID string) (*State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.groups[groupID]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return s, nil
}

// UpdatePosition records the last durably-reported read position for
// groupID. Called by the ReaderLoop after a batch is enqueued.
func (r *Registry) UpdatePosition(groupID string, pos types.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	s.LastReadPosition = pos
	return nil
}

// SetRunning marks groupID's ReaderLoop as stopped or running.
func (r *Registry) SetRunning(groupID string, running bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.groups[groupID]
	if !ok {
		return ErrGroupNotFound
	}
	s.ReaderRunning = running
	return nil
}

// GroupIDs returns every registered group ID, for diagnostics.
func (r *Registry) GroupIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.groups))
	for id := range r.groups {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot is the durable/diagnostic view of a registry, serializable for
// the cli status command.
type Snapshot struct {
	Groups map[string]types.Position `json:"groups"`
}

// Snapshot captures every group's last read position. The ready-queue and
// running flag are in-process-only state and are not snapshotted: a
// restarted process rebuilds them from Register calls, not from this
// snapshot.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{Groups: make(map[string]types.Position, len(r.groups))}
	for id, s := range r.groups {
		out.Groups[id] = s.LastReadPosition
	}
	return out
}
