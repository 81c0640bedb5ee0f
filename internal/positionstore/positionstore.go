// Package positionstore simulates the coordination layer's durable-cursor
// responsibility: persisting each WAL group's last-shipped position so a
// restarted reader resumes at the right byte offset. The core itself never
// reads or writes this file — the demo CLI's run and status commands do,
// after a batch's position is reported to them.
//
// Grounded on the teacher's write-to-temp-then-rename snapshot pattern,
// retargeted from whole-system job snapshots to a small per-group position
// map.
package positionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/riverbank-data/wal-tailer/pkg/types"
)

// ErrNotFound is returned by Load when the store file does not yet exist —
// the normal case on first startup.
var ErrNotFound = errors.New("positionstore: file not found")

// Store persists a map of group ID to last-known Position.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a Store backed by path.
func New(path string) *Store {
	return &Store{path: path}
}

// fileFormat is the on-disk JSON shape.
type fileFormat struct {
	Positions map[string]types.Position `json:"positions"`
}

// Load reads the persisted position map, or ErrNotFound if the file has
// never been written.
func (s *Store) Load() (map[string]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("positionstore: read %s: %w", s.path, err)
	}

	var ff fileFormat
	if err := json.Unmarshal(raw, &ff); err != nil {
		return nil, fmt.Errorf("positionstore: unmarshal %s: %w", s.path, err)
	}
	return ff.Positions, nil
}

// Save atomically overwrites the store with positions: write to a temp
// file in the same directory, then rename over the real path, so a crash
// mid-write never leaves a half-written file in place.
func (s *Store) Save(positions map[string]types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(fileFormat{Positions: positions}, "", "  ")
	if err != nil {
		return fmt.Errorf("positionstore: marshal: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o644); err != nil {
		return fmt.Errorf("positionstore: write temp %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("positionstore: rename %s to %s: %w", tmpPath, s.path, err)
	}
	return nil
}
