// Package dedup tracks processed event IDs per project so a replayed or
// relay-duplicated event is never handed to an agent twice.
package dedup

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tenex-chat/tenexd/internal/store"
)

// FileName is the on-disk name within a project directory.
const FileName = "processed-events.json"

// Store is a bounded FIFO set of seen event IDs, persisted as a JSON array in
// insertion order. All operations are safe for concurrent use, and the
// (seen, mark) pair is atomic via MarkIfNew.
type Store struct {
	mu       sync.Mutex
	path     string
	capacity int
	order    []string
	index    map[string]struct{}
	dirty    bool
}

// Open loads the store from {dir}/processed-events.json. A corrupt file is
// quarantined and the store starts fresh.
func Open(dir string, capacity int) (*Store, error) {
	if capacity < 10_000 {
		capacity = 10_000
	}
	s := &Store{
		path:     filepath.Join(dir, FileName),
		capacity: capacity,
		index:    make(map[string]struct{}),
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		q, qerr := store.Quarantine(s.path)
		if qerr != nil {
			return nil, fmt.Errorf("unreadable dedup state and quarantine failed: %w", qerr)
		}
		slog.Error("dedup: state file corrupt, starting fresh", "path", s.path, "quarantined", q, "error", err)
		return s, nil
	}

	for _, id := range ids {
		if _, ok := s.index[id]; ok {
			continue
		}
		s.order = append(s.order, id)
		s.index[id] = struct{}{}
	}
	s.evictLocked()
	return s, nil
}

// Seen reports whether the event ID was already processed.
func (s *Store) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Mark records the event ID as processed. Idempotent.
func (s *Store) Mark(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markLocked(id)
}

// MarkIfNew atomically checks and marks: it returns true exactly once per ID.
func (s *Store) MarkIfNew(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[id]; ok {
		return false
	}
	s.markLocked(id)
	return true
}

// Len returns the current number of tracked IDs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// Flush persists the set when it changed since the last flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	ids := make([]string, len(s.order))
	copy(ids, s.order)
	s.dirty = false
	s.mu.Unlock()

	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("marshal dedup state: %w", err)
	}
	if err := store.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("flush dedup state: %w", err)
	}
	return nil
}

func (s *Store) markLocked(id string) {
	if _, ok := s.index[id]; ok {
		return
	}
	s.order = append(s.order, id)
	s.index[id] = struct{}{}
	s.dirty = true
	s.evictLocked()
}

// evictLocked drops the oldest entries once capacity is exceeded.
func (s *Store) evictLocked() {
	for len(s.order) > s.capacity {
		old := s.order[0]
		s.order = s.order[1:]
		delete(s.index, old)
		s.dirty = true
	}
}
