// Package history stores the append-only record of published and
// carried-forward index values.
package history

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gpu-index/core/types"
)

var (
	// ErrImmutabilityViolation is returned when an entry id already exists
	ErrImmutabilityViolation = errors.New("immutability violation: history entry cannot be modified")

	// ErrHashMismatch is returned when an entry's content hash does not verify
	ErrHashMismatch = errors.New("history entry hash mismatch: data may be corrupted")

	// ErrNonMonotonic is returned when an entry is older than the variant's latest
	ErrNonMonotonic = errors.New("history entry timestamp precedes latest entry")
)

// Store is append-only history. Last returns nil, nil when a variant has no
// entries. List returns newest first.
type Store interface {
	Append(ctx context.Context, entry *types.HistoryEntry) error
	Last(ctx context.Context, variant types.Variant) (*types.HistoryEntry, error)
	List(ctx context.Context, variant types.Variant, limit int) ([]*types.HistoryEntry, error)
	Verify(ctx context.Context) ([]string, error)
	Close() error
}

// Backend names
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Open creates a store for the named backend
func Open(backend, path string) (Store, error) {
	switch backend {
	case BackendFile, "":
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	case BackendMemory:
		return NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown history backend %q", backend)
}

// checkAppend enforces the rules shared by every backend
func checkAppend(entry *types.HistoryEntry, exists bool, last *types.HistoryEntry) error {
	if exists {
		return ErrImmutabilityViolation
	}
	if !entry.VerifyHash() {
		return ErrHashMismatch
	}
	if last != nil && entry.Timestamp.Before(last.Timestamp) {
		return fmt.Errorf("%w: %s before %s", ErrNonMonotonic,
			entry.Timestamp.Format("2006-01-02T15:04:05Z07:00"), last.Timestamp.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}

// MemoryStore keeps history in process
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*types.HistoryEntry
	ids     map[string]bool
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{ids: make(map[string]bool)}
}

// Append implements Store
func (s *MemoryStore) Append(_ context.Context, entry *types.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := checkAppend(entry, s.ids[entry.ID], s.lastLocked(entry.Variant)); err != nil {
		return err
	}
	e := *entry
	e.Sequence = int64(len(s.entries) + 1)
	entry.Sequence = e.Sequence
	s.entries = append(s.entries, &e)
	s.ids[e.ID] = true
	return nil
}

func (s *MemoryStore) lastLocked(v types.Variant) *types.HistoryEntry {
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Variant == v {
			return s.entries[i]
		}
	}
	return nil
}

// Last implements Store
func (s *MemoryStore) Last(_ context.Context, v types.Variant) (*types.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e := s.lastLocked(v); e != nil {
		c := *e
		return &c, nil
	}
	return nil, nil
}

// List implements Store
func (s *MemoryStore) List(_ context.Context, v types.Variant, limit int) ([]*types.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.HistoryEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].Variant != v {
			continue
		}
		c := *s.entries[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Verify implements Store
func (s *MemoryStore) Verify(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var corrupted []string
	for _, e := range s.entries {
		if !e.VerifyHash() {
			corrupted = append(corrupted, fmt.Sprintf("%s: hash mismatch", e.ID))
		}
	}
	return corrupted, nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}
