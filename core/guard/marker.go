package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gpu-index/core/types"
)

// MarkerState is the payload of an armed rerun marker
type MarkerState struct {
	CycleID string    `json:"cycle_id"`
	ArmedAt time.Time `json:"armed_at"`

	// Rejected holds the first attempt's rejected values by variant. An
	// empty string records a rejection with no computed value.
	Rejected map[types.Variant]string `json:"rejected"`
}

// Marker is the single-use rerun trigger. Arm returns false when a marker is
// already armed; Consume returns nil when none is.
type Marker interface {
	Arm(ctx context.Context, state MarkerState) (bool, error)
	Consume(ctx context.Context) (*MarkerState, error)
}

// MemoryMarker keeps the marker in process
type MemoryMarker struct {
	mu    sync.Mutex
	state *MarkerState
}

// NewMemoryMarker creates an unarmed marker
func NewMemoryMarker() *MemoryMarker {
	return &MemoryMarker{}
}

// Arm implements Marker
func (m *MemoryMarker) Arm(_ context.Context, state MarkerState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != nil {
		return false, nil
	}
	s := state
	m.state = &s
	return true, nil
}

// Consume implements Marker
func (m *MemoryMarker) Consume(_ context.Context) (*MarkerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	m.state = nil
	return s, nil
}

// FileMarker persists the marker as a file so a separate scheduler process
// can observe it. Arming uses exclusive create.
type FileMarker struct {
	path string
	mu   sync.Mutex
}

// NewFileMarker creates a marker stored at path
func NewFileMarker(path string) *FileMarker {
	return &FileMarker{path: path}
}

// Arm implements Marker
func (m *FileMarker) Arm(_ context.Context, state MarkerState) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return false, fmt.Errorf("failed to create marker directory: %w", err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return false, err
	}

	f, err := os.OpenFile(m.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create marker: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(m.path)
		return false, fmt.Errorf("failed to write marker: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(m.path)
		return false, err
	}
	return true, nil
}

// Consume implements Marker
func (m *FileMarker) Consume(_ context.Context) (*MarkerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read marker: %w", err)
	}
	if err := os.Remove(m.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to clear marker: %w", err)
	}

	var state MarkerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("corrupt marker %s: %w", m.path, err)
	}
	return &state, nil
}
