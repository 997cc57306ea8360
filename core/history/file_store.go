package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gpu-index/core/determinism"
	"gpu-index/core/types"
)

// FileStore writes each entry once to its own read-only file and keeps an
// index that is replaced atomically on every append.
type FileStore struct {
	mu       sync.RWMutex
	basePath string

	index []*entryMeta
	ids   map[string]*entryMeta

	// latest per variant
	latest map[types.Variant]*entryMeta
}

// entryMeta is stored in index.json alongside each entry file
type entryMeta struct {
	ID        string        `json:"id"`
	Sequence  int64         `json:"sequence"`
	Variant   types.Variant `json:"variant"`
	CycleID   string        `json:"cycle_id"`
	Timestamp time.Time     `json:"timestamp"`
	FileHash  string        `json:"file_hash"`
	FileName  string        `json:"file_name"`
}

type indexFile struct {
	Entries   []*entryMeta `json:"entries"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// NewFileStore opens or creates a history directory
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	s := &FileStore{
		basePath: basePath,
		ids:      make(map[string]*entryMeta),
		latest:   make(map[types.Variant]*entryMeta),
	}
	if err := s.loadIndex(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load history index: %w", err)
	}
	return s, nil
}

// Append implements Store. It fails if the entry id already exists.
func (s *FileStore) Append(ctx context.Context, entry *types.HistoryEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.ids[entry.ID]
	var last *types.HistoryEntry
	if meta, ok := s.latest[entry.Variant]; ok {
		last = &types.HistoryEntry{Timestamp: meta.Timestamp}
	}
	if err := checkAppend(entry, exists, last); err != nil {
		return err
	}

	e := *entry
	e.Sequence = int64(len(s.index) + 1)
	data, err := json.MarshalIndent(&e, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize history entry: %w", err)
	}
	fileHash := determinism.ComputeHash(data).Hex()

	name := fmt.Sprintf("%06d_%s_%s.json", e.Sequence, e.Variant, e.ID)
	path := filepath.Join(s.basePath, name)
	if _, err := os.Stat(path); err == nil {
		return ErrImmutabilityViolation
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0444)
	if err != nil {
		if os.IsExist(err) {
			return ErrImmutabilityViolation
		}
		return fmt.Errorf("failed to create history entry: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write history entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	meta := &entryMeta{
		ID:        e.ID,
		Sequence:  e.Sequence,
		Variant:   e.Variant,
		CycleID:   e.CycleID,
		Timestamp: e.Timestamp,
		FileHash:  fileHash,
		FileName:  name,
	}
	index := append(append(make([]*entryMeta, 0, len(s.index)+1), s.index...), meta)
	if err := s.saveIndex(index); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to save history index: %w", err)
	}
	s.index = index
	s.ids[e.ID] = meta
	s.latest[e.Variant] = meta
	entry.Sequence = e.Sequence
	return nil
}

// Last implements Store
func (s *FileStore) Last(ctx context.Context, v types.Variant) (*types.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	meta, ok := s.latest[v]
	if !ok {
		return nil, nil
	}
	return s.read(meta)
}

// List implements Store
func (s *FileStore) List(ctx context.Context, v types.Variant, limit int) ([]*types.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.HistoryEntry
	for i := len(s.index) - 1; i >= 0; i-- {
		meta := s.index[i]
		if meta.Variant != v {
			continue
		}
		e, err := s.read(meta)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Verify implements Store: every indexed file must exist, match its file
// hash and carry a valid entry hash.
func (s *FileStore) Verify(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var corrupted []string
	for _, meta := range s.index {
		data, err := os.ReadFile(filepath.Join(s.basePath, meta.FileName))
		if err != nil {
			corrupted = append(corrupted, fmt.Sprintf("%s: file missing", meta.ID))
			continue
		}
		if determinism.ComputeHash(data).Hex() != meta.FileHash {
			corrupted = append(corrupted, fmt.Sprintf("%s: file hash mismatch", meta.ID))
			continue
		}
		var e types.HistoryEntry
		if err := json.Unmarshal(data, &e); err != nil || !e.VerifyHash() {
			corrupted = append(corrupted, fmt.Sprintf("%s: entry hash mismatch", meta.ID))
		}
	}
	return corrupted, nil
}

// Close implements Store
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read(meta *entryMeta) (*types.HistoryEntry, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, meta.FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read history entry %s: %w", meta.ID, err)
	}
	if determinism.ComputeHash(data).Hex() != meta.FileHash {
		return nil, ErrHashMismatch
	}
	var e types.HistoryEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if !e.VerifyHash() {
		return nil, ErrHashMismatch
	}
	return &e, nil
}

func (s *FileStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, "index.json"))
	if err != nil {
		return err
	}

	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return err
	}
	s.index = idx.Entries
	for _, meta := range s.index {
		s.ids[meta.ID] = meta
		s.latest[meta.Variant] = meta
	}
	return nil
}

func (s *FileStore) saveIndex(entries []*entryMeta) error {
	indexPath := filepath.Join(s.basePath, "index.json")

	var updated time.Time
	if n := len(entries); n > 0 {
		updated = entries[n-1].Timestamp
	}
	data, err := json.MarshalIndent(indexFile{Entries: entries, UpdatedAt: updated}, "", "  ")
	if err != nil {
		return err
	}

	// Write atomically using temp file
	tempPath := indexPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}
	return os.Rename(tempPath, indexPath)
}
