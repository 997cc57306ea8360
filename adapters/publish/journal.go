package publish

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
)

// DefaultJournalEntries is how many publications the journal keeps
const DefaultJournalEntries = 100

// JournalSink keeps the most recent publications in a local JSON file
type JournalSink struct {
	mu         sync.Mutex
	path       string
	maxEntries int
	logger     *zap.Logger
}

// NewJournalSink creates a journal at path
func NewJournalSink(path string, maxEntries int, logger *zap.Logger) (*JournalSink, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultJournalEntries
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Publish("failed to create journal directory", err)
	}
	return &JournalSink{path: path, maxEntries: maxEntries, logger: logging.OrDefault(logger)}, nil
}

// Name implements Sink
func (j *JournalSink) Name() string { return "journal" }

// Publish implements Sink
func (j *JournalSink) Publish(_ context.Context, pub *Publication) error {
	if err := pub.Validate(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entries, err := j.read()
	if err != nil {
		return err
	}
	entries = append(entries, pub)
	if len(entries) > j.maxEntries {
		entries = entries[len(entries)-j.maxEntries:]
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Publish("failed to encode journal", err)
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Publish("failed to write journal", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return errors.Publish("failed to replace journal", err)
	}

	j.logger.Debug("publication journaled", logging.CycleID(pub.CycleID), zap.Int("entries", len(entries)))
	return nil
}

// Entries returns the journaled publications, oldest first
func (j *JournalSink) Entries() ([]*Publication, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.read()
}

func (j *JournalSink) read() ([]*Publication, error) {
	data, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Publish("failed to read journal", err)
	}
	var entries []*Publication
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Publish("corrupt journal", err)
	}
	return entries, nil
}

// Close implements Sink
func (j *JournalSink) Close() error { return nil }
