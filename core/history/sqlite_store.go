package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"gpu-index/core/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS history_entries (
	sequence     INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	variant      TEXT NOT NULL,
	cycle_id     TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	state        TEXT NOT NULL,
	source       TEXT NOT NULL,
	value        TEXT NOT NULL,
	timestamp    INTEGER NOT NULL,
	content_hash TEXT NOT NULL,
	payload      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_variant ON history_entries (variant, sequence);

CREATE TRIGGER IF NOT EXISTS history_no_update BEFORE UPDATE ON history_entries
BEGIN
	SELECT RAISE(ABORT, 'history is append-only');
END;

CREATE TRIGGER IF NOT EXISTS history_no_delete BEFORE DELETE ON history_entries
BEGIN
	SELECT RAISE(ABORT, 'history is append-only');
END;
`

// SQLiteStore keeps history in a SQLite database. Update and delete are
// blocked by triggers.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?mode=rwc&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create history schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append implements Store
func (s *SQLiteStore) Append(ctx context.Context, entry *types.HistoryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM history_entries WHERE id = ?`, entry.ID).Scan(&exists); err != nil {
		return err
	}
	last, err := s.last(ctx, tx, entry.Variant)
	if err != nil {
		return err
	}
	if err := checkAppend(entry, exists > 0, last); err != nil {
		return err
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO history_entries (id, variant, cycle_id, attempt, state, source, value, timestamp, content_hash, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, string(entry.Variant), entry.CycleID, entry.Attempt, string(entry.State),
		string(entry.Source), entry.Value.String(), entry.Timestamp.UnixNano(), entry.ContentHash, string(payload))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrImmutabilityViolation
		}
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	entry.Sequence = seq
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStore) last(ctx context.Context, q querier, v types.Variant) (*types.HistoryEntry, error) {
	entries, err := s.query(ctx, q, v, 1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

func (s *SQLiteStore) query(ctx context.Context, q querier, v types.Variant, limit int) ([]*types.HistoryEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT sequence, payload FROM history_entries
		WHERE variant = ? ORDER BY sequence DESC LIMIT ?`, string(v), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.HistoryEntry
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var e types.HistoryEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, err
		}
		e.Sequence = seq
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Last implements Store
func (s *SQLiteStore) Last(ctx context.Context, v types.Variant) (*types.HistoryEntry, error) {
	e, err := s.last(ctx, s.db, v)
	if err != nil {
		return nil, err
	}
	if e != nil && !e.VerifyHash() {
		return nil, ErrHashMismatch
	}
	return e, nil
}

// List implements Store
func (s *SQLiteStore) List(ctx context.Context, v types.Variant, limit int) ([]*types.HistoryEntry, error) {
	return s.query(ctx, s.db, v, limit)
}

// Verify implements Store
func (s *SQLiteStore) Verify(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content_hash, payload FROM history_entries ORDER BY sequence`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var corrupted []string
	for rows.Next() {
		var id, hash, payload string
		if err := rows.Scan(&id, &hash, &payload); err != nil {
			return nil, err
		}
		var e types.HistoryEntry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			corrupted = append(corrupted, fmt.Sprintf("%s: unreadable payload", id))
			continue
		}
		if e.ContentHash != hash || !e.VerifyHash() {
			corrupted = append(corrupted, fmt.Sprintf("%s: hash mismatch", id))
		}
	}
	return corrupted, rows.Err()
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

