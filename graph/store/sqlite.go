package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
//
// Single-file database with zero setup, suited to local workflows that need
// persistence and to prototyping before moving to MySQL or Redis. WAL mode is
// enabled so readers do not block the (single) writer.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	now    func() time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq   INTEGER PRIMARY KEY AUTOINCREMENT,
	id    TEXT NOT NULL UNIQUE,
	ts    REAL NOT NULL,
	node  TEXT NOT NULL,
	state TEXT NOT NULL
);
`

// NewSQLiteStore opens (creating if needed) a checkpoint log at path.
// Use ":memory:" for an ephemeral database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// Single writer per store instance.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, state map[string]any, node string) (string, error) {
	if state == nil {
		state = map[string]any{}
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	id := uuid.New().String()
	ts := float64(s.now().UnixNano()) / 1e9

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO checkpoints (id, ts, node, state) VALUES (?, ?, ?, ?)",
		id, ts, node, string(blob))
	if err != nil {
		return "", fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return id, nil
}

// LoadAll implements Store.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, node, state FROM checkpoints ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context) (map[string]any, bool, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT state FROM checkpoints ORDER BY seq DESC LIMIT 1")
	var blob string
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	state, err := unmarshalState(blob)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// Rollback implements Store.
func (s *SQLiteStore) Rollback(ctx context.Context, id string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, "SELECT seq, state FROM checkpoints WHERE id = ?", id)
	var seq int64
	var blob string
	if err := row.Scan(&seq, &blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to locate checkpoint: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE seq > ?", seq); err != nil {
		return nil, false, fmt.Errorf("failed to truncate checkpoints: %w", err)
	}
	state, err := unmarshalState(blob)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// TimeTravel implements Store.
func (s *SQLiteStore) TimeTravel(ctx context.Context, index int) (map[string]any, bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM checkpoints").Scan(&n); err != nil {
		return nil, false, fmt.Errorf("failed to count checkpoints: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT state FROM checkpoints ORDER BY seq ASC LIMIT 1 OFFSET ?",
		clampIndex(index, n))
	var blob string
	if err := row.Scan(&blob); err != nil {
		return nil, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	state, err := unmarshalState(blob)
	if err != nil {
		return nil, false, err
	}
	return state, true, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// scanRecords reads (id, ts, node, state) rows into Records.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	records := []Record{}
	for rows.Next() {
		var rec Record
		var blob string
		if err := rows.Scan(&rec.ID, &rec.TS, &rec.Node, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		state, err := unmarshalState(blob)
		if err != nil {
			return nil, err
		}
		rec.State = state
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return records, nil
}

func unmarshalState(blob string) (map[string]any, error) {
	state := map[string]any{}
	if err := json.Unmarshal([]byte(blob), &state); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint state: %w", err)
	}
	return state, nil
}
