package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
)

// MySQLStore is a MySQL-backed Store for workflows that need a shared,
// operator-managed database.
//
// DSN format follows go-sql-driver/mysql, e.g.
//
//	user:pass@tcp(localhost:3306)/workflows?parseTime=true
//
// The store auto-migrates its single table on construction. The single-writer
// assumption still holds: one engine per store instance.
type MySQLStore struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	seq   BIGINT AUTO_INCREMENT PRIMARY KEY,
	id    VARCHAR(64) NOT NULL UNIQUE,
	ts    DOUBLE NOT NULL,
	node  VARCHAR(255) NOT NULL,
	state JSON NOT NULL
) ENGINE=InnoDB
`

// NewMySQLStore connects to MySQL and ensures the checkpoint table exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach mysql: %w", err)
	}
	if _, err := db.Exec(mysqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &MySQLStore{db: db, now: time.Now}, nil
}

// Append implements Store.
func (s *MySQLStore) Append(ctx context.Context, state map[string]any, node string) (string, error) {
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
func (s *MySQLStore) LoadAll(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, ts, node, state FROM checkpoints ORDER BY seq ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

// Latest implements Store.
func (s *MySQLStore) Latest(ctx context.Context) (map[string]any, bool, error) {
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
func (s *MySQLStore) Rollback(ctx context.Context, id string) (map[string]any, bool, error) {
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
func (s *MySQLStore) TimeTravel(ctx context.Context, index int) (map[string]any, bool, error) {
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
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
