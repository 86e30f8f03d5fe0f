package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store.
//
// Designed for tests and short-lived single-process workflows where
// durability is not required. Thread-safe; snapshots are deep-copied on
// append and on read so callers can never alias log contents.
type MemStore struct {
	mu      sync.RWMutex
	records []Record
	now     func() time.Time
}

// NewMemStore creates an empty in-memory checkpoint log.
func NewMemStore() *MemStore {
	return &MemStore{now: time.Now}
}

// Append implements Store.
func (m *MemStore) Append(_ context.Context, state map[string]any, node string) (string, error) {
	snap, err := copyState(state)
	if err != nil {
		return "", err
	}
	rec := Record{
		ID:    uuid.New().String(),
		TS:    float64(m.now().UnixNano()) / 1e9,
		Node:  node,
		State: snap,
	}
	m.mu.Lock()
	m.records = append(m.records, rec)
	m.mu.Unlock()
	return rec.ID, nil
}

// LoadAll implements Store.
func (m *MemStore) LoadAll(_ context.Context) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out, nil
}

// Latest implements Store.
func (m *MemStore) Latest(_ context.Context) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return nil, false, nil
	}
	snap, err := copyState(m.records[len(m.records)-1].State)
	return snap, err == nil, err
}

// Rollback implements Store.
func (m *MemStore) Rollback(_ context.Context, id string) (map[string]any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rec := range m.records {
		if rec.ID == id {
			m.records = m.records[:i+1]
			snap, err := copyState(rec.State)
			return snap, err == nil, err
		}
	}
	return nil, false, nil
}

// TimeTravel implements Store.
func (m *MemStore) TimeTravel(_ context.Context, index int) (map[string]any, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.records) == 0 {
		return nil, false, nil
	}
	rec := m.records[clampIndex(index, len(m.records))]
	snap, err := copyState(rec.State)
	return snap, err == nil, err
}

// Close implements Store. It is a no-op for the in-memory log.
func (m *MemStore) Close() error { return nil }

// copyState deep-copies a snapshot via a JSON round trip, the same strategy
// the engine uses for branch snapshots.
func copyState(state map[string]any) (map[string]any, error) {
	if state == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(state))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
