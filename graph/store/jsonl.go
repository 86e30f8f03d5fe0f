package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FileStore is a JSONL-backed Store: one JSON object per line, human-readable
// and append-only.
//
// File format (history.jsonl):
//
//	{"id":"...","ts":1712345678.123,"node":"router","state":{...}}
//	{"id":"...","ts":1712345679.456,"node":"FINAL","state":{...}}
//
// Appends use O_APPEND single-record writes, so an I/O failure can lose at
// most the record being written and never corrupts prior lines. Rollback is
// the one destructive operation: it rewrites the file to a prefix of the
// existing lines.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileStore creates a JSONL checkpoint log at dir/history.jsonl, creating
// the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &FileStore{
		path: filepath.Join(dir, "history.jsonl"),
		now:  time.Now,
	}, nil
}

// Path returns the backing file path.
func (f *FileStore) Path() string { return f.path }

// Append implements Store.
func (f *FileStore) Append(_ context.Context, state map[string]any, node string) (string, error) {
	rec := Record{
		ID:    uuid.New().String(),
		TS:    float64(f.now().UnixNano()) / 1e9,
		Node:  node,
		State: state,
	}
	if rec.State == nil {
		rec.State = map[string]any{}
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	fh, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer func() { _ = fh.Close() }()
	if _, err := fh.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return rec.ID, nil
}

// LoadAll implements Store.
func (f *FileStore) LoadAll(_ context.Context) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

// Latest implements Store.
func (f *FileStore) Latest(ctx context.Context) (map[string]any, bool, error) {
	records, err := f.LoadAll(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return records[len(records)-1].State, true, nil
}

// Rollback implements Store.
func (f *FileStore) Rollback(_ context.Context, id string) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	records, err := f.loadLocked()
	if err != nil {
		return nil, false, err
	}
	cut := -1
	for i, rec := range records {
		if rec.ID == id {
			cut = i
			break
		}
	}
	if cut < 0 {
		return nil, false, nil
	}

	// Rewrite the file as the surviving prefix. Write to a temp file and
	// rename so a crash mid-rewrite cannot leave a truncated half-line.
	tmp := f.path + ".tmp"
	var sb strings.Builder
	for _, rec := range records[:cut+1] {
		line, err := json.Marshal(rec)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal checkpoint: %w", err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o644); err != nil {
		return nil, false, fmt.Errorf("failed to write rollback file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return nil, false, fmt.Errorf("failed to replace checkpoint log: %w", err)
	}
	return records[cut].State, true, nil
}

// TimeTravel implements Store.
func (f *FileStore) TimeTravel(ctx context.Context, index int) (map[string]any, bool, error) {
	records, err := f.LoadAll(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(records) == 0 {
		return nil, false, nil
	}
	return records[clampIndex(index, len(records))].State, true, nil
}

// Close implements Store. The file is opened per operation, so nothing is
// held open between calls.
func (f *FileStore) Close() error { return nil }

func (f *FileStore) loadLocked() ([]Record, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Record{}, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer func() { _ = fh.Close() }()

	var records []Record
	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint line: %w", err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read checkpoint log: %w", err)
	}
	if records == nil {
		records = []Record{}
	}
	return records, nil
}
