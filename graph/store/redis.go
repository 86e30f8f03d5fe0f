package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps the checkpoint log in a Redis list, one JSON-encoded
// record per element (RPUSH append order = temporal order).
//
// Suited to workflows that want checkpoints to survive the process without a
// local filesystem. Rollback truncates the list with LTRIM; everything else
// is RPUSH/LRANGE, preserving the append-only discipline.
type RedisStore struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

// NewRedisStore creates a checkpoint log in the Redis list named key.
func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "stategraph:checkpoints"
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

// Append implements Store.
func (r *RedisStore) Append(ctx context.Context, state map[string]any, node string) (string, error) {
	if state == nil {
		state = map[string]any{}
	}
	rec := Record{
		ID:    uuid.New().String(),
		TS:    float64(r.now().UnixNano()) / 1e9,
		Node:  node,
		State: state,
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := r.client.RPush(ctx, r.key, blob).Err(); err != nil {
		return "", fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return rec.ID, nil
}

// LoadAll implements Store.
func (r *RedisStore) LoadAll(ctx context.Context) ([]Record, error) {
	lines, err := r.client.LRange(ctx, r.key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}
	records := make([]Record, 0, len(lines))
	for _, line := range lines {
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint entry: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Latest implements Store.
func (r *RedisStore) Latest(ctx context.Context) (map[string]any, bool, error) {
	lines, err := r.client.LRange(ctx, r.key, -1, -1).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read latest checkpoint: %w", err)
	}
	if len(lines) == 0 {
		return nil, false, nil
	}
	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt checkpoint entry: %w", err)
	}
	return rec.State, true, nil
}

// Rollback implements Store.
func (r *RedisStore) Rollback(ctx context.Context, id string) (map[string]any, bool, error) {
	records, err := r.LoadAll(ctx)
	if err != nil {
		return nil, false, err
	}
	for i, rec := range records {
		if rec.ID == id {
			if err := r.client.LTrim(ctx, r.key, 0, int64(i)).Err(); err != nil {
				return nil, false, fmt.Errorf("failed to truncate checkpoints: %w", err)
			}
			return rec.State, true, nil
		}
	}
	return nil, false, nil
}

// TimeTravel implements Store.
func (r *RedisStore) TimeTravel(ctx context.Context, index int) (map[string]any, bool, error) {
	n, err := r.client.LLen(ctx, r.key).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to measure checkpoint log: %w", err)
	}
	if n == 0 {
		return nil, false, nil
	}
	i := int64(clampIndex(index, int(n)))
	lines, err := r.client.LRange(ctx, r.key, i, i).Result()
	if err != nil || len(lines) == 0 {
		return nil, false, fmt.Errorf("failed to read checkpoint %d: %w", i, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		return nil, false, fmt.Errorf("corrupt checkpoint entry: %w", err)
	}
	return rec.State, true, nil
}

// Close implements Store.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
