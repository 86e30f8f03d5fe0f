// Package store provides append-only checkpoint logs for workflow state.
//
// A checkpoint is an immutable full-state snapshot appended after each node
// completion. The log supports rollback (destructive truncation to a chosen
// record) and time travel (non-destructive read of a historical record by
// index). Every operation except Rollback is read-only or append-only.
//
// Stores assume a single writer per instance; the engine serializes appends
// at its "node completed" point, even for fan-out branches.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by implementations for genuine lookup failures
// (e.g. a backing row that should exist but does not). Rollback and
// TimeTravel misses are reported via their ok result, not as errors.
var ErrNotFound = errors.New("not found")

// Record is one checkpoint: an opaque unique id, the append timestamp, the
// node that just completed, and the full merged state snapshot. Records are
// immutable once appended; append order is temporal order.
type Record struct {
	// ID is an opaque unique token identifying this checkpoint.
	ID string `json:"id"`

	// TS is the append time in epoch seconds (floating point).
	TS float64 `json:"ts"`

	// Node is the name of the node that just completed.
	Node string `json:"node"`

	// State is the full merged state snapshot after the node's delta.
	State map[string]any `json:"state"`
}

// Store is an append-only durable log of checkpoint records.
type Store interface {
	// Append writes one record with a fresh unique id and timestamp and
	// returns the id. It fails only on storage I/O errors, which are fatal
	// to the current run but never corrupt prior records.
	Append(ctx context.Context, state map[string]any, node string) (string, error)

	// LoadAll returns every record in append order. An empty log yields an
	// empty slice, not an error.
	LoadAll(ctx context.Context) ([]Record, error)

	// Latest returns the state of the newest record. ok is false when the
	// log is empty.
	Latest(ctx context.Context) (state map[string]any, ok bool, err error)

	// Rollback truncates the log to include the record with the given id and
	// everything before it, permanently discarding later records, and
	// returns that record's state. If id is not present the log is left
	// untouched and ok is false; an unknown id is a legitimate query
	// result, not an error. Rollback is the only operation that shrinks
	// the log.
	Rollback(ctx context.Context, id string) (state map[string]any, ok bool, err error)

	// TimeTravel returns the state of the index-th record (0 = oldest)
	// without modifying the log. Out-of-range indices are clamped to the
	// valid range; ok is false only when the log is empty.
	TimeTravel(ctx context.Context, index int) (state map[string]any, ok bool, err error)

	// Close releases any resources held by the store.
	Close() error
}

// clampIndex maps an arbitrary index onto [0, n). n must be > 0.
func clampIndex(index, n int) int {
	if index < 0 {
		return 0
	}
	if index >= n {
		return n - 1
	}
	return index
}
