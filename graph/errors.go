package graph

import "fmt"

// SchemaError reports a node writing a field the schema does not declare, or
// writing a value whose shape is incompatible with the field's merge policy.
// It is a programming error and fatal to the run.
type SchemaError struct {
	// Field is the offending state field name.
	Field string

	// Reason describes why the write was rejected.
	Reason string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation on field %q: %s", e.Field, e.Reason)
}

// RoutingError reports a conditional edge whose router produced a target that
// is not present in the registered target table. There is no silent default
// route; this is fatal to the run.
type RoutingError struct {
	// From is the node whose conditional edges were being resolved.
	From string

	// Target is the unmapped name the router returned.
	Target string
}

// Error implements the error interface.
func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing from %q produced unmapped target %q", e.From, e.Target)
}

// NodeExecutionError reports a node body failure. The run aborts, no
// checkpoint is appended for the failed step, and state up to the last
// successful checkpoint remains durable.
type NodeExecutionError struct {
	// Node identifies the failed node.
	Node string

	// Cause is the error the node returned (or the panic it raised).
	Cause error
}

// Error implements the error interface.
func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %q failed: %v", e.Node, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *NodeExecutionError) Unwrap() error {
	return e.Cause
}

// PersistenceError reports a checkpoint store I/O failure. Fatal to the
// current run; append-only writes mean prior records are never corrupted.
type PersistenceError struct {
	// Node is the node whose completion was being checkpointed.
	Node string

	// Cause is the store error.
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to checkpoint after node %q: %v", e.Node, e.Cause)
}

// Unwrap returns the underlying store error.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// EngineError reports an engine configuration or wiring problem (missing
// schema, duplicate node, unknown entry point). These surface at registration
// or at the start of Run, before any node executes.
type EngineError struct {
	Message string
	Code    string
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
