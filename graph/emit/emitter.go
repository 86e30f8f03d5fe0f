// Package emit provides pluggable observability for workflow execution.
package emit

// Emitter receives observability events from workflow execution.
//
// Implementations should be non-blocking, thread-safe, and resilient: a slow
// or failing backend must never crash or stall a run. Emit should not panic.
//
// Backends provided here: structured logs (LogEmitter, ZapEmitter),
// distributed traces (OTelEmitter), and the discarding NullEmitter.
type Emitter interface {
	// Emit sends one event to the configured backend.
	Emit(event Event)
}
