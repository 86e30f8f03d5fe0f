package emit

// Event is one observability event from a workflow run: node start/skip/
// completion, checkpoint appends, halts, and run-level transitions.
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string

	// Step is the sequential step number in the run (1-indexed).
	// Zero for run-level events.
	Step int

	// Node identifies the node this event concerns. Empty for run-level
	// events.
	Node string

	// Msg is a short machine-friendly event name, e.g. "node_completed",
	// "node_skipped", "checkpoint_appended", "run_halted".
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "duration_ms": node execution duration
	//   - "checkpoint_id": id returned by the store
	//   - "halt": halt reason code
	//   - "error": error details
	Meta map[string]any
}

// Standard event names emitted by the engine.
const (
	EventNodeCompleted      = "node_completed"
	EventNodeSkipped        = "node_skipped"
	EventCheckpointAppended = "checkpoint_appended"
	EventRunStarted         = "run_started"
	EventRunCompleted       = "run_completed"
	EventRunHalted          = "run_halted"
	EventRunFailed          = "run_failed"
)
