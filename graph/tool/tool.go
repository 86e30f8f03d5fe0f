// Package tool defines the boundary between workflow nodes and external
// executable tools.
package tool

import "context"

// Tool is an executable capability a workflow node can invoke: a shell
// command runner, a search endpoint, a calculator.
//
// Implementations should validate input, respect context cancellation, and
// return structured output. Input and output are free-form maps so tools
// compose with workflow state without marshaling layers.
type Tool interface {
	// Name returns the unique identifier for this tool, lowercase with
	// underscores ("shell", "search_web").
	Name() string

	// Call executes the tool. Input may be nil for parameterless tools.
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}
