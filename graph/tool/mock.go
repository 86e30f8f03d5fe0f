package tool

import "context"

// MockTool is a scripted Tool for tests. It records every input it receives
// and replies with a fixed output or error.
type MockTool struct {
	ToolName string
	Output   map[string]any
	Err      error

	// Calls accumulates the inputs passed to Call, in order.
	Calls []map[string]any
}

// Name implements Tool.
func (m *MockTool) Name() string {
	if m.ToolName == "" {
		return "mock"
	}
	return m.ToolName
}

// Call implements Tool.
func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	m.Calls = append(m.Calls, input)
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Output, nil
}
