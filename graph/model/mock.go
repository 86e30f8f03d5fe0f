package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests. Responses are returned in
// order; once exhausted, the last response repeats. Safe for concurrent use
// so it can back fan-out branches.
type MockChatModel struct {
	Responses []ChatOut
	Err       error

	// Requests accumulates the message slices passed to Chat, in order.
	Requests [][]Message

	mu   sync.Mutex
	next int
}

// Chat implements ChatModel.
func (m *MockChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, messages)
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{Text: "mock response"}, nil
	}
	out := m.Responses[m.next]
	if m.next < len(m.Responses)-1 {
		m.next++
	}
	return out, nil
}

// ChatStream implements StreamingChatModel by yielding the response text as a
// single fragment.
func (m *MockChatModel) ChatStream(ctx context.Context, messages []Message, tools []ToolSpec, sink func(string)) (ChatOut, error) {
	out, err := m.Chat(ctx, messages, tools)
	if err == nil && out.Text != "" && sink != nil {
		sink(out.Text)
	}
	return out, err
}
