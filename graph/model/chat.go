// Package model abstracts LLM chat providers behind a single interface so
// workflow nodes stay provider-agnostic.
package model

import "context"

// Standard conversation roles, aligned with the major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn in an LLM conversation.
type Message struct {
	Role    string
	Content string
}

// ToolSpec describes a tool an LLM may call. Schema follows JSON Schema.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolCall is the LLM's request to invoke a tool.
type ToolCall struct {
	Name  string
	Input map[string]any
}

// ChatOut is a provider response: generated text, any requested tool calls,
// and the token count the provider billed.
type ChatOut struct {
	Text      string
	ToolCalls []ToolCall
	Tokens    int
}

// ChatModel is the provider boundary. Implementations handle auth, format
// conversion, and provider errors; callers see only messages in, ChatOut out.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatOut, error)
}

// StreamingChatModel extends ChatModel with incremental output. Providers
// that support server-side streaming forward text fragments to sink as they
// arrive; the returned ChatOut still carries the full concatenated text.
type StreamingChatModel interface {
	ChatModel
	ChatStream(ctx context.Context, messages []Message, tools []ToolSpec, sink func(string)) (ChatOut, error)
}
