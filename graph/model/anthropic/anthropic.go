// Package anthropic adapts the official Anthropic SDK to the model.ChatModel
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/calder-ai/stategraph/graph/model"
)

const defaultMaxTokens = 4096

// ChatModel calls the Anthropic Messages API.
type ChatModel struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
}

// New creates a ChatModel for the given API key and model id (for example
// "claude-sonnet-4-5").
func New(apiKey, modelID string) *ChatModel {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{client: &client, model: modelID, maxTokens: defaultMaxTokens}
}

// Chat implements model.ChatModel.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	params := c.params(messages, tools)
	message, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic: %w", err)
	}
	return parseMessage(message)
}

// ChatStream implements model.StreamingChatModel. Text deltas are forwarded
// to sink as the server produces them.
func (c *ChatModel) ChatStream(ctx context.Context, messages []model.Message, tools []model.ToolSpec, sink func(string)) (model.ChatOut, error) {
	params := c.params(messages, tools)
	stream := c.client.Messages.NewStreaming(ctx, params)

	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return model.ChatOut{}, fmt.Errorf("anthropic: accumulate stream: %w", err)
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text := delta.Delta.Text; text != "" && sink != nil {
				sink(text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic: stream: %w", err)
	}
	return parseMessage(&acc)
}

func (c *ChatModel) params(messages []model.Message, tools []model.ToolSpec) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
	}

	// Anthropic takes the system prompt separately from the turn list.
	var system []string
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			system = append(system, msg.Content)
		case model.RoleAssistant:
			params.Messages = append(params.Messages,
				anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages,
				anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	for _, spec := range tools {
		tp := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{Properties: spec.Schema["properties"]},
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &tp})
	}
	return params
}

func parseMessage(message *anthropic.Message) (model.ChatOut, error) {
	out := model.ChatOut{
		Tokens: int(message.Usage.InputTokens + message.Usage.OutputTokens),
	}
	var text strings.Builder
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			input := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &input); err != nil {
					return model.ChatOut{}, fmt.Errorf("anthropic: decode tool input for %s: %w", block.Name, err)
				}
			}
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: block.Name, Input: input})
		}
	}
	out.Text = text.String()
	return out, nil
}
