// Package openai adapts the official OpenAI SDK to the model.ChatModel
// interface.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/calder-ai/stategraph/graph/model"
)

// ChatModel calls the OpenAI Chat Completions API.
type ChatModel struct {
	client *openai.Client
	model  string
}

// New creates a ChatModel for the given API key and model id (for example
// "gpt-4o").
func New(apiKey, modelID string) *ChatModel {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &ChatModel{client: &client, model: modelID}
}

// Chat implements model.ChatModel.
func (c *ChatModel) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	completion, err := c.client.Chat.Completions.New(ctx, c.params(messages, tools))
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, fmt.Errorf("openai: response contained no choices")
	}

	choice := completion.Choices[0].Message
	out := model.ChatOut{
		Text:   choice.Content,
		Tokens: int(completion.Usage.TotalTokens),
	}
	for _, call := range choice.ToolCalls {
		input := map[string]any{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				return model.ChatOut{}, fmt.Errorf("openai: decode tool arguments for %s: %w", call.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{Name: call.Function.Name, Input: input})
	}
	return out, nil
}

// ChatStream implements model.StreamingChatModel. Content deltas are
// forwarded to sink as chunks arrive.
func (c *ChatModel) ChatStream(ctx context.Context, messages []model.Message, tools []model.ToolSpec, sink func(string)) (model.ChatOut, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, c.params(messages, tools))

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 {
			if text := chunk.Choices[0].Delta.Content; text != "" && sink != nil {
				sink(text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return model.ChatOut{}, fmt.Errorf("openai: stream: %w", err)
	}
	if len(acc.Choices) == 0 {
		return model.ChatOut{}, fmt.Errorf("openai: stream contained no choices")
	}
	return model.ChatOut{
		Text:   acc.Choices[0].Message.Content,
		Tokens: int(acc.Usage.TotalTokens),
	}, nil
}

func (c *ChatModel) params(messages []model.Message, tools []model.ToolSpec) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		}
	}
	for _, spec := range tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        spec.Name,
				Description: openai.String(spec.Description),
				Parameters:  shared.FunctionParameters(spec.Schema),
			},
		})
	}
	return params
}
