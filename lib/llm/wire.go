// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import "encoding/json"

// Wire types for the OpenAI chat completions JSON format. They are
// separate from the public types because the wire format uses
// different field names and nesting.
//
// Field declaration order is load-bearing: encoding/json emits fields
// in this order, and the byte-stable prefix contract in
// [marshalRequest] depends on it. Do not reorder.

type chatRequest struct {
	Model         string             `json:"model"`
	Messages      []chatMessage      `json:"messages"`
	Tools         []chatTool         `json:"tools,omitempty"`
	ToolChoice    *chatToolChoice    `json:"tool_choice,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StreamOptions *chatStreamOptions `json:"stream_options,omitempty"`
}

type chatStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string             `json:"type"`
	Function chatToolDefinition `json:"function"`
}

type chatToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatToolChoice struct {
	Type     string                 `json:"type"`
	Function chatToolChoiceFunction `json:"function"`
}

type chatToolChoiceFunction struct {
	Name string `json:"name"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage"`
}

type chatChoice struct {
	Index        int                 `json:"index"`
	Message      chatResponseMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type chatResponseMessage struct {
	Role             string         `json:"role"`
	Content          string         `json:"content"`
	ReasoningContent string         `json:"reasoning_content"`
	ToolCalls        []chatToolCall `json:"tool_calls"`
}

type chatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Streaming frame types. The streaming format replaces "message" with
// "delta" in choices, multiplexes tool calls by "index", and leaves
// finish_reason null until the server's terminal chunk.

type streamFrame struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Usage   *chatUsage     `json:"usage,omitempty"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamDelta struct {
	Role             string           `json:"role,omitempty"`
	Content          string           `json:"content,omitempty"`
	ReasoningContent string           `json:"reasoning_content,omitempty"`
	ToolCalls        []streamToolCall `json:"tool_calls,omitempty"`
}

type streamToolCall struct {
	Index    int                 `json:"index"`
	ID       string              `json:"id,omitempty"`
	Type     string              `json:"type,omitempty"`
	Function *streamToolFunction `json:"function,omitempty"`
}

type streamToolFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// toWireMessage converts a public Message to the wire shape. The
// mapping is one-to-one: roles map directly and tool results are
// individual role:"tool" messages already. DisplayContent and
// ReasoningContent never serialize — the first is UI-only, the second
// must not be echoed back to the provider.
func toWireMessage(message Message) chatMessage {
	wire := chatMessage{
		Role:       string(message.Role),
		Content:    message.Content,
		ToolCallID: message.ToolCallID,
	}
	for _, call := range message.ToolCalls {
		wire.ToolCalls = append(wire.ToolCalls, chatToolCall{
			ID:   call.ID,
			Type: "function",
			Function: chatToolFunction{
				Name:      call.Name,
				Arguments: call.Arguments,
			},
		})
	}
	return wire
}

// toResponse converts a wire response to the public shape, applying
// the same finish-reason override as the streaming path: a "stop" with
// tool calls present becomes "tool_calls".
func (wire *chatResponse) toResponse() *Response {
	response := &Response{}
	if wire.Usage != nil {
		response.Usage = &Usage{
			PromptTokens:     wire.Usage.PromptTokens,
			CompletionTokens: wire.Usage.CompletionTokens,
		}
	}
	if len(wire.Choices) == 0 {
		return response
	}

	choice := wire.Choices[0]
	response.Message = Message{
		Role:             RoleAssistant,
		Content:          choice.Message.Content,
		ReasoningContent: choice.Message.ReasoningContent,
	}
	for _, call := range choice.Message.ToolCalls {
		response.Message.ToolCalls = append(response.Message.ToolCalls, ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}

	response.FinishReason = FinishReason(choice.FinishReason)
	if response.FinishReason == FinishStop && len(response.Message.ToolCalls) > 0 {
		response.FinishReason = FinishToolCalls
	}
	return response
}
