// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import "encoding/json"

// Role identifies the author of a conversation message. The four
// roles are mutually exclusive.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one turn unit in a conversation.
//
// Invariants maintained by the session layer: every tool message's
// ToolCallID references a ToolCalls[].ID emitted by a preceding
// assistant message, and every assistant tool call is eventually
// matched by exactly one tool message (or explicitly pruned by
// session repair).
type Message struct {
	Role    Role
	Content string

	// DisplayContent preserves the user's original text when Content
	// was augmented with file payloads. Never sent on the wire.
	DisplayContent string

	// ReasoningContent is the model's "thinking" text, kept separate
	// from Content. Emitted by reasoning models (DeepSeek-R1 and
	// compatible) as a distinct delta field.
	ReasoningContent string

	// ToolCalls is the ordered list of calls issued by an assistant
	// message.
	ToolCalls []ToolCall

	// ToolCallID back-references the assistant tool call this tool
	// message answers.
	ToolCallID string
}

// ToolCall is a single model-issued function call. Arguments is the
// raw JSON argument string exactly as produced by the model — it may
// fail to parse, and the dispatcher reports that back to the model
// rather than dropping the call.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes one callable function in the request tool
// schema. Parameters is a JSON Schema object kept as raw bytes so the
// serialized form is byte-stable across requests.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Usage carries provider-reported token totals. Counts are cumulative
// for the whole request, not per-message.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
}

// FinishReason is the provider's reason for ending a response.
type FinishReason string

const (
	// FinishStop is a normal end of turn.
	FinishStop FinishReason = "stop"

	// FinishToolCalls means the response carries tool calls the
	// caller must execute before the conversation can continue.
	FinishToolCalls FinishReason = "tool_calls"

	// FinishLength means the response was cut off by the output
	// token limit.
	FinishLength FinishReason = "length"
)

// Request is one chat completion request. Messages and Tools are sent
// in order; the client never reorders them (byte-stable prefixes).
type Request struct {
	Model    string
	Messages []Message
	Tools    []ToolDefinition

	// RequiredTool, when non-empty, forces the model to call this
	// tool. Passed structurally as tool_choice when the provider
	// supports it, otherwise via an assistant prefill message.
	RequiredTool string

	MaxTokens   int
	Temperature *float64
}

// Response is a complete (non-streaming or fully accumulated)
// assistant response.
type Response struct {
	Message      Message
	FinishReason FinishReason
	Usage        *Usage
}

// StreamChunk is one increment of a streaming response. Content and
// reasoning deltas arrive on intermediate chunks. Exactly one terminal
// chunk ends every stream: it has a non-empty FinishReason, carries
// the materialized ToolCalls, and carries Usage when the provider
// reported it.
type StreamChunk struct {
	ContentDelta   string
	ReasoningDelta string
	ToolCalls      []ToolCall
	FinishReason   FinishReason
	Usage          *Usage
}

// Terminal reports whether this chunk ends the stream.
func (chunk StreamChunk) Terminal() bool {
	return chunk.FinishReason != ""
}
