// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"time"

	"github.com/emberchat/ember/lib/codec"
	"github.com/emberchat/ember/lib/llm"
)

// snapshotVersion is bumped when the snapshot layout changes
// incompatibly. Unknown fields from newer minor revisions decode
// harmlessly; a different version number does not.
const snapshotVersion = 1

// snapshotState is the CBOR layout of a session snapshot. It captures
// conversation state only — context window and thresholds come from
// configuration at construction time, not from the snapshot.
type snapshotState struct {
	Version                int                `cbor:"version"`
	System                 *snapshotMessage   `cbor:"system,omitempty"`
	Messages               []snapshotMessage  `cbor:"messages"`
	ActualPromptTokens     int64              `cbor:"actual_prompt_tokens"`
	ActualCompletionTokens int64              `cbor:"actual_completion_tokens"`
	HasActualUsage         bool               `cbor:"has_actual_usage"`
	CharactersPerToken     float64            `cbor:"characters_per_token"`
	Observations           int                `cbor:"observations"`
}

type snapshotMessage struct {
	Role             string             `cbor:"role"`
	Content          string             `cbor:"content"`
	DisplayContent   string             `cbor:"display_content,omitempty"`
	ReasoningContent string             `cbor:"reasoning_content,omitempty"`
	ToolCalls        []snapshotToolCall `cbor:"tool_calls,omitempty"`
	ToolCallID       string             `cbor:"tool_call_id,omitempty"`
	Tokens           int                `cbor:"tokens"`
	IsActual         bool               `cbor:"is_actual,omitempty"`
	AddedAt          time.Time          `cbor:"added_at"`
}

type snapshotToolCall struct {
	ID        string `cbor:"id"`
	Name      string `cbor:"name"`
	Arguments string `cbor:"arguments"`
}

// Snapshot serializes the session's conversation state to an opaque
// blob for the session store. Not a public wire format.
func (session *Session) Snapshot() ([]byte, error) {
	state := snapshotState{
		Version:                snapshotVersion,
		Messages:               make([]snapshotMessage, 0, len(session.entries)),
		ActualPromptTokens:     session.actualPromptTokens,
		ActualCompletionTokens: session.actualCompletionTokens,
		HasActualUsage:         session.hasActualUsage,
	}
	state.CharactersPerToken, state.Observations = session.estimator.Calibration()

	if session.system != nil {
		system := toSnapshotMessage(*session.system)
		state.System = &system
	}
	for i := range session.entries {
		state.Messages = append(state.Messages, toSnapshotMessage(session.entries[i]))
	}

	data, err := codec.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("session: encoding snapshot: %w", err)
	}
	return data, nil
}

// RestoreSnapshot replaces the session's conversation state with the
// contents of a snapshot produced by [Session.Snapshot].
func (session *Session) RestoreSnapshot(data []byte) error {
	var state snapshotState
	if err := codec.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("session: decoding snapshot: %w", err)
	}
	if state.Version != snapshotVersion {
		return fmt.Errorf("session: unsupported snapshot version %d", state.Version)
	}

	session.entries = make([]entry, 0, len(state.Messages))
	for _, message := range state.Messages {
		session.entries = append(session.entries, fromSnapshotMessage(message))
	}
	session.system = nil
	if state.System != nil {
		system := fromSnapshotMessage(*state.System)
		session.system = &system
	}
	session.actualPromptTokens = state.ActualPromptTokens
	session.actualCompletionTokens = state.ActualCompletionTokens
	session.hasActualUsage = state.HasActualUsage
	session.estimator.RestoreCalibration(state.CharactersPerToken, state.Observations)
	return nil
}

func toSnapshotMessage(source entry) snapshotMessage {
	message := snapshotMessage{
		Role:             string(source.message.Role),
		Content:          source.message.Content,
		DisplayContent:   source.message.DisplayContent,
		ReasoningContent: source.message.ReasoningContent,
		ToolCallID:       source.message.ToolCallID,
		Tokens:           source.tokens,
		IsActual:         source.isActual,
		AddedAt:          source.addedAt,
	}
	for _, call := range source.message.ToolCalls {
		message.ToolCalls = append(message.ToolCalls, snapshotToolCall(call))
	}
	return message
}

func fromSnapshotMessage(source snapshotMessage) entry {
	restored := entry{
		message: llm.Message{
			Role:             llm.Role(source.Role),
			Content:          source.Content,
			DisplayContent:   source.DisplayContent,
			ReasoningContent: source.ReasoningContent,
			ToolCallID:       source.ToolCallID,
		},
		tokens:   source.Tokens,
		isActual: source.IsActual,
		addedAt:  source.AddedAt,
	}
	for _, call := range source.ToolCalls {
		restored.message.ToolCalls = append(restored.message.ToolCalls, llm.ToolCall(call))
	}
	return restored
}
