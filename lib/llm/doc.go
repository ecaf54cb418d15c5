// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package llm implements the chat client for OpenAI-compatible
// Chat Completions APIs, with streaming and tool-use support.
//
// The central type is [Client], which supports blocking completion via
// [Client.Chat] and streaming via [Client.StreamChat]. Streaming
// responses arrive as Server-Sent Events parsed by [SSEScanner] and
// are surfaced through [ChunkStream], a lazy, ordered, finite sequence
// of [StreamChunk] values. Tool calls stream as fragments multiplexed
// by index; the stream accumulates them and materializes completed
// [ToolCall] values on the terminal chunk.
//
// The wire format is the OpenAI chat completions protocol
// (POST {baseURL}/chat/completions), which is also spoken by
// OpenRouter, vLLM, Ollama, llama.cpp, DeepSeek, and most local
// inference servers. Provider quirks the client papers over:
//
//   - Some providers report finish_reason "stop" even when the
//     response contains tool calls. The stream overrides the reason
//     to "tool_calls" when accumulated fragments carry a function
//     name.
//   - Some providers close the connection without a terminal chunk.
//     The stream synthesizes one so consumers never stall.
//   - Usage totals may arrive in a dedicated frame with no choices
//     (stream_options.include_usage); they are folded into the
//     terminal chunk.
//
// Outgoing request bodies serialize with a stable byte layout (fixed
// struct field order, schemas passed through as raw bytes) so that
// identical logical requests produce byte-identical prefixes. This is
// a deliberate performance contract: providers cache prompt prefixes
// by bytes, and the conversation prefix is identical across the many
// rounds of a tool-calling turn.
package llm
