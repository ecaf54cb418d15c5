// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// nextFunc is the iteration function for a ChunkStream. Returns io.EOF
// when the stream is complete.
type nextFunc func() (StreamChunk, error)

// ChunkStream is a lazy, ordered, finite, non-restartable sequence of
// [StreamChunk] values from one streaming chat request. The caller
// must call [ChunkStream.Close] when done, even if iteration ended
// early.
//
// Every stream ends with exactly one terminal chunk (non-empty
// FinishReason) before Next returns io.EOF — synthesized if the
// server never sent one.
//
// ChunkStream is not safe for concurrent use.
type ChunkStream struct {
	next   nextFunc
	closer io.Closer
	done   bool
}

// NewChunkStream creates a ChunkStream from an iteration function and
// an io.Closer for the underlying resource (typically the HTTP
// response body). The next function must return (chunk, nil) for each
// chunk and (zero, io.EOF) when the stream is complete.
//
// Exported so tests and fakes can construct synthetic streams; real
// streams come from [Client.StreamChat].
func NewChunkStream(next nextFunc, closer io.Closer) *ChunkStream {
	return &ChunkStream{next: next, closer: closer}
}

// Next returns the next chunk. Returns io.EOF when the stream is
// complete.
func (stream *ChunkStream) Next() (StreamChunk, error) {
	if stream.done {
		return StreamChunk{}, io.EOF
	}
	chunk, err := stream.next()
	if err != nil {
		stream.done = true
	}
	return chunk, err
}

// Close releases the underlying resources. Must be called when done
// with the stream, even if iteration ended early due to an error or
// cancellation.
func (stream *ChunkStream) Close() error {
	stream.done = true
	if stream.closer != nil {
		return stream.closer.Close()
	}
	return nil
}

// StallError is the cause recorded when a streaming connection is
// aborted by one of the two timeout clocks: "connect" (no first frame
// within the connection timeout) or "activity" (an open connection
// that stopped producing frames).
type StallError struct {
	Phase   string
	Timeout time.Duration
}

func (err *StallError) Error() string {
	return fmt.Sprintf("llm: stream stalled (%s): no data within %s", err.Phase, err.Timeout)
}

// streamWatchdog aborts a stalled stream by cancelling the stream
// context with a [StallError] cause. It starts in the connect phase
// (start → first frame) and switches to the activity phase on the
// first [streamWatchdog.touch], after which every touch resets the
// activity clock.
type streamWatchdog struct {
	mutex    sync.Mutex
	timer    *time.Timer
	activity time.Duration
	phase    string
}

func newStreamWatchdog(cancel context.CancelCauseFunc, connectTimeout, activityTimeout time.Duration) *streamWatchdog {
	watchdog := &streamWatchdog{
		activity: activityTimeout,
		phase:    "connect",
	}
	watchdog.timer = time.AfterFunc(connectTimeout, func() {
		watchdog.mutex.Lock()
		cause := &StallError{Phase: watchdog.phase, Timeout: watchdog.currentTimeout(connectTimeout)}
		watchdog.mutex.Unlock()
		cancel(cause)
	})
	return watchdog
}

func (watchdog *streamWatchdog) currentTimeout(connectTimeout time.Duration) time.Duration {
	if watchdog.phase == "connect" {
		return connectTimeout
	}
	return watchdog.activity
}

// touch records stream activity: the clock restarts with the activity
// timeout.
func (watchdog *streamWatchdog) touch() {
	watchdog.mutex.Lock()
	watchdog.phase = "activity"
	watchdog.mutex.Unlock()
	watchdog.timer.Reset(watchdog.activity)
}

// stop disarms the watchdog. Safe to call more than once.
func (watchdog *streamWatchdog) stop() {
	watchdog.timer.Stop()
}

// partialToolCall tracks a tool call being assembled from streaming
// fragments. The chat completions protocol multiplexes tool calls by
// index: the first fragment carries the ID and function name,
// subsequent fragments append to the arguments string.
type partialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
}

// streamState accumulates protocol-level state across frames of one
// streaming response.
type streamState struct {
	partials []partialToolCall

	// finishReason is the server-reported reason, recorded when a
	// frame carries a non-null finish_reason. Empty until then.
	finishReason FinishReason

	// usage holds totals from a usage-carrying frame (which may be a
	// dedicated frame with no choices, arriving after finish_reason).
	usage *Usage

	terminalEmitted bool
}

// terminalChunk materializes the single terminal chunk for the
// stream. Accumulated fragments with a non-empty function name become
// completed tool calls; when any exist, a server-reported "stop" is
// overridden to "tool_calls" (providers are inconsistent here). When
// the server never reported a reason at all, "stop" is synthesized so
// downstream consumers never stall waiting for completion.
func (state *streamState) terminalChunk() StreamChunk {
	var calls []ToolCall
	for i := range state.partials {
		partial := &state.partials[i]
		if partial.name == "" {
			continue
		}
		calls = append(calls, ToolCall{
			ID:        partial.id,
			Name:      partial.name,
			Arguments: partial.arguments.String(),
		})
	}

	reason := state.finishReason
	if reason == "" {
		reason = FinishStop
	}
	if len(calls) > 0 && reason == FinishStop {
		reason = FinishToolCalls
	}

	return StreamChunk{
		ToolCalls:    calls,
		FinishReason: reason,
		Usage:        state.usage,
	}
}

// maxToolCalls bounds the per-response tool-call fan-out. Fragments
// with an index outside [0, maxToolCalls) are dropped.
const maxToolCalls = 64

// accumulateToolCalls folds tool-call fragments from one delta into
// the per-index partial state.
func (state *streamState) accumulateToolCalls(fragments []streamToolCall) {
	for _, fragment := range fragments {
		index := fragment.Index
		if index < 0 || index >= maxToolCalls {
			continue
		}
		for len(state.partials) <= index {
			state.partials = append(state.partials, partialToolCall{})
		}
		partial := &state.partials[index]
		if fragment.ID != "" {
			partial.id = fragment.ID
		}
		if fragment.Function != nil {
			if fragment.Function.Name != "" {
				partial.name = fragment.Function.Name
			}
			if fragment.Function.Arguments != "" {
				partial.arguments.WriteString(fragment.Function.Arguments)
			}
		}
	}
}

// newOpenAIStream builds a ChunkStream that parses chat completions
// SSE frames from body. The watchdog is touched on every frame and
// disarmed when the stream finishes; streamCtx carries the
// cancellation causes (caller cancel, watchdog stall, Close).
func newOpenAIStream(streamCtx context.Context, body io.ReadCloser, watchdog *streamWatchdog, cancel context.CancelCauseFunc, logger *slog.Logger) *ChunkStream {
	scanner := NewSSEScanner(body)
	state := &streamState{}

	next := func() (StreamChunk, error) {
		for {
			if !scanner.Next() {
				watchdog.stop()
				if err := scanner.Err(); err != nil {
					// A read error after our own cancellation reports
					// the cause, so user cancellation, stalls, and
					// transport failures stay distinguishable.
					if cause := context.Cause(streamCtx); cause != nil {
						return StreamChunk{}, cause
					}
					return StreamChunk{}, fmt.Errorf("llm: reading stream: %w", err)
				}
				// Connection closed cleanly. Synthesize the terminal
				// chunk if the server never sent one.
				if !state.terminalEmitted {
					state.terminalEmitted = true
					return state.terminalChunk(), nil
				}
				return StreamChunk{}, io.EOF
			}

			watchdog.touch()
			data := scanner.Data()

			// The protocol terminates with a literal "data: [DONE]".
			if data == "[DONE]" {
				watchdog.stop()
				if !state.terminalEmitted {
					state.terminalEmitted = true
					return state.terminalChunk(), nil
				}
				return StreamChunk{}, io.EOF
			}

			var frame streamFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				// A single malformed frame is skipped; the stream
				// continues.
				logger.Warn("skipping malformed stream frame", "error", err, "bytes", len(data))
				continue
			}

			// Error frames arrive as regular data lines with an
			// "error" field and none of the normal chunk fields.
			if len(frame.Choices) == 0 && frame.Usage == nil && frame.Model == "" {
				var errorFrame struct {
					Error struct {
						Type    string `json:"type"`
						Message string `json:"message"`
					} `json:"error"`
				}
				if json.Unmarshal([]byte(data), &errorFrame) == nil && errorFrame.Error.Message != "" {
					watchdog.stop()
					return StreamChunk{}, fmt.Errorf("llm: stream error: %s: %s",
						errorFrame.Error.Type, errorFrame.Error.Message)
				}
			}

			// A frame may carry only usage, with no choices, when
			// stream_options.include_usage is set.
			if frame.Usage != nil {
				state.usage = &Usage{
					PromptTokens:     frame.Usage.PromptTokens,
					CompletionTokens: frame.Usage.CompletionTokens,
				}
			}
			if len(frame.Choices) == 0 {
				continue
			}

			choice := frame.Choices[0]
			state.accumulateToolCalls(choice.Delta.ToolCalls)

			if choice.FinishReason != nil && *choice.FinishReason != "" {
				// Record the reason but keep reading: the usage frame
				// and [DONE] follow. The terminal chunk is emitted
				// once, when the stream actually ends.
				state.finishReason = FinishReason(*choice.FinishReason)
			}

			if choice.Delta.Content != "" || choice.Delta.ReasoningContent != "" {
				return StreamChunk{
					ContentDelta:   choice.Delta.Content,
					ReasoningDelta: choice.Delta.ReasoningContent,
				}, nil
			}
		}
	}

	return NewChunkStream(next, &streamCloser{
		body:     body,
		watchdog: watchdog,
		cancel:   cancel,
	})
}

// streamCloser tears down a live stream: disarm the watchdog, cancel
// the stream context, close the HTTP body.
type streamCloser struct {
	body     io.Closer
	watchdog *streamWatchdog
	cancel   context.CancelCauseFunc
}

func (closer *streamCloser) Close() error {
	closer.watchdog.stop()
	closer.cancel(context.Canceled)
	return closer.body.Close()
}
