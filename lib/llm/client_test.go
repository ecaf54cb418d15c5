// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// testClient creates a Client connected to a test HTTP server.
func testClient(t *testing.T, handler http.Handler, configure func(*ClientConfig)) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	config := ClientConfig{
		BaseURL: server.URL,
		APIKey:  "test-key",
	}
	if configure != nil {
		configure(&config)
	}
	client := NewClient(config)
	// Backoff sleeps instantly in tests; cancellation still observed.
	client.sleep = func(ctx context.Context, _ time.Duration) error {
		if ctx.Err() != nil {
			return cancellationError(ctx)
		}
		return nil
	}
	return client
}

func chatJSON(content string, toolCalls []map[string]any, finishReason string) map[string]any {
	message := map[string]any{"role": "assistant", "content": content}
	if toolCalls != nil {
		message["tool_calls"] = toolCalls
	}
	return map[string]any{
		"id":    "chatcmpl-test",
		"model": "test-model",
		"choices": []map[string]any{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
		"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 15},
	}
}

func TestChatBasic(t *testing.T) {
	t.Parallel()

	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", request.URL.Path)
		}
		if auth := request.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}

		var wire struct {
			Model    string `json:"model"`
			Stream   bool   `json:"stream"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(request.Body).Decode(&wire); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if wire.Model != "test-model" {
			t.Errorf("model = %q", wire.Model)
		}
		if wire.Stream {
			t.Error("stream should be false for Chat")
		}
		if len(wire.Messages) != 2 || wire.Messages[0].Role != "system" {
			t.Errorf("messages = %+v", wire.Messages)
		}

		json.NewEncoder(writer).Encode(chatJSON("Hello!", nil, "stop"))
	}), nil)

	response, err := client.Chat(context.Background(), Request{
		Model: "test-model",
		Messages: []Message{
			{Role: RoleSystem, Content: "You are helpful."},
			{Role: RoleUser, Content: "Hi"},
		},
		MaxTokens: 1024,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if response.Message.Content != "Hello!" {
		t.Errorf("content = %q", response.Message.Content)
	}
	if response.FinishReason != FinishStop {
		t.Errorf("finish = %q", response.FinishReason)
	}
	if response.Usage == nil || response.Usage.PromptTokens != 100 {
		t.Errorf("usage = %+v", response.Usage)
	}
}

func TestChatToolCallsOverrideStop(t *testing.T) {
	t.Parallel()

	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		json.NewEncoder(writer).Encode(chatJSON("", []map[string]any{{
			"id":   "call_1",
			"type": "function",
			"function": map[string]any{
				"name":      "git_status",
				"arguments": `{"short":true}`,
			},
		}}, "stop"))
	}), nil)

	response, err := client.Chat(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if response.FinishReason != FinishToolCalls {
		t.Errorf("finish = %q, want tool_calls override", response.FinishReason)
	}
	if len(response.Message.ToolCalls) != 1 || response.Message.ToolCalls[0].Name != "git_status" {
		t.Errorf("tool calls = %+v", response.Message.ToolCalls)
	}
}

func TestChatRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if attempts.Add(1) < 3 {
			writer.WriteHeader(http.StatusBadGateway)
			fmt.Fprint(writer, `{"error":{"type":"server_error","message":"bad gateway"}}`)
			return
		}
		json.NewEncoder(writer).Encode(chatJSON("recovered", nil, "stop"))
	}), nil)

	response, err := client.Chat(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if response.Message.Content != "recovered" {
		t.Errorf("content = %q", response.Message.Content)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestChatExhaustsRetries(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		attempts.Add(1)
		writer.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(writer, `{"error":{"type":"server_error","message":"still broken"}}`)
	}), func(config *ClientConfig) {
		config.MaxRetries = 2
	})

	_, err := client.Chat(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err == nil {
		t.Fatal("expected error after retries exhausted")
	}
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("error = %v, want wrapped ProviderError", err)
	}
	if providerErr.StatusCode != 500 {
		t.Errorf("status = %d", providerErr.StatusCode)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (initial + 2 retries)", got)
	}
}

func TestChatCancellationDoesNotRetry(t *testing.T) {
	t.Parallel()

	var attempts atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		attempts.Add(1)
		// Cancel mid-request so the failure is a cancellation, not a
		// transport error.
		cancel()
		writer.WriteHeader(http.StatusInternalServerError)
	}), nil)

	_, err := client.Chat(ctx, Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if got := attempts.Load(); got != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on cancellation)", got)
	}
}

func TestStreamChatPreCancelledFailsImmediately(t *testing.T) {
	t.Parallel()

	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		t.Error("server should never be reached")
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.StreamChat(ctx, Request{Model: "m"}); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

// A server that accepts the request but never sends response headers
// must trip the connect clock; the stall cannot wait for headers that
// will never come.
func TestStreamChatConnectTimeoutBeforeHeaders(t *testing.T) {
	t.Parallel()

	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		// Hold the request open without writing anything until the
		// client gives up. The body must be drained first: the server
		// does not cancel the request context on client disconnect
		// while unread body remains, which would deadlock Close.
		io.Copy(io.Discard, request.Body)
		<-request.Context().Done()
	}), func(config *ClientConfig) {
		config.ConnectTimeout = 30 * time.Millisecond
	})

	_, err := client.StreamChat(context.Background(), Request{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	if err == nil {
		t.Fatal("expected connect stall error")
	}
	var stall *StallError
	if !errors.As(err, &stall) {
		t.Fatalf("error = %v, want StallError", err)
	}
	if stall.Phase != "connect" {
		t.Errorf("stall phase = %q, want connect", stall.Phase)
	}
}

func TestStreamChatEndToEnd(t *testing.T) {
	t.Parallel()

	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var wire struct {
			Stream        bool `json:"stream"`
			StreamOptions *struct {
				IncludeUsage bool `json:"include_usage"`
			} `json:"stream_options"`
		}
		json.NewDecoder(request.Body).Decode(&wire)
		if !wire.Stream {
			t.Error("stream should be true")
		}
		if wire.StreamOptions == nil || !wire.StreamOptions.IncludeUsage {
			t.Error("stream_options.include_usage should be set")
		}

		writer.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(writer, sseFrames(
			`{"choices":[{"index":0,"delta":{"content":"str"},"finish_reason":null}]}`,
			`{"choices":[{"index":0,"delta":{"content":"eam"},"finish_reason":null}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2}}`,
			`[DONE]`,
		))
	}), nil)

	stream, err := client.StreamChat(context.Background(), Request{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})
	if err != nil {
		t.Fatalf("StreamChat: %v", err)
	}
	defer stream.Close()

	chunks := drainStream(t, stream)
	var content bytes.Buffer
	for _, chunk := range chunks {
		content.WriteString(chunk.ContentDelta)
	}
	if content.String() != "stream" {
		t.Errorf("accumulated content = %q, want stream", content.String())
	}
	terminal := chunks[len(chunks)-1]
	if terminal.FinishReason != FinishStop || terminal.Usage == nil {
		t.Errorf("terminal = %+v", terminal)
	}
}

func TestBuildRequestStructuralToolChoice(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientConfig{BaseURL: "http://unused", SupportsToolChoice: true})
	wire := client.buildRequest(Request{
		Model:        "m",
		Messages:     []Message{{Role: RoleUser, Content: "plan this"}},
		RequiredTool: "plan_write",
	}, false)

	if wire.ToolChoice == nil {
		t.Fatal("tool_choice missing")
	}
	if wire.ToolChoice.Type != "function" || wire.ToolChoice.Function.Name != "plan_write" {
		t.Errorf("tool_choice = %+v", wire.ToolChoice)
	}
	// No prefill message appended.
	if len(wire.Messages) != 1 {
		t.Errorf("messages = %d, want 1", len(wire.Messages))
	}
}

func TestBuildRequestPrefillFallback(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientConfig{BaseURL: "http://unused", SupportsToolChoice: false})
	wire := client.buildRequest(Request{
		Model:        "m",
		Messages:     []Message{{Role: RoleUser, Content: "plan this"}},
		RequiredTool: "plan_write",
	}, false)

	if wire.ToolChoice != nil {
		t.Errorf("tool_choice = %+v, want nil", wire.ToolChoice)
	}
	last := wire.Messages[len(wire.Messages)-1]
	if last.Role != "assistant" {
		t.Errorf("prefill role = %q", last.Role)
	}
	want := "<tool_call>\n{\"name\": \"plan_write\", \"arguments\": "
	if last.Content != want {
		t.Errorf("prefill = %q, want %q", last.Content, want)
	}
}

// No required tool: the prefill fallback must not activate.
func TestBuildRequestNoRequiredToolNoPrefill(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientConfig{BaseURL: "http://unused"})
	wire := client.buildRequest(Request{
		Model:    "m",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, false)
	if len(wire.Messages) != 1 || wire.ToolChoice != nil {
		t.Errorf("unexpected forcing: messages=%d tool_choice=%+v", len(wire.Messages), wire.ToolChoice)
	}
}

// The same logical request must serialize to identical bytes every
// time — the prompt-prefix caching contract.
func TestMarshalRequestDeterministic(t *testing.T) {
	t.Parallel()

	client := NewClient(ClientConfig{BaseURL: "http://unused"})
	request := Request{
		Model: "m",
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleUser, Content: "hello"},
		},
		Tools: []ToolDefinition{{
			Name:        "git_status",
			Description: "show status",
			Parameters:  json.RawMessage(`{"properties":{},"type":"object"}`),
		}},
		MaxTokens: 256,
	}

	first, err := marshalRequest(client.buildRequest(request, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := marshalRequest(client.buildRequest(request, false))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("request serialization not deterministic:\n%s\n%s", first, second)
	}
	// Raw schema bytes pass through untouched.
	if !bytes.Contains(first, []byte(`{"properties":{},"type":"object"}`)) {
		t.Errorf("schema bytes rewritten: %s", first)
	}
}

func TestProviderErrorParsing(t *testing.T) {
	t.Parallel()

	client := testClient(t, http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writer.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(writer, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}), func(config *ClientConfig) {
		config.MaxRetries = 1
	})

	_, err := client.Chat(context.Background(), Request{Model: "m", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	var providerErr *ProviderError
	if !errors.As(err, &providerErr) {
		t.Fatalf("error = %v, want ProviderError", err)
	}
	if !providerErr.IsRateLimited() {
		t.Errorf("IsRateLimited() = false for %d", providerErr.StatusCode)
	}
	if providerErr.Type != "rate_limit_error" || providerErr.Message != "slow down" {
		t.Errorf("parsed error = %+v", providerErr)
	}
}

var _ io.Closer = (*streamCloser)(nil)
