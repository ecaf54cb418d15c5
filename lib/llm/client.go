// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Defaults applied by NewClient when the corresponding ClientConfig
// field is zero.
const (
	defaultMaxRetries      = 3
	defaultConnectTimeout  = 30 * time.Second
	defaultActivityTimeout = 120 * time.Second
)

// ClientConfig holds the parameters for constructing a [Client].
// BaseURL is required; everything else has defaults. Configuration is
// passed explicitly at construction — the client reads no globals.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	// Requests go to {BaseURL}/chat/completions.
	BaseURL string

	// APIKey is sent as "Authorization: Bearer {APIKey}". Empty means
	// no auth header (local inference servers).
	APIKey string

	// HTTPClient is the transport. Defaults to a client with no
	// overall timeout — streaming responses live longer than any
	// sane request timeout, and the two stream clocks handle stalls.
	HTTPClient *http.Client

	// MaxRetries is the retry budget for non-streaming requests.
	// Defaults to 3. Streaming requests are never retried: partial
	// output may already be visible.
	MaxRetries int

	// ConnectTimeout aborts a stream when the server sends nothing
	// before the first frame. Defaults to 30s.
	ConnectTimeout time.Duration

	// ActivityTimeout aborts a stream that is open but has stopped
	// producing frames. Resets on every frame. Defaults to 120s.
	ActivityTimeout time.Duration

	// SupportsToolChoice declares whether the provider honors the
	// structural tool_choice directive. When false and a request
	// designates a required tool, the client falls back to an
	// assistant prefill message.
	SupportsToolChoice bool

	// Logger receives operational messages (retries, skipped frames).
	// If nil, a no-op logger is used.
	Logger *slog.Logger
}

// Client speaks the OpenAI-compatible chat completions protocol. It is
// safe for concurrent use; each call carries its own state.
type Client struct {
	httpClient         *http.Client
	baseURL            string
	apiKey             string
	maxRetries         int
	connectTimeout     time.Duration
	activityTimeout    time.Duration
	supportsToolChoice bool
	logger             *slog.Logger

	// sleep is the backoff clock, replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Client from config, applying defaults for zero
// fields.
func NewClient(config ClientConfig) *Client {
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	maxRetries := config.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	connectTimeout := config.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}
	activityTimeout := config.ActivityTimeout
	if activityTimeout == 0 {
		activityTimeout = defaultActivityTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Client{
		httpClient:         httpClient,
		baseURL:            config.BaseURL,
		apiKey:             config.APIKey,
		maxRetries:         maxRetries,
		connectTimeout:     connectTimeout,
		activityTimeout:    activityTimeout,
		supportsToolChoice: config.SupportsToolChoice,
		logger:             logger,
		sleep:              sleepContext,
	}
}

// SupportsToolChoice reports whether the provider honors the
// structural tool_choice directive. The tool mask builder uses this to
// decide between structural forcing and dynamic filtering.
func (client *Client) SupportsToolChoice() bool {
	return client.supportsToolChoice
}

// Chat sends a non-streaming request and returns the full response.
// Failures are retried up to MaxRetries times with exponential backoff
// (2^attempt seconds). Cancellation propagates immediately without
// retry.
func (client *Client) Chat(ctx context.Context, request Request) (*Response, error) {
	var lastErr error
	for attempt := 0; attempt <= client.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			client.logger.Warn("chat request failed, retrying",
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr,
			)
			if err := client.sleep(ctx, backoff); err != nil {
				return nil, err
			}
		}

		response, err := client.chatOnce(ctx, request)
		if err == nil {
			return response, nil
		}
		if ctx.Err() != nil {
			return nil, cancellationError(ctx)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("llm: chat failed after %d attempts: %w", client.maxRetries+1, lastErr)
}

// StreamChat sends a streaming request and returns a [ChunkStream].
// Transport errors surface immediately — streaming calls are never
// retried. A ctx already cancelled before the call fails immediately.
func (client *Client) StreamChat(ctx context.Context, request Request) (*ChunkStream, error) {
	if ctx.Err() != nil {
		return nil, cancellationError(ctx)
	}

	streamCtx, cancel := context.WithCancelCause(ctx)

	body, err := marshalRequest(client.buildRequest(request, true))
	if err != nil {
		cancel(nil)
		return nil, err
	}

	// The connect clock must already be running while the request is
	// in flight: a server that accepts the connection but never sends
	// response headers stalls inside doRequest, and streamCtx has no
	// deadline of its own.
	watchdog := newStreamWatchdog(cancel, client.connectTimeout, client.activityTimeout)

	httpResponse, err := client.doRequest(streamCtx, body, true)
	if err != nil {
		watchdog.stop()
		if streamCtx.Err() != nil {
			err = cancellationError(streamCtx)
		}
		cancel(nil)
		return nil, err
	}

	return newOpenAIStream(streamCtx, httpResponse.Body, watchdog, cancel, client.logger), nil
}

// chatOnce performs a single non-streaming request/response cycle.
func (client *Client) chatOnce(ctx context.Context, request Request) (*Response, error) {
	body, err := marshalRequest(client.buildRequest(request, false))
	if err != nil {
		return nil, err
	}

	httpResponse, err := client.doRequest(ctx, body, false)
	if err != nil {
		return nil, err
	}
	defer httpResponse.Body.Close()

	var wireResponse chatResponse
	if err := json.NewDecoder(httpResponse.Body).Decode(&wireResponse); err != nil {
		return nil, fmt.Errorf("llm: decoding response: %w", err)
	}
	return wireResponse.toResponse(), nil
}

// doRequest POSTs body to the chat completions endpoint and returns
// the HTTP response. Returns a [ProviderError] for non-200 status
// codes; its body is already closed. On success the caller owns the
// response body.
func (client *Client) doRequest(ctx context.Context, body []byte, streaming bool) (*http.Response, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: creating request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	if client.apiKey != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+client.apiKey)
	}
	if streaming {
		httpRequest.Header.Set("Accept", "text/event-stream")
	}

	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, fmt.Errorf("llm: sending request: %w", err)
	}

	if httpResponse.StatusCode != http.StatusOK {
		defer httpResponse.Body.Close()
		return nil, readProviderError(httpResponse)
	}
	return httpResponse, nil
}

// buildRequest converts a Request to the wire format.
//
// When a required tool is designated: providers that support the
// structural directive get tool_choice; others get a synthetic partial
// assistant message that opens a tool call in the provider's own
// syntax, so the model continues the call rather than choosing. The
// fallback only activates when a required tool exists.
func (client *Client) buildRequest(request Request, stream bool) chatRequest {
	wire := chatRequest{
		Model:     request.Model,
		MaxTokens: request.MaxTokens,
	}
	if request.Temperature != nil {
		wire.Temperature = request.Temperature
	}

	for _, message := range request.Messages {
		wire.Messages = append(wire.Messages, toWireMessage(message))
	}

	for _, tool := range request.Tools {
		wire.Tools = append(wire.Tools, chatTool{
			Type: "function",
			Function: chatToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	if request.RequiredTool != "" {
		if client.supportsToolChoice {
			wire.ToolChoice = &chatToolChoice{
				Type:     "function",
				Function: chatToolChoiceFunction{Name: request.RequiredTool},
			}
		} else {
			wire.Messages = append(wire.Messages, chatMessage{
				Role:    "assistant",
				Content: toolCallPrefill(request.RequiredTool),
			})
		}
	}

	if stream {
		wire.Stream = true
		wire.StreamOptions = &chatStreamOptions{IncludeUsage: true}
	}
	return wire
}

// toolCallPrefill returns the partial assistant text that opens a tool
// call in Hermes function-calling syntax. Models trained on that
// convention (Hermes, Qwen, and most local tool-calling fine-tunes)
// complete the JSON object rather than starting a fresh answer.
func toolCallPrefill(name string) string {
	return "<tool_call>\n{\"name\": \"" + name + "\", \"arguments\": "
}

// marshalRequest serializes a wire request. Struct field order is
// fixed at compile time and tool parameter schemas pass through as raw
// bytes, so the same logical request always produces identical bytes.
// Byte-identical prefixes across the rounds of a turn are what make
// provider-side prompt-prefix caching effective.
func marshalRequest(wire chatRequest) ([]byte, error) {
	data, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("llm: marshaling request: %w", err)
	}
	return data, nil
}

// sleepContext blocks for d or until ctx is cancelled, whichever comes
// first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return cancellationError(ctx)
	case <-timer.C:
		return nil
	}
}

// cancellationError extracts the most specific error from a cancelled
// context: the cancel cause when one was recorded, else ctx.Err().
func cancellationError(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ctx.Err()
}

// ProviderError is returned when the API responds with an error.
type ProviderError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Type is the provider-specific error type string
	// (e.g., "invalid_request_error", "rate_limit_error").
	Type string

	// Message is the human-readable error description.
	Message string
}

func (err *ProviderError) Error() string {
	if err.Type != "" {
		return fmt.Sprintf("llm: HTTP %d: %s: %s", err.StatusCode, err.Type, err.Message)
	}
	return fmt.Sprintf("llm: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsRateLimited returns true for a rate limit response (HTTP 429).
func (err *ProviderError) IsRateLimited() bool {
	return err.StatusCode == 429
}

// readProviderError parses an error response body in the common
// provider format: {"error":{"type":"...","message":"..."}}. Extra
// fields in the error object are ignored.
func readProviderError(httpResponse *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 4096))

	var wireError struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Message != "" {
		return &ProviderError{
			StatusCode: httpResponse.StatusCode,
			Type:       wireError.Error.Type,
			Message:    wireError.Error.Message,
		}
	}
	return &ProviderError{
		StatusCode: httpResponse.StatusCode,
		Message:    string(body),
	}
}
