// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package queue is the conversational state machine: it serializes
// enqueued user turns and drives each one through the full
// compact/stream/tool-call loop against the model.
//
// At most one network round is in flight per queue at any instant.
// The queue owns its Session exclusively while a turn is processing;
// TokenUsage and PartialResponse are the only accessors meant for
// other goroutines. While a turn is processing, TokenUsage serves the
// snapshot taken at the last round boundary rather than reading the
// session.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberchat/ember/lib/llm"
	"github.com/emberchat/ember/lib/session"
	"github.com/emberchat/ember/lib/toolcall"
	"github.com/emberchat/ember/lib/toolmask"
)

// defaultMaxRounds bounds the tool-calling loop within one turn. A
// model stuck re-issuing tool calls burns a round per iteration; two
// dozen is generous for legitimate multi-step work.
const defaultMaxRounds = 24

// ErrStopped is the cancellation cause installed by Stop.
var ErrStopped = errors.New("queue: stopped")

// summaryPrompt asks the model for the compaction summary.
const summaryPrompt = "Summarize the conversation so far in a compact form. " +
	"Preserve: what the user is trying to accomplish, decisions made, " +
	"file paths and commands that were used, and any unresolved problems. " +
	"Omit pleasantries and dead ends."

// ChatClient is the slice of the protocol client the queue uses.
// Satisfied by *llm.Client.
type ChatClient interface {
	Chat(ctx context.Context, request llm.Request) (*llm.Response, error)
	StreamChat(ctx context.Context, request llm.Request) (*llm.ChunkStream, error)
	SupportsToolChoice() bool
}

// QueuedMessage is one pending user turn.
type QueuedMessage struct {
	ID         string
	Content    string
	Files      []string
	PlanMode   bool
	EnqueuedAt time.Time
}

// TokenUsage is a point-in-time accounting snapshot for display.
type TokenUsage struct {
	Used          int
	Available     int
	ContextWindow int
	UsagePercent  float64
}

// Config wires a Queue together. Client, Session, MaskBuilder, and
// Handler are required.
type Config struct {
	Client      ChatClient
	Session     *session.Session
	MaskBuilder *toolmask.Builder
	Handler     *toolcall.Handler

	// Definitions is the fixed tool schema sent with every request
	// (post-hoc masked, not regenerated).
	Definitions []llm.ToolDefinition

	// Events receives lifecycle notifications; nil means none.
	Events Events

	// OnAskUser resolves ask_user calls; nil rejects them.
	OnAskUser toolcall.AskUserFunc

	// Model, MaxTokens, Temperature shape every request.
	Model       string
	MaxTokens   int
	Temperature *float64

	// ProjectType feeds the mask builder; may be empty.
	ProjectType string

	// MaxRounds bounds the tool loop per turn. Default 24.
	MaxRounds int

	// ReadFile resolves file references in enqueued messages.
	// Default os.ReadFile.
	ReadFile func(path string) ([]byte, error)

	Logger *slog.Logger
}

// Queue serializes user turns for one session.
type Queue struct {
	client      ChatClient
	session     *session.Session
	maskBuilder *toolmask.Builder
	handler     *toolcall.Handler
	definitions []llm.ToolDefinition
	events      Events
	onAskUser   toolcall.AskUserFunc
	model       string
	maxTokens   int
	temperature *float64
	projectType string
	maxRounds   int
	readFile    func(path string) ([]byte, error)
	logger      *slog.Logger

	state queueState
}

// queueState is everything the mutex guards. Kept separate so the
// locking discipline is visible at a glance.
type queueState struct {
	mutex sync.Mutex

	pending       []QueuedMessage
	processing    bool
	cancelRound   context.CancelCauseFunc
	stopRequested bool
	stopDiscarded int
	partial       string

	// usage is the accounting snapshot taken by the processor at the
	// last round boundary; served while processing is true.
	usage TokenUsage
}

// New creates a Queue.
func New(config Config) *Queue {
	events := config.Events
	if events == nil {
		events = NoopEvents{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	maxRounds := config.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	readFile := config.ReadFile
	if readFile == nil {
		readFile = os.ReadFile
	}
	return &Queue{
		client:      config.Client,
		session:     config.Session,
		maskBuilder: config.MaskBuilder,
		handler:     config.Handler,
		definitions: config.Definitions,
		events:      events,
		onAskUser:   config.OnAskUser,
		model:       config.Model,
		maxTokens:   config.MaxTokens,
		temperature: config.Temperature,
		projectType: config.ProjectType,
		maxRounds:   maxRounds,
		readFile:    readFile,
		logger:      logger,
	}
}

// Enqueue appends a user turn and returns its id immediately. If the
// queue was idle, processing starts asynchronously. Never blocks,
// including while a turn is suspended on ask_user.
func (queue *Queue) Enqueue(content string, files []string, planMode bool) string {
	message := QueuedMessage{
		ID:         uuid.NewString(),
		Content:    content,
		Files:      files,
		PlanMode:   planMode,
		EnqueuedAt: time.Now(),
	}

	queue.state.mutex.Lock()
	queue.state.pending = append(queue.state.pending, message)
	start := !queue.state.processing
	if start {
		// Seed the boundary snapshot before the processor exists, so
		// TokenUsage never serves a zero value mid-turn.
		queue.state.usage = queue.measureUsage()
		queue.state.processing = true
	}
	queue.state.mutex.Unlock()

	if start {
		go queue.run()
	}
	return message.ID
}

// Stop cancels the in-flight round and discards every queued turn.
// Valid from any state; a no-op when idle. The Stopped event fires
// once the cancelled round has rolled back.
func (queue *Queue) Stop() {
	queue.state.mutex.Lock()
	discarded := len(queue.state.pending)
	queue.state.pending = nil
	cancel := queue.state.cancelRound
	active := queue.state.processing
	if active {
		queue.state.stopRequested = true
		queue.state.stopDiscarded = discarded
	}
	queue.state.mutex.Unlock()

	if !active {
		return
	}
	if cancel != nil {
		cancel(ErrStopped)
	}
}

// Compact generates a summary and collapses the session immediately.
// Valid only while idle; during processing the queue compacts on its
// own when the threshold is crossed.
func (queue *Queue) Compact(ctx context.Context) error {
	queue.state.mutex.Lock()
	busy := queue.state.processing
	queue.state.mutex.Unlock()
	if busy {
		return errors.New("queue: cannot compact while a turn is processing")
	}
	return queue.compact(ctx)
}

// PartialResponse returns the assistant text salvaged from the last
// stopped round, if any.
func (queue *Queue) PartialResponse() string {
	queue.state.mutex.Lock()
	defer queue.state.mutex.Unlock()
	return queue.state.partial
}

// TokenUsage returns an accounting snapshot. Safe to call at any
// time: while a turn is processing the processor owns the session, so
// the snapshot from the last round boundary is served instead of a
// live read.
func (queue *Queue) TokenUsage() TokenUsage {
	queue.state.mutex.Lock()
	defer queue.state.mutex.Unlock()
	if queue.state.processing {
		return queue.state.usage
	}
	// Idle with the mutex held: no processor exists and none can start
	// until Enqueue acquires the mutex, so a live read is safe.
	return queue.measureUsage()
}

// measureUsage reads the session directly. Only for the processor
// goroutine, or for a caller holding the mutex with processing false.
func (queue *Queue) measureUsage() TokenUsage {
	used := queue.session.UsedTokens()
	window := queue.session.ContextWindow()
	usage := TokenUsage{
		Used:          used,
		Available:     queue.session.AvailableTokens(),
		ContextWindow: window,
	}
	if window > 0 {
		usage.UsagePercent = float64(used) / float64(window) * 100
	}
	return usage
}

// snapshotUsage publishes the processor's current accounting for
// TokenUsage callers. Called only at round boundaries, when no model
// round is mutating the session.
func (queue *Queue) snapshotUsage() {
	usage := queue.measureUsage()
	queue.state.mutex.Lock()
	queue.state.usage = usage
	queue.state.mutex.Unlock()
}

// Idle reports whether nothing is processing or queued.
func (queue *Queue) Idle() bool {
	queue.state.mutex.Lock()
	defer queue.state.mutex.Unlock()
	return !queue.state.processing
}

// run is the processing loop. Exactly one instance exists while
// processing is true.
func (queue *Queue) run() {
	for {
		queue.state.mutex.Lock()
		if len(queue.state.pending) == 0 {
			queue.state.processing = false
			// Stop can land between turns with nothing in flight;
			// it still owes a Stopped event for the discards.
			wasStopped := queue.state.stopRequested
			discarded := queue.state.stopDiscarded
			partial := queue.state.partial
			queue.state.stopRequested = false
			queue.state.stopDiscarded = 0
			queue.state.mutex.Unlock()
			if wasStopped {
				queue.events.Stopped(discarded, partial)
			}
			queue.events.QueueDrained()
			return
		}
		message := queue.state.pending[0]
		queue.state.pending = queue.state.pending[1:]

		ctx, cancel := context.WithCancelCause(context.Background())
		queue.state.cancelRound = cancel
		queue.state.mutex.Unlock()

		err := queue.processTurn(ctx, message)

		queue.state.mutex.Lock()
		queue.state.cancelRound = nil
		wasStopped := queue.state.stopRequested
		discarded := queue.state.stopDiscarded
		partial := queue.state.partial
		queue.state.stopRequested = false
		queue.state.stopDiscarded = 0
		queue.state.mutex.Unlock()
		cancel(nil)

		switch {
		case wasStopped:
			queue.events.Stopped(discarded, partial)
		case err != nil:
			queue.logger.Error("turn failed", "turn", message.ID, "error", err)
			queue.events.TurnFailed(message.ID, err)
		default:
			queue.events.TurnCompleted(message.ID)
		}
	}
}

// processTurn drives one dequeued message through content building,
// compaction, and the round loop.
func (queue *Queue) processTurn(ctx context.Context, message QueuedMessage) error {
	queue.events.TurnStarted(message.ID)

	queue.state.mutex.Lock()
	queue.state.partial = ""
	queue.state.mutex.Unlock()

	content, display, err := queue.buildContent(message)
	if err != nil {
		return err
	}

	check := queue.session.ShouldCompact(queue.session.EstimateText(content))
	if check.ContextFull {
		return fmt.Errorf("queue: context window full (projected %.0f%% of %d tokens): compact the session or send a shorter message",
			check.ProjectedPercent, queue.session.ContextWindow())
	}
	if check.ShouldCompact {
		if err := queue.compact(ctx); err != nil {
			if cancelled(ctx, err) {
				return err
			}
			// Try the turn anyway: the threshold has headroom built in.
			queue.logger.Warn("compaction failed, continuing uncompacted", "error", err)
		}
	}

	checkpoint := queue.session.Checkpoint()
	queue.session.AddUserMessage(content, display)
	queue.snapshotUsage()
	queue.events.StreamStarted(message.ID)

	mode := toolmask.ModeAction
	if message.PlanMode {
		mode = toolmask.ModePlan
	}

	var turnContent, turnReasoning strings.Builder
	for round := 0; round < queue.maxRounds; round++ {
		mask := queue.maskBuilder.Build(mode, queue.projectType, message.Content)
		definitions := queue.definitions
		if mask.UseDynamicFiltering {
			definitions = toolmask.FilterDefinitions(definitions, mask)
		}
		queue.session.SetToolTokens(queue.estimateDefinitions(definitions))

		outcome, err := queue.streamRound(ctx, message.ID, mask, definitions, &turnContent, &turnReasoning)
		if err != nil {
			queue.session.Rollback(checkpoint)
			queue.savePartial(turnContent.String())
			return err
		}

		queue.session.AddAssistantMessage(outcome.assistant, outcome.usage)
		queue.snapshotUsage()

		if outcome.finishReason != llm.FinishToolCalls || len(outcome.assistant.ToolCalls) == 0 {
			break
		}

		results := queue.handler.HandleCalls(ctx, outcome.assistant.ToolCalls, mask, queue.onAskUser)
		for _, result := range results {
			queue.session.AddToolMessage(result)
		}
		if ctx.Err() != nil {
			queue.session.Rollback(checkpoint)
			queue.savePartial(turnContent.String())
			return context.Cause(ctx)
		}

		// Round complete: advance the rollback point past it.
		checkpoint = queue.session.Checkpoint()
		queue.snapshotUsage()

		if round == queue.maxRounds-1 {
			queue.logger.Warn("round limit reached, ending turn", "turn", message.ID, "rounds", queue.maxRounds)
		}
	}

	queue.events.StreamEnded(message.ID, StreamContent{
		Content:   turnContent.String(),
		Reasoning: turnReasoning.String(),
	})
	return nil
}

// roundOutcome is what one model round produced.
type roundOutcome struct {
	assistant    llm.Message
	finishReason llm.FinishReason
	usage        *llm.Usage
}

func (queue *Queue) streamRound(ctx context.Context, turnID string, mask toolmask.Mask, definitions []llm.ToolDefinition, turnContent, turnReasoning *strings.Builder) (roundOutcome, error) {
	request := llm.Request{
		Model:        queue.model,
		Messages:     queue.session.Messages(),
		Tools:        definitions,
		RequiredTool: mask.RequiredTool,
		MaxTokens:    queue.maxTokens,
		Temperature:  queue.temperature,
	}

	stream, err := queue.client.StreamChat(ctx, request)
	if err != nil {
		return roundOutcome{}, err
	}
	defer stream.Close()

	var outcome roundOutcome
	var content, reasoning strings.Builder
	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return roundOutcome{}, err
		}
		queue.events.StreamChunk(turnID, chunk)
		content.WriteString(chunk.ContentDelta)
		reasoning.WriteString(chunk.ReasoningDelta)
		turnContent.WriteString(chunk.ContentDelta)
		turnReasoning.WriteString(chunk.ReasoningDelta)
		if chunk.Terminal() {
			outcome.finishReason = chunk.FinishReason
			outcome.usage = chunk.Usage
			outcome.assistant.ToolCalls = chunk.ToolCalls
		}
	}

	outcome.assistant.Role = llm.RoleAssistant
	outcome.assistant.Content = content.String()
	outcome.assistant.ReasoningContent = reasoning.String()
	return outcome, nil
}

// compact generates a summary with a non-streaming call and collapses
// the session onto it.
func (queue *Queue) compact(ctx context.Context) error {
	messages := append(queue.session.Messages(), llm.Message{
		Role:    llm.RoleUser,
		Content: summaryPrompt,
	})
	response, err := queue.client.Chat(ctx, llm.Request{
		Model:     queue.model,
		Messages:  messages,
		MaxTokens: queue.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("generating summary: %w", err)
	}
	queue.session.CompactWith(response.Message.Content)
	queue.logger.Info("session compacted", "summary_chars", len(response.Message.Content))
	return nil
}

// buildContent resolves file references: each referenced file's
// contents are inlined after the user's text, while DisplayContent
// keeps the original for rendering.
func (queue *Queue) buildContent(message QueuedMessage) (content, display string, err error) {
	if len(message.Files) == 0 {
		return message.Content, "", nil
	}
	var text strings.Builder
	text.WriteString(message.Content)
	for _, path := range message.Files {
		data, err := queue.readFile(path)
		if err != nil {
			return "", "", fmt.Errorf("queue: reading %s: %w", path, err)
		}
		fmt.Fprintf(&text, "\n\n[file: %s]\n```\n%s\n```", path, data)
	}
	return text.String(), message.Content, nil
}

// estimateDefinitions estimates the token cost of the tool schema as
// it will appear in the request.
func (queue *Queue) estimateDefinitions(definitions []llm.ToolDefinition) int {
	var text strings.Builder
	for _, definition := range definitions {
		text.WriteString(definition.Name)
		text.WriteString(definition.Description)
		text.Write(definition.Parameters)
	}
	return queue.session.EstimateText(text.String())
}

func (queue *Queue) savePartial(text string) {
	queue.state.mutex.Lock()
	queue.state.partial = text
	queue.state.mutex.Unlock()
}

func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrStopped)
}
