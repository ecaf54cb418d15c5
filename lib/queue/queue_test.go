// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emberchat/ember/lib/catalog"
	"github.com/emberchat/ember/lib/llm"
	"github.com/emberchat/ember/lib/session"
	"github.com/emberchat/ember/lib/toolcall"
	"github.com/emberchat/ember/lib/toolmask"
)

// roundScript describes one scripted streaming round.
type roundScript struct {
	chunks []llm.StreamChunk
	err    error // returned after chunks instead of io.EOF

	// blockOnCtx blocks after the chunks until the stream context is
	// cancelled, then returns its cause. onFlight closes when the
	// block begins.
	blockOnCtx bool
	onFlight   chan struct{}
}

type fakeClient struct {
	mutex       sync.Mutex
	scripts     []roundScript
	streamCalls int
	chatCalls   int
	chatReply   string
	chatErr     error
}

func (client *fakeClient) SupportsToolChoice() bool { return true }

func (client *fakeClient) Chat(ctx context.Context, request llm.Request) (*llm.Response, error) {
	client.mutex.Lock()
	client.chatCalls++
	client.mutex.Unlock()
	if client.chatErr != nil {
		return nil, client.chatErr
	}
	return &llm.Response{
		Message:      llm.Message{Role: llm.RoleAssistant, Content: client.chatReply},
		FinishReason: llm.FinishStop,
	}, nil
}

func (client *fakeClient) StreamChat(ctx context.Context, request llm.Request) (*llm.ChunkStream, error) {
	client.mutex.Lock()
	client.streamCalls++
	if len(client.scripts) == 0 {
		client.mutex.Unlock()
		return nil, errors.New("no scripted round")
	}
	script := client.scripts[0]
	client.scripts = client.scripts[1:]
	client.mutex.Unlock()

	index := 0
	flightSignalled := false
	return llm.NewChunkStream(func() (llm.StreamChunk, error) {
		if index < len(script.chunks) {
			chunk := script.chunks[index]
			index++
			return chunk, nil
		}
		if script.blockOnCtx {
			if script.onFlight != nil && !flightSignalled {
				flightSignalled = true
				close(script.onFlight)
			}
			<-ctx.Done()
			return llm.StreamChunk{}, context.Cause(ctx)
		}
		if script.err != nil {
			return llm.StreamChunk{}, script.err
		}
		return llm.StreamChunk{}, io.EOF
	}, nil), nil
}

func textRound(text string) roundScript {
	return roundScript{chunks: []llm.StreamChunk{
		{ContentDelta: text},
		{FinishReason: llm.FinishStop, Usage: &llm.Usage{PromptTokens: 100, CompletionTokens: 10}},
	}}
}

// recorder collects events; drained signals each QueueDrained.
type recorder struct {
	NoopEvents

	mutex     sync.Mutex
	started   []string
	completed []string
	failed    map[string]error
	ended     []StreamContent
	discarded int
	partial   string
	stopped   bool

	drained       chan struct{}
	onTurnStarted func(id string)
}

func newRecorder() *recorder {
	return &recorder{failed: map[string]error{}, drained: make(chan struct{}, 8)}
}

func (r *recorder) TurnStarted(id string) {
	r.mutex.Lock()
	r.started = append(r.started, id)
	hook := r.onTurnStarted
	r.mutex.Unlock()
	if hook != nil {
		hook(id)
	}
}

func (r *recorder) TurnCompleted(id string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.completed = append(r.completed, id)
}

func (r *recorder) TurnFailed(id string, err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.failed[id] = err
}

func (r *recorder) StreamEnded(id string, content StreamContent) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.ended = append(r.ended, content)
}

func (r *recorder) Stopped(discarded int, partial string) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.stopped = true
	r.discarded = discarded
	r.partial = partial
}

func (r *recorder) QueueDrained() {
	r.drained <- struct{}{}
}

func (r *recorder) waitDrained(t *testing.T) {
	t.Helper()
	select {
	case <-r.drained:
	case <-time.After(5 * time.Second):
		t.Fatal("queue did not drain")
	}
}

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, tool catalog.Tool, action string, args map[string]any) (toolcall.ExecResult, error) {
	return toolcall.ExecResult{Success: true, Stdout: "done"}, nil
}

func testCatalog(t *testing.T) *catalog.Static {
	t.Helper()
	static, err := catalog.NewStatic([]catalog.Tool{
		{ID: "shell", Installed: true, Actions: []catalog.Action{{
			Name:   "run",
			Params: []catalog.Param{{Name: "command", Type: catalog.ParamString, Required: true}},
		}}},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	return static
}

func newTestQueue(t *testing.T, client *fakeClient, events Events, sess *session.Session, onAskUser toolcall.AskUserFunc) *Queue {
	t.Helper()
	source := testCatalog(t)
	definitions, err := catalog.Definitions(source)
	if err != nil {
		t.Fatalf("definitions: %v", err)
	}
	return New(Config{
		Client:  client,
		Session: sess,
		MaskBuilder: toolmask.NewBuilder(toolmask.Config{
			Catalog:            source,
			CoreTools:          []string{"shell"},
			ShellTool:          "shell",
			SupportsToolChoice: true,
		}),
		Handler:     toolcall.NewHandler(source, okExecutor{}, nil),
		Definitions: definitions,
		Events:      events,
		OnAskUser:   onAskUser,
		Model:       "test-model",
		MaxTokens:   1024,
	})
}

func TestQueueFIFOUnderLoad(t *testing.T) {
	t.Parallel()
	client := &fakeClient{scripts: []roundScript{
		textRound("d"), textRound("a"), textRound("b"), textRound("c"),
	}}
	events := newRecorder()
	queue := newTestQueue(t, client, events, session.New(session.Config{ContextWindow: 100000}), nil)

	firstStarted := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	events.onTurnStarted = func(string) {
		once.Do(func() {
			close(firstStarted)
			<-release
		})
	}

	idD := queue.Enqueue("message d", nil, false)
	<-firstStarted
	idA := queue.Enqueue("message a", nil, false)
	idB := queue.Enqueue("message b", nil, false)
	idC := queue.Enqueue("message c", nil, false)
	close(release)

	events.waitDrained(t)

	want := []string{idD, idA, idB, idC}
	events.mutex.Lock()
	defer events.mutex.Unlock()
	if strings.Join(events.completed, ",") != strings.Join(want, ",") {
		t.Fatalf("completion order = %v, want %v", events.completed, want)
	}
}

func TestStopDiscardsQueuedAndRollsBack(t *testing.T) {
	t.Parallel()
	inFlight := make(chan struct{})
	client := &fakeClient{scripts: []roundScript{{
		chunks:     []llm.StreamChunk{{ContentDelta: "par"}, {ContentDelta: "tial"}},
		blockOnCtx: true,
		onFlight:   inFlight,
	}}}
	events := newRecorder()
	sess := session.New(session.Config{ContextWindow: 100000})
	sess.AddUserMessage("earlier", "")
	preLength := sess.Len()

	queue := newTestQueue(t, client, events, sess, nil)
	queue.Enqueue("first", nil, false)
	<-inFlight
	queue.Enqueue("second", nil, false)
	queue.Enqueue("third", nil, false)

	queue.Stop()
	events.waitDrained(t)

	events.mutex.Lock()
	defer events.mutex.Unlock()
	if !events.stopped {
		t.Fatal("Stopped event never fired")
	}
	if events.discarded != 2 {
		t.Fatalf("discarded = %d, want 2", events.discarded)
	}
	if events.partial != "partial" {
		t.Fatalf("partial = %q, want %q", events.partial, "partial")
	}
	if queue.PartialResponse() != "partial" {
		t.Fatalf("PartialResponse = %q", queue.PartialResponse())
	}
	if sess.Len() != preLength {
		t.Fatalf("session length = %d, want pre-round %d", sess.Len(), preLength)
	}
	if len(events.failed) != 0 {
		t.Fatalf("stop reported as failure: %v", events.failed)
	}
}

// TokenUsage mid-turn must not touch the session the processor is
// mutating: it serves the snapshot taken at the last round boundary.
func TestTokenUsageDuringTurnServesBoundarySnapshot(t *testing.T) {
	t.Parallel()
	inFlight := make(chan struct{})
	client := &fakeClient{scripts: []roundScript{{
		chunks:     []llm.StreamChunk{{ContentDelta: "thinking"}},
		blockOnCtx: true,
		onFlight:   inFlight,
	}}}
	events := newRecorder()
	sess := session.New(session.Config{ContextWindow: 100000})
	queue := newTestQueue(t, client, events, sess, nil)

	queue.Enqueue("how many tokens so far?", nil, false)
	<-inFlight

	during := queue.TokenUsage()
	if during.ContextWindow != 100000 {
		t.Fatalf("mid-turn ContextWindow = %d, want 100000", during.ContextWindow)
	}
	if during.Used == 0 {
		t.Fatal("mid-turn snapshot should include the user message")
	}

	queue.Stop()
	events.waitDrained(t)

	after := queue.TokenUsage()
	if after.ContextWindow != 100000 {
		t.Fatalf("idle ContextWindow = %d, want 100000", after.ContextWindow)
	}
	if after.Used != sess.UsedTokens() {
		t.Fatalf("idle Used = %d, want live session value %d", after.Used, sess.UsedTokens())
	}
}

func TestQueueErrorContinuesToNextTurn(t *testing.T) {
	t.Parallel()
	client := &fakeClient{scripts: []roundScript{
		{err: errors.New("provider exploded")},
		textRound("fine"),
	}}
	events := newRecorder()
	queue := newTestQueue(t, client, events, session.New(session.Config{ContextWindow: 100000}), nil)

	idFirst := queue.Enqueue("first", nil, false)
	idSecond := queue.Enqueue("second", nil, false)
	events.waitDrained(t)

	events.mutex.Lock()
	defer events.mutex.Unlock()
	if events.failed[idFirst] == nil {
		t.Fatal("first turn should have failed")
	}
	if len(events.completed) != 1 || events.completed[0] != idSecond {
		t.Fatalf("completed = %v, want only second turn", events.completed)
	}
}

func TestToolCallRoundLoop(t *testing.T) {
	t.Parallel()
	client := &fakeClient{scripts: []roundScript{
		{chunks: []llm.StreamChunk{
			{ContentDelta: "let me check"},
			{
				FinishReason: llm.FinishToolCalls,
				ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "shell_run", Arguments: `{"command":"ls"}`}},
				Usage:        &llm.Usage{PromptTokens: 100, CompletionTokens: 10},
			},
		}},
		textRound(" looks good"),
	}}
	events := newRecorder()
	sess := session.New(session.Config{ContextWindow: 100000})
	queue := newTestQueue(t, client, events, sess, nil)

	id := queue.Enqueue("what files are here?", nil, false)
	events.waitDrained(t)

	events.mutex.Lock()
	if len(events.completed) != 1 || events.completed[0] != id {
		t.Fatalf("completed = %v", events.completed)
	}
	if len(events.ended) != 1 || events.ended[0].Content != "let me check looks good" {
		t.Fatalf("StreamEnded content = %+v", events.ended)
	}
	events.mutex.Unlock()

	history := sess.History()
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4 (user, assistant+calls, tool, assistant)", len(history))
	}
	if history[1].Role != llm.RoleAssistant || len(history[1].ToolCalls) != 1 {
		t.Fatalf("round-1 assistant = %+v", history[1])
	}
	if history[2].Role != llm.RoleTool || history[2].ToolCallID != "c1" {
		t.Fatalf("tool result = %+v", history[2])
	}
	if !strings.Contains(history[2].Content, "[shell:run]") {
		t.Fatalf("tool result content = %q", history[2].Content)
	}
	if history[3].Content != " looks good" {
		t.Fatalf("final assistant = %+v", history[3])
	}
}

func TestContextFullAbortsBeforeNetwork(t *testing.T) {
	t.Parallel()
	client := &fakeClient{}
	events := newRecorder()
	sess := session.New(session.Config{ContextWindow: 100})
	sess.AddAssistantMessage(llm.Message{Content: "x"}, &llm.Usage{PromptTokens: 99, CompletionTokens: 0})

	queue := newTestQueue(t, client, events, sess, nil)
	id := queue.Enqueue(strings.Repeat("long message ", 50), nil, false)
	events.waitDrained(t)

	events.mutex.Lock()
	defer events.mutex.Unlock()
	err := events.failed[id]
	if err == nil || !strings.Contains(err.Error(), "context window full") {
		t.Fatalf("failure = %v, want context-full error", err)
	}
	if client.streamCalls != 0 {
		t.Fatalf("streamCalls = %d, want 0 (abort before network)", client.streamCalls)
	}
}

func TestCompactionRunsBeforeTurn(t *testing.T) {
	t.Parallel()
	client := &fakeClient{
		chatReply: "they were renaming files",
		scripts:   []roundScript{textRound("continuing")},
	}
	events := newRecorder()
	sess := session.New(session.Config{ContextWindow: 1000})
	sess.AddUserMessage("old question", "")
	sess.AddAssistantMessage(llm.Message{Content: "old answer"}, &llm.Usage{PromptTokens: 880, CompletionTokens: 20})

	queue := newTestQueue(t, client, events, sess, nil)
	queue.Enqueue("next", nil, false)
	events.waitDrained(t)

	if client.chatCalls != 1 {
		t.Fatalf("chatCalls = %d, want 1 summary call", client.chatCalls)
	}
	history := sess.History()
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want summary+user+assistant", len(history))
	}
	if !strings.HasPrefix(history[0].Content, session.SummaryPrefix) {
		t.Fatalf("first message = %q, want summary", history[0].Content)
	}
}

func TestAskUserSuspendsWithoutBlockingEnqueue(t *testing.T) {
	t.Parallel()
	client := &fakeClient{scripts: []roundScript{
		{chunks: []llm.StreamChunk{{
			FinishReason: llm.FinishToolCalls,
			ToolCalls:    []llm.ToolCall{{ID: "c1", Name: "ask_user", Arguments: `{"question":"proceed?"}`}},
		}}},
		textRound("resumed"),
		textRound("queued turn"),
	}}
	events := newRecorder()
	sess := session.New(session.Config{ContextWindow: 100000})

	var queue *Queue
	enqueuedDuringAsk := make(chan string, 1)
	askUser := func(ctx context.Context, question string) (string, error) {
		if question != "proceed?" {
			return "", errors.New("wrong question: " + question)
		}
		enqueuedDuringAsk <- queue.Enqueue("while suspended", nil, false)
		return "yes", nil
	}

	queue = newTestQueue(t, client, events, sess, askUser)
	queue.Enqueue("start", nil, false)
	events.waitDrained(t)

	select {
	case <-enqueuedDuringAsk:
	default:
		t.Fatal("enqueue during ask_user suspension never returned")
	}
	events.mutex.Lock()
	defer events.mutex.Unlock()
	if len(events.completed) != 2 {
		t.Fatalf("completed = %v, want both turns", events.completed)
	}

	history := sess.History()
	var answered bool
	for _, message := range history {
		if message.Role == llm.RoleTool && message.Content == "yes" {
			answered = true
		}
	}
	if !answered {
		t.Fatalf("ask_user answer missing from history: %+v", history)
	}
}
