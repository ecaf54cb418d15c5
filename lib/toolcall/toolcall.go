// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolcall resolves and executes model-issued tool calls.
//
// The handler's one hard contract: exactly one tool-result message per
// input call, in input order, correlated by tool call id. Every
// failure mode — unknown tool, not installed, bad arguments, masked
// out — becomes a tool-result error the model can read and correct on
// its next round; nothing here is fatal and no call is ever dropped.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/emberchat/ember/lib/catalog"
	"github.com/emberchat/ember/lib/llm"
	"github.com/emberchat/ember/lib/toolmask"
)

// AskUserToolName is the pseudo-tool intercepted before reaching the
// executor: it asks the human a question and returns their answer as
// the tool result.
const AskUserToolName = "ask_user"

// SplitName splits a wire name into tool id and action at the first
// underscore. A bare name maps to the default action.
func SplitName(name string) (toolID, action string) {
	toolID, action, found := strings.Cut(name, "_")
	if !found {
		return name, catalog.DefaultAction
	}
	return toolID, action
}

// ExecResult is what the execution collaborator reports for one call.
type ExecResult struct {
	Success  bool
	Stdout   string
	Stderr   string
	ExitCode int
	Err      string
}

// Executor runs a resolved tool action. Implementations may be
// asynchronous internally; the handler treats Execute as synchronous
// and cancels through ctx.
type Executor interface {
	Execute(ctx context.Context, tool catalog.Tool, action string, args map[string]any) (ExecResult, error)
}

// AskUserFunc resolves an ask_user call to the human's answer. It may
// block arbitrarily long; cancellation arrives through ctx.
type AskUserFunc func(ctx context.Context, question string) (string, error)

// Handler dispatches tool calls against a catalog and executor.
type Handler struct {
	catalog  catalog.Catalog
	executor Executor
	logger   *slog.Logger
}

// NewHandler creates a Handler. A nil logger discards.
func NewHandler(source catalog.Catalog, executor Executor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{catalog: source, executor: executor, logger: logger}
}

// pendingExec is a call that passed resolution and awaits the
// executor.
type pendingExec struct {
	index  int
	call   llm.ToolCall
	tool   catalog.Tool
	action string
	args   map[string]any
}

// HandleCalls processes one round's tool calls and returns exactly
// len(calls) tool-result messages in input order.
//
// Resolution and ask_user run sequentially in input order (ask_user is
// a human prompt; two at once would be chaos). Calls that reach the
// executor run concurrently, and their results are written back by
// index so the ordering contract holds regardless of completion order.
func (handler *Handler) HandleCalls(ctx context.Context, calls []llm.ToolCall, mask toolmask.Mask, onAskUser AskUserFunc) []llm.Message {
	results := make([]llm.Message, len(calls))
	var pending []pendingExec

	for i, call := range calls {
		// Intercept on the full wire name: SplitName would read
		// "ask_user" as tool "ask", action "user".
		if call.Name == AskUserToolName {
			results[i] = toolResult(call, handler.askUser(ctx, call, onAskUser))
			continue
		}
		toolID, action := SplitName(call.Name)
		logger := handler.logger.With("tool", toolID, "action", action, "call_id", call.ID)
		if !mask.Allows(toolID) {
			logger.Warn("tool call rejected by mask")
			results[i] = toolResult(call, fmt.Sprintf(
				"Error: tool %q is not available for this turn. Available tools: %s",
				toolID, strings.Join(mask.AllowedList(), ", ")))
			continue
		}
		tool, ok := handler.catalog.Lookup(toolID)
		if !ok {
			logger.Warn("unknown tool requested")
			results[i] = toolResult(call, fmt.Sprintf("Error: unknown tool %q", toolID))
			continue
		}
		if !tool.Installed {
			results[i] = toolResult(call, fmt.Sprintf(
				"Error: tool %q is not installed. %s", toolID, tool.InstallHint))
			continue
		}
		resolved, ok := tool.FindAction(action)
		if !ok {
			results[i] = toolResult(call, fmt.Sprintf(
				"Error: tool %q has no action %q. Available actions: %s",
				toolID, action, strings.Join(tool.ActionNames(), ", ")))
			continue
		}
		args, err := parseArguments(call.Arguments)
		if err != nil {
			results[i] = toolResult(call, fmt.Sprintf(
				"Error: arguments for %s are not valid JSON: %v", call.Name, err))
			continue
		}
		if err := catalog.ValidateArgs(resolved, args); err != nil {
			results[i] = toolResult(call, fmt.Sprintf(
				"Error: invalid arguments for %s: %v", call.Name, err))
			continue
		}
		pending = append(pending, pendingExec{index: i, call: call, tool: tool, action: action, args: args})
	}

	var group sync.WaitGroup
	for _, execution := range pending {
		group.Add(1)
		go func(execution pendingExec) {
			defer group.Done()
			results[execution.index] = toolResult(execution.call, handler.execute(ctx, execution))
		}(execution)
	}
	group.Wait()

	return results
}

func (handler *Handler) askUser(ctx context.Context, call llm.ToolCall, onAskUser AskUserFunc) string {
	if onAskUser == nil {
		return "Error: ask_user is not available in this environment"
	}
	args, err := parseArguments(call.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: arguments for ask_user are not valid JSON: %v", err)
	}
	question, _ := args["question"].(string)
	answer, err := onAskUser(ctx, question)
	if err != nil {
		return fmt.Sprintf("Error: no answer from user: %v", err)
	}
	return answer
}

func (handler *Handler) execute(ctx context.Context, execution pendingExec) string {
	result, err := handler.executor.Execute(ctx, execution.tool, execution.action, execution.args)
	if err != nil {
		handler.logger.Error("tool execution failed",
			"tool", execution.tool.ID, "action", execution.action, "error", err)
		return fmt.Sprintf("[%s:%s] execution failed: %v", execution.tool.ID, execution.action, err)
	}
	return formatExecResult(execution.tool.ID, execution.action, result)
}

// formatExecResult renders one execution outcome as the tool-result
// text the model reads.
func formatExecResult(toolID, action string, result ExecResult) string {
	var text strings.Builder
	fmt.Fprintf(&text, "[%s:%s]", toolID, action)
	if result.Success {
		text.WriteString(" ok")
	} else {
		fmt.Fprintf(&text, " failed (exit code %d)", result.ExitCode)
	}
	if result.Err != "" {
		fmt.Fprintf(&text, "\nerror: %s", result.Err)
	}
	if result.Stdout != "" {
		fmt.Fprintf(&text, "\nstdout:\n%s", result.Stdout)
	}
	if result.Stderr != "" {
		fmt.Fprintf(&text, "\nstderr:\n%s", result.Stderr)
	}
	return text.String()
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func toolResult(call llm.ToolCall, content string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
	}
}
