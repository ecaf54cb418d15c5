// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/emberchat/ember/lib/llm"
)

// SummaryPrefix marks the assistant message a compaction leaves
// behind. Messages starting with it never count toward the
// two-message guard in [Session.ShouldCompact], so a fresh compaction
// cannot immediately re-trigger.
const SummaryPrefix = "[Previous conversation summary]"

// defaultCompactThreshold is the projected usage fraction at which
// compaction is recommended.
const defaultCompactThreshold = 0.85

// Config holds the parameters for constructing a [Session]. All
// configuration is explicit — the session reads no globals.
type Config struct {
	// ContextWindow is the model's total context window in tokens.
	ContextWindow int

	// ReserveRatio is the fraction of the context window withheld
	// from AvailableTokens. Default 0: the compaction threshold
	// already provides headroom.
	ReserveRatio float64

	// CompactThreshold is the projected-usage fraction at which
	// ShouldCompact recommends compaction. Default 0.85.
	CompactThreshold float64

	// Estimator supplies heuristic token counts. A fresh estimator is
	// created when nil.
	Estimator *Estimator
}

// entry wraps a message with its token accounting. Owned exclusively
// by Session; never shared.
type entry struct {
	message  llm.Message
	tokens   int
	isActual bool
	addedAt  time.Time
}

// Session is the ordered conversation history plus token accounting
// for one conversation. Create one per conversation; a compaction
// collapses its history in place.
type Session struct {
	estimator        *Estimator
	contextWindow    int
	reserveRatio     float64
	compactThreshold float64

	system  *entry
	entries []entry

	// toolTokens is the estimated token cost of the tool schema,
	// refreshed before each request via SetToolTokens.
	toolTokens int

	// Cumulative provider-reported totals. Each usage report
	// overwrites them wholesale (provider usage figures are
	// cumulative for the request, which includes all prior history).
	actualPromptTokens     int64
	actualCompletionTokens int64
	hasActualUsage         bool
}

// New creates a Session from config.
func New(config Config) *Session {
	estimator := config.Estimator
	if estimator == nil {
		estimator = NewEstimator()
	}
	threshold := config.CompactThreshold
	if threshold == 0 {
		threshold = defaultCompactThreshold
	}
	return &Session{
		estimator:        estimator,
		contextWindow:    config.ContextWindow,
		reserveRatio:     config.ReserveRatio,
		compactThreshold: threshold,
	}
}

// SetSystemPrompt replaces the fixed system message. It does not
// count toward conversational history.
func (session *Session) SetSystemPrompt(text string) {
	if text == "" {
		session.system = nil
		return
	}
	message := llm.Message{Role: llm.RoleSystem, Content: text}
	session.system = &entry{
		message: message,
		tokens:  session.estimator.EstimateMessage(message),
		addedAt: time.Now(),
	}
}

// SetToolTokens records the estimated token cost of the tool schema
// for the next request. Refreshed per request because the schema can
// change with the tool mask.
func (session *Session) SetToolTokens(tokens int) {
	session.toolTokens = tokens
}

// AddUserMessage appends a user message. displayContent preserves the
// user's original text when content was augmented with file payloads;
// pass "" when they are the same.
func (session *Session) AddUserMessage(content, displayContent string) {
	session.append(llm.Message{
		Role:           llm.RoleUser,
		Content:        content,
		DisplayContent: displayContent,
	}, nil)
}

// AddAssistantMessage appends an assistant message. When the provider
// reported usage for the round that produced it, the cumulative
// actual counters are overwritten wholesale and the estimator is
// recalibrated.
func (session *Session) AddAssistantMessage(message llm.Message, usage *llm.Usage) {
	message.Role = llm.RoleAssistant
	session.append(message, usage)
}

// AddToolMessage appends a tool-result message.
func (session *Session) AddToolMessage(message llm.Message) {
	message.Role = llm.RoleTool
	session.append(message, nil)
}

func (session *Session) append(message llm.Message, usage *llm.Usage) {
	newEntry := entry{
		message: message,
		tokens:  session.estimator.EstimateMessage(message),
		addedAt: time.Now(),
	}

	if usage != nil {
		session.actualPromptTokens = usage.PromptTokens
		session.actualCompletionTokens = usage.CompletionTokens
		session.hasActualUsage = true
		newEntry.isActual = true
		newEntry.tokens = int(usage.CompletionTokens)
		session.estimator.RecordUsage(session.historyCharCount(), usage.PromptTokens)
	}

	session.entries = append(session.entries, newEntry)
}

// historyCharCount is the character count of everything sent to the
// provider: system prompt plus all messages.
func (session *Session) historyCharCount() int {
	count := 0
	if session.system != nil {
		count += messageCharCount(session.system.message)
	}
	for i := range session.entries {
		count += messageCharCount(session.entries[i].message)
	}
	return count
}

// UsedTokens returns the best available count of consumed context
// tokens: the cumulative provider-reported total once any usage has
// been recorded, else the sum of heuristic estimates (tool schema +
// system prompt + messages).
func (session *Session) UsedTokens() int {
	if session.hasActualUsage {
		return int(session.actualPromptTokens + session.actualCompletionTokens)
	}
	used := session.toolTokens
	if session.system != nil {
		used += session.system.tokens
	}
	for i := range session.entries {
		used += session.entries[i].tokens
	}
	return used
}

// AvailableTokens returns contextWindow − used − reserved, floored at
// zero. reserved = contextWindow × ReserveRatio.
func (session *Session) AvailableTokens() int {
	reserved := int(float64(session.contextWindow) * session.reserveRatio)
	available := session.contextWindow - session.UsedTokens() - reserved
	if available < 0 {
		return 0
	}
	return available
}

// ContextWindow returns the configured context window size.
func (session *Session) ContextWindow() int {
	return session.contextWindow
}

// EstimateText estimates the token cost of text with the session's
// calibrated estimator.
func (session *Session) EstimateText(text string) int {
	return session.estimator.EstimateText(text)
}

// CompactCheck is the result of [Session.ShouldCompact].
type CompactCheck struct {
	// ShouldCompact recommends compacting before sending.
	ShouldCompact bool

	// UsagePercent is current usage as a percentage of the window.
	UsagePercent float64

	// ProjectedPercent includes the estimated new tokens.
	ProjectedPercent float64

	// ContextFull means the projected request cannot fit at all; the
	// turn must be aborted before any network call.
	ContextFull bool
}

// ShouldCompact reports whether appending an estimated number of new
// tokens should trigger compaction first. Compaction is recommended
// only when projected usage crosses the threshold AND at least two
// non-summary messages exist — the guard prevents false triggers on
// the very first large message and re-triggering immediately after a
// compaction.
func (session *Session) ShouldCompact(estimatedNewTokens int) CompactCheck {
	used := session.UsedTokens()
	projected := used + estimatedNewTokens

	check := CompactCheck{
		UsagePercent:     percentOf(used, session.contextWindow),
		ProjectedPercent: percentOf(projected, session.contextWindow),
	}
	check.ContextFull = check.ProjectedPercent >= 100

	nonSummary := 0
	for i := range session.entries {
		if !isSummary(session.entries[i].message) {
			nonSummary++
		}
	}
	check.ShouldCompact = check.ProjectedPercent >= session.compactThreshold*100 && nonSummary >= 2
	return check
}

func percentOf(tokens, window int) float64 {
	if window <= 0 {
		return 0
	}
	return float64(tokens) / float64(window) * 100
}

func isSummary(message llm.Message) bool {
	return message.Role == llm.RoleAssistant && strings.HasPrefix(message.Content, SummaryPrefix)
}

// CompactWith destructively replaces the entire message list with a
// single summary message. Actual-token counters are zeroed: accounting
// reverts to heuristic until the next real usage report.
func (session *Session) CompactWith(summary string) {
	message := llm.Message{
		Role:    llm.RoleAssistant,
		Content: SummaryPrefix + "\n" + summary,
	}
	session.entries = []entry{{
		message: message,
		tokens:  session.estimator.EstimateMessage(message),
		addedAt: time.Now(),
	}}
	session.resetActualCounters()
}

func (session *Session) resetActualCounters() {
	session.actualPromptTokens = 0
	session.actualCompletionTokens = 0
	session.hasActualUsage = false
}

// Checkpoint is a point-in-time snapshot sufficient to undo one
// round's appends. Created at round start, discarded after success,
// consumed by [Session.Rollback] on failure or cancellation.
type Checkpoint struct {
	messageCount           int
	actualPromptTokens     int64
	actualCompletionTokens int64
	hasActualUsage         bool
}

// Checkpoint captures the current message count and actual-token
// counters.
func (session *Session) Checkpoint() Checkpoint {
	return Checkpoint{
		messageCount:           len(session.entries),
		actualPromptTokens:     session.actualPromptTokens,
		actualCompletionTokens: session.actualCompletionTokens,
		hasActualUsage:         session.hasActualUsage,
	}
}

// Rollback truncates the message list back to the checkpointed length
// and restores the token counters. Messages appended since the
// checkpoint are discarded.
func (session *Session) Rollback(checkpoint Checkpoint) {
	if checkpoint.messageCount <= len(session.entries) {
		session.entries = session.entries[:checkpoint.messageCount]
	}
	session.actualPromptTokens = checkpoint.actualPromptTokens
	session.actualCompletionTokens = checkpoint.actualCompletionTokens
	session.hasActualUsage = checkpoint.hasActualUsage
}

// History returns the conversational messages in order, excluding the
// system prompt.
func (session *Session) History() []llm.Message {
	history := make([]llm.Message, len(session.entries))
	for i := range session.entries {
		history[i] = session.entries[i].message
	}
	return history
}

// Messages returns what goes to the model next: the system prompt (if
// set) followed by the full history.
func (session *Session) Messages() []llm.Message {
	var messages []llm.Message
	if session.system != nil {
		messages = append(messages, session.system.message)
	}
	return append(messages, session.History()...)
}

// Len returns the number of conversational messages.
func (session *Session) Len() int {
	return len(session.entries)
}

// Violation describes one broken tool-call pairing found by
// [Session.Validate].
type Violation struct {
	// Index is the position of the offending message.
	Index int

	// Kind is "orphaned_tool_call" (assistant call with no matching
	// result) or "orphaned_tool_result" (tool result with no matching
	// preceding call).
	Kind string

	// ToolCallID is the unmatched id.
	ToolCallID string
}

func (violation Violation) String() string {
	return fmt.Sprintf("%s at message %d (id %s)", violation.Kind, violation.Index, violation.ToolCallID)
}

const (
	violationOrphanedToolCall   = "orphaned_tool_call"
	violationOrphanedToolResult = "orphaned_tool_result"
)

// Validate scans for orphaned tool calls and orphaned tool results.
// Never mutates. An empty result means the history is structurally
// sound.
func (session *Session) Validate() []Violation {
	var violations []Violation

	// Walk in order: an assistant message opens its call ids; a tool
	// message consumes exactly one. Results may only reference calls
	// from a preceding assistant message.
	open := make(map[string]int) // tool call id → assistant entry index
	for i := range session.entries {
		message := &session.entries[i].message
		switch message.Role {
		case llm.RoleAssistant:
			for _, call := range message.ToolCalls {
				open[call.ID] = i
			}
		case llm.RoleTool:
			if _, ok := open[message.ToolCallID]; ok {
				delete(open, message.ToolCallID)
			} else {
				violations = append(violations, Violation{
					Index:      i,
					Kind:       violationOrphanedToolResult,
					ToolCallID: message.ToolCallID,
				})
			}
		}
	}

	for id, index := range open {
		violations = append(violations, Violation{
			Index:      index,
			Kind:       violationOrphanedToolCall,
			ToolCallID: id,
		})
	}
	return violations
}

// Repair removes the violations Validate finds: unmatched tool calls
// are stripped from their assistant messages (the field disappears
// entirely when it empties) and orphaned tool-result messages are
// removed. Returns the number of repaired entries. Idempotent: a
// second call always reports zero.
//
// Actual-token counters are reset when anything was removed, since
// the counted history changed shape.
func (session *Session) Repair() int {
	violations := session.Validate()
	if len(violations) == 0 {
		return 0
	}

	orphanedCalls := make(map[string]bool)
	orphanedResults := make(map[int]bool)
	for _, violation := range violations {
		switch violation.Kind {
		case violationOrphanedToolCall:
			orphanedCalls[violation.ToolCallID] = true
		case violationOrphanedToolResult:
			orphanedResults[violation.Index] = true
		}
	}

	repaired := 0
	kept := session.entries[:0]
	for i := range session.entries {
		if orphanedResults[i] {
			repaired++
			continue
		}
		current := session.entries[i]
		if current.message.Role == llm.RoleAssistant && len(current.message.ToolCalls) > 0 {
			var calls []llm.ToolCall
			for _, call := range current.message.ToolCalls {
				if orphanedCalls[call.ID] {
					repaired++
					continue
				}
				calls = append(calls, call)
			}
			if len(calls) != len(current.message.ToolCalls) {
				current.message.ToolCalls = calls
				current.tokens = session.estimator.EstimateMessage(current.message)
				current.isActual = false
			}
		}
		kept = append(kept, current)
	}
	session.entries = kept

	if repaired > 0 {
		session.resetActualCounters()
	}
	return repaired
}
