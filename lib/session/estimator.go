// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package session

import "github.com/emberchat/ember/lib/llm"

// defaultCharactersPerToken is the initial ratio before calibration.
// 4.0 is conservative for English text with code — BPE tokenizers
// typically average 3.5-4.5 characters per token. Conservative means
// we overestimate token counts, which triggers compaction slightly
// early rather than risking context overflow from the provider.
const defaultCharactersPerToken = 4.0

// defaultSmoothingFactor controls how quickly the ratio adapts to new
// observations: 30% weight on the new observation, 70% on the running
// average.
const defaultSmoothingFactor = 0.3

// messageOverheadChars is the fixed per-message character cost for
// role markers and JSON framing.
const messageOverheadChars = 20

// Estimator estimates token counts from character counts using an
// adaptive ratio calibrated over time from actual provider usage.
//
// The initial ratio is replaced entirely by the first real
// observation — a single data point is far more informative than any
// default. Subsequent observations blend via exponential moving
// average to smooth out variation between turns with different
// content profiles (prose vs JSON-heavy tool output).
type Estimator struct {
	charactersPerToken float64
	smoothingFactor    float64
	observationCount   int
}

// NewEstimator creates an Estimator with the default initial ratio of
// 4.0 characters per token.
func NewEstimator() *Estimator {
	return &Estimator{
		charactersPerToken: defaultCharactersPerToken,
		smoothingFactor:    defaultSmoothingFactor,
	}
}

// EstimateText returns the estimated token count for a piece of text.
// Always rounds up — better to overestimate than underestimate.
func (estimator *Estimator) EstimateText(text string) int {
	return estimator.estimateChars(len(text))
}

// EstimateMessage returns the estimated token count for one message,
// including tool calls and framing overhead.
func (estimator *Estimator) EstimateMessage(message llm.Message) int {
	return estimator.estimateChars(messageCharCount(message))
}

func (estimator *Estimator) estimateChars(characters int) int {
	if characters == 0 {
		return 0
	}
	return int(float64(characters)/estimator.charactersPerToken) + 1
}

// RecordUsage updates the calibration from an actual prompt token
// count reported by the provider. The characters parameter is the
// character count of exactly what was sent.
func (estimator *Estimator) RecordUsage(characters int, actualPromptTokens int64) {
	if actualPromptTokens <= 0 || characters == 0 {
		return
	}

	observedRatio := float64(characters) / float64(actualPromptTokens)

	estimator.observationCount++
	if estimator.observationCount == 1 {
		estimator.charactersPerToken = observedRatio
		return
	}
	estimator.charactersPerToken = estimator.smoothingFactor*observedRatio +
		(1.0-estimator.smoothingFactor)*estimator.charactersPerToken
}

// Calibration exposes the adaptive state for session snapshots.
func (estimator *Estimator) Calibration() (charactersPerToken float64, observations int) {
	return estimator.charactersPerToken, estimator.observationCount
}

// RestoreCalibration reinstates calibration state from a snapshot.
// Non-positive ratios are ignored.
func (estimator *Estimator) RestoreCalibration(charactersPerToken float64, observations int) {
	if charactersPerToken > 0 {
		estimator.charactersPerToken = charactersPerToken
		estimator.observationCount = observations
	}
}

// messageCharCount returns the character count of a message as the
// provider sees it: content, tool calls, and the tool-result
// back-reference, plus fixed framing overhead. DisplayContent and
// ReasoningContent are excluded — neither is sent on the wire.
func messageCharCount(message llm.Message) int {
	count := len(message.Content) + len(message.ToolCallID)
	for _, call := range message.ToolCalls {
		count += len(call.ID) + len(call.Name) + len(call.Arguments)
	}
	return count + messageOverheadChars
}
