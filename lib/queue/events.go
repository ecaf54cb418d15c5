// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package queue

import "github.com/emberchat/ember/lib/llm"

// StreamContent is the accumulated assistant output for one turn,
// across all of its rounds.
type StreamContent struct {
	Content   string
	Reasoning string
}

// Events receives turn lifecycle notifications, purely for rendering.
// Implementations must be fast or hand off to their own goroutine; the
// queue calls them inline from the processing loop. The queue never
// depends on their behavior.
type Events interface {
	// TurnStarted fires when a dequeued message begins processing.
	TurnStarted(id string)

	// StreamStarted fires before the first model round of a turn.
	StreamStarted(id string)

	// StreamChunk fires for every chunk received, terminal included.
	StreamChunk(id string, chunk llm.StreamChunk)

	// StreamEnded fires after the final round with the accumulated
	// content.
	StreamEnded(id string, content StreamContent)

	// TurnCompleted fires when a turn finishes successfully.
	TurnCompleted(id string)

	// TurnFailed fires when a turn errors; the queue proceeds to the
	// next turn.
	TurnFailed(id string, err error)

	// Stopped fires after Stop() takes effect: discarded is the count
	// of never-started messages thrown away, partial is any assistant
	// text the cancelled round produced.
	Stopped(discarded int, partial string)

	// QueueDrained fires when the queue returns to idle.
	QueueDrained()
}

// NoopEvents ignores every notification. Embed it to implement only
// the events you care about.
type NoopEvents struct{}

func (NoopEvents) TurnStarted(string)                  {}
func (NoopEvents) StreamStarted(string)                {}
func (NoopEvents) StreamChunk(string, llm.StreamChunk) {}
func (NoopEvents) StreamEnded(string, StreamContent)   {}
func (NoopEvents) TurnCompleted(string)                {}
func (NoopEvents) TurnFailed(string, error)            {}
func (NoopEvents) Stopped(int, string)                 {}
func (NoopEvents) QueueDrained()                       {}
