// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/emberchat/ember/lib/llm"
	"github.com/emberchat/ember/lib/queue"
)

// printer renders queue events to the terminal. It implements
// queue.Events; chunk content streams straight through, everything
// else gets a styled status line.
type printer struct {
	mutex sync.Mutex
	out   io.Writer

	reasoning    lipgloss.Style
	status       lipgloss.Style
	errorStyle   lipgloss.Style
	inReasoning  bool
	wroteContent bool
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:        out,
		reasoning:  lipgloss.NewStyle().Faint(true).Italic(true),
		status:     lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
		errorStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
	}
}

func (printer *printer) TurnStarted(id string) {}

func (printer *printer) StreamStarted(id string) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	printer.inReasoning = false
	printer.wroteContent = false
}

func (printer *printer) StreamChunk(id string, chunk llm.StreamChunk) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	if chunk.ReasoningDelta != "" {
		printer.inReasoning = true
		fmt.Fprint(printer.out, printer.reasoning.Render(chunk.ReasoningDelta))
	}
	if chunk.ContentDelta != "" {
		if printer.inReasoning {
			fmt.Fprintln(printer.out)
			printer.inReasoning = false
		}
		printer.wroteContent = true
		fmt.Fprint(printer.out, chunk.ContentDelta)
	}
	for _, call := range chunk.ToolCalls {
		fmt.Fprintln(printer.out)
		fmt.Fprintln(printer.out, printer.status.Render("→ "+call.Name))
	}
}

func (printer *printer) StreamEnded(id string, content queue.StreamContent) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	if printer.wroteContent || printer.inReasoning {
		fmt.Fprintln(printer.out)
	}
}

func (printer *printer) TurnCompleted(id string) {}

func (printer *printer) TurnFailed(id string, err error) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	fmt.Fprintln(printer.out, printer.errorStyle.Render("error: "+err.Error()))
}

func (printer *printer) Stopped(discarded int, partial string) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	message := "stopped"
	if discarded > 0 {
		message = fmt.Sprintf("stopped (%d queued message(s) discarded)", discarded)
	}
	fmt.Fprintln(printer.out, printer.status.Render(message))
	if partial != "" {
		fmt.Fprintln(printer.out, printer.status.Render("partial response retained; /partial to view"))
	}
}

func (printer *printer) QueueDrained() {}

// statusLine prints a one-off styled line outside the event flow.
func (printer *printer) statusLine(text string) {
	printer.mutex.Lock()
	defer printer.mutex.Unlock()
	fmt.Fprintln(printer.out, printer.status.Render(text))
}
