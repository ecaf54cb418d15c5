// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/emberchat/ember/lib/queue"
)

// askRequest carries an ask_user question to the input loop; the next
// line the user types answers it.
type askRequest struct {
	question string
	reply    chan string
}

// repl owns stdin: the main loop reads lines and either answers a
// pending ask_user question, runs a /command, or enqueues a turn.
type repl struct {
	in      *bufio.Reader
	out     io.Writer
	printer *printer
	pending chan askRequest
	isTTY   bool
}

func newREPL(in *os.File, out io.Writer, printer *printer) *repl {
	return &repl{
		in:      bufio.NewReader(in),
		out:     out,
		printer: printer,
		pending: make(chan askRequest, 1),
		isTTY:   term.IsTerminal(int(in.Fd())),
	}
}

// askUser implements toolcall.AskUserFunc. It prints the question and
// waits for the input loop to relay the user's next line.
func (repl *repl) askUser(ctx context.Context, question string) (string, error) {
	repl.printer.statusLine("? " + question)
	request := askRequest{question: question, reply: make(chan string, 1)}
	select {
	case repl.pending <- request:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case answer := <-request.reply:
		return answer, nil
	case <-ctx.Done():
		// Drain our own request so a cancelled question cannot eat
		// the next typed line.
		select {
		case <-repl.pending:
		default:
		}
		return "", ctx.Err()
	}
}

// loop runs until /quit, EOF, or context cancellation.
func (repl *repl) loop(ctx context.Context, turns *queue.Queue, planMode bool) error {
	if repl.isTTY {
		repl.printer.statusLine("ember ready — /help for commands")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		repl.prompt(planMode)
		line, err := repl.in.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// A pending ask_user question claims the line.
		select {
		case request := <-repl.pending:
			request.reply <- line
			continue
		default:
		}

		if strings.HasPrefix(line, "/") {
			quit := repl.command(ctx, turns, line, &planMode)
			if quit {
				return nil
			}
			continue
		}

		content, files := splitFileRefs(line)
		turns.Enqueue(content, files, planMode)
	}
}

func (repl *repl) prompt(planMode bool) {
	if !repl.isTTY {
		return
	}
	if planMode {
		fmt.Fprint(repl.out, "plan> ")
		return
	}
	fmt.Fprint(repl.out, "> ")
}

// command handles /slash commands; returns true to quit.
func (repl *repl) command(ctx context.Context, turns *queue.Queue, line string, planMode *bool) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		turns.Stop()
		return true
	case "/stop":
		turns.Stop()
	case "/plan":
		*planMode = !*planMode
		repl.printer.statusLine(fmt.Sprintf("plan mode: %v", *planMode))
	case "/tokens":
		usage := turns.TokenUsage()
		repl.printer.statusLine(fmt.Sprintf("tokens: %d used / %d window (%.1f%%), %d available",
			usage.Used, usage.ContextWindow, usage.UsagePercent, usage.Available))
	case "/compact":
		if err := turns.Compact(ctx); err != nil {
			repl.printer.statusLine("compact failed: " + err.Error())
		} else {
			repl.printer.statusLine("session compacted")
		}
	case "/partial":
		if partial := turns.PartialResponse(); partial != "" {
			fmt.Fprintln(repl.out, partial)
		} else {
			repl.printer.statusLine("no partial response")
		}
	case "/help":
		repl.printer.statusLine("commands: /stop /plan /tokens /compact /partial /quit — @path attaches a file")
	default:
		repl.printer.statusLine("unknown command; /help lists commands")
	}
	return false
}

// splitFileRefs pulls @path tokens that name readable files out of the
// message; everything else stays as content.
func splitFileRefs(line string) (content string, files []string) {
	var words []string
	for _, word := range strings.Fields(line) {
		if path, ok := strings.CutPrefix(word, "@"); ok && path != "" {
			if _, err := os.Stat(path); err == nil {
				files = append(files, path)
				continue
			}
		}
		words = append(words, word)
	}
	return strings.Join(words, " "), files
}
