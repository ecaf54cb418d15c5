// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bufio"
	"io"
	"strings"
)

// SSEScanner reads the data payloads of Server-Sent Events from an
// [io.Reader]. The chat completions streaming protocol only uses the
// "data:" field — event types never appear — so the scanner exposes
// just the assembled data string per event.
//
// Events are delimited by blank lines. Multiple "data:" lines within
// one event are joined with newlines per the SSE specification.
// Comment lines (starting with ":") and other fields ("event:", "id:",
// "retry:") are ignored.
//
// Usage:
//
//	scanner := NewSSEScanner(reader)
//	for scanner.Next() {
//	    data := scanner.Data()
//	    // process data
//	}
//	if err := scanner.Err(); err != nil {
//	    // handle error
//	}
type SSEScanner struct {
	reader  *bufio.Reader
	current string
	err     error
}

// NewSSEScanner creates a scanner that reads SSE events from reader.
func NewSSEScanner(reader io.Reader) *SSEScanner {
	return &SSEScanner{
		reader: bufio.NewReaderSize(reader, 64*1024),
	}
}

// Next advances to the next event. Returns false when the stream ends
// (EOF) or an error occurs. After Next returns false, call [Err] to
// distinguish a clean EOF from an error.
func (scanner *SSEScanner) Next() bool {
	scanner.current = ""

	var dataLines []string
	hasData := false

	for {
		line, err := scanner.reader.ReadString('\n')

		// Partial last line: no trailing newline before EOF.
		if err != nil && line == "" {
			if err == io.EOF {
				if hasData {
					// Emit the final unterminated event, then report
					// EOF on the next call.
					scanner.current = strings.Join(dataLines, "\n")
					scanner.err = io.EOF
					return true
				}
				return false
			}
			scanner.err = err
			return false
		}

		line = strings.TrimRight(line, "\r\n")

		// Blank line = event boundary.
		if line == "" {
			if hasData {
				scanner.current = strings.Join(dataLines, "\n")
				return true
			}
			continue
		}

		// Comment lines start with ":".
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, hasColon := strings.Cut(line, ":")
		if hasColon {
			// Per spec: if the value starts with a space, remove
			// exactly one space.
			value = strings.TrimPrefix(value, " ")
		}

		if field == "data" {
			dataLines = append(dataLines, value)
			hasData = true
		}
		// All other fields are ignored: the chat completions stream
		// never sets event types, and "id"/"retry" have no use here.
	}
}

// Data returns the payload of the most recently parsed event. Only
// valid after [Next] returns true.
func (scanner *SSEScanner) Data() string {
	return scanner.current
}

// Err returns the first error encountered during scanning. Returns
// nil if scanning ended due to a clean EOF.
func (scanner *SSEScanner) Err() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}
