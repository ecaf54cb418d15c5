// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"

	"github.com/emberchat/ember/lib/catalog"
	"github.com/emberchat/ember/lib/toolcall"
)

// subprocessExecutor runs catalog tools as subprocesses: the tool id
// is the binary, the action is the first argument (omitted for the
// default action), and call arguments become sorted --key=value flags.
type subprocessExecutor struct {
	logger *slog.Logger
}

func newSubprocessExecutor(logger *slog.Logger) *subprocessExecutor {
	return &subprocessExecutor{logger: logger}
}

func (executor *subprocessExecutor) Execute(ctx context.Context, tool catalog.Tool, action string, args map[string]any) (toolcall.ExecResult, error) {
	argv := make([]string, 0, len(args)+1)
	if action != catalog.DefaultAction {
		argv = append(argv, action)
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		argv = append(argv, fmt.Sprintf("--%s=%s", name, formatArg(args[name])))
	}

	executor.logger.Debug("executing tool", "binary", tool.ID, "args", argv)

	command := exec.CommandContext(ctx, tool.ID, argv...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	err := command.Run()
	result := toolcall.ExecResult{
		Success: err == nil,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}
	if exitError, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitError.ExitCode()
		return result, nil
	}
	if err != nil {
		// Binary missing or not executable: report through the error
		// return so the handler formats it for the model.
		return toolcall.ExecResult{}, fmt.Errorf("running %s: %w", tool.ID, err)
	}
	return result, nil
}

func formatArg(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case bool:
		if typed {
			return "true"
		}
		return "false"
	case float64:
		// Trim the decimal for whole numbers so flags read naturally.
		if typed == float64(int64(typed)) {
			return fmt.Sprintf("%d", int64(typed))
		}
		return fmt.Sprintf("%g", typed)
	default:
		return fmt.Sprintf("%v", typed)
	}
}
