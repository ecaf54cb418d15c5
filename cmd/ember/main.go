// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// ember is a terminal client for OpenAI-compatible chat models with
// tool calling: it streams responses, runs catalog tools as
// subprocesses, manages the context window with automatic compaction,
// and persists sessions locally.
//
// Configuration comes from a YAML file named by EMBER_CONFIG or
// --config; the API key comes from the environment variable the
// config names.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/emberchat/ember/lib/catalog"
	"github.com/emberchat/ember/lib/config"
	"github.com/emberchat/ember/lib/llm"
	"github.com/emberchat/ember/lib/queue"
	"github.com/emberchat/ember/lib/session"
	"github.com/emberchat/ember/lib/sessionstore"
	"github.com/emberchat/ember/lib/toolcall"
	"github.com/emberchat/ember/lib/toolmask"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "ember:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "config file (overrides EMBER_CONFIG)")
	sessionID := pflag.String("session", "default", "session id to resume or create")
	planMode := pflag.Bool("plan", false, "start in plan mode")
	model := pflag.String("model", "", "override the configured model")
	verbose := pflag.Bool("verbose", false, "debug logging")
	pflag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *model != "" {
		cfg.Provider.Model = *model
	}
	apiKey, err := cfg.APIKey()
	if err != nil {
		return err
	}

	tools, err := catalog.LoadFile(cfg.Tools.CatalogPath)
	if err != nil {
		return err
	}
	definitions, err := catalog.Definitions(tools)
	if err != nil {
		return err
	}

	store, err := sessionstore.Open(cfg.StorePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sess, err := restoreSession(ctx, store, cfg, *sessionID, logger)
	if err != nil {
		return err
	}

	client := llm.NewClient(llm.ClientConfig{
		BaseURL:            cfg.Provider.BaseURL,
		APIKey:             apiKey,
		SupportsToolChoice: cfg.Provider.SupportsToolChoice,
		MaxRetries:         cfg.Provider.MaxRetries,
		ConnectTimeout:     cfg.ConnectTimeout(),
		ActivityTimeout:    cfg.ActivityTimeout(),
		Logger:             logger,
	})

	builder := toolmask.NewBuilder(toolmask.Config{
		Catalog:            tools,
		PlanTool:           cfg.Tools.PlanTool,
		CoreTools:          cfg.Tools.CoreTools,
		ProjectTools:       cfg.Tools.ProjectTypes,
		Keywords:           mergedKeywords(cfg.Tools.Keywords),
		SupportsToolChoice: cfg.Provider.SupportsToolChoice,
	})

	printer := newPrinter(os.Stdout)
	terminal := newREPL(os.Stdin, os.Stdout, printer)

	turns := queue.New(queue.Config{
		Client:      client,
		Session:     sess,
		MaskBuilder: builder,
		Handler:     toolcall.NewHandler(tools, newSubprocessExecutor(logger), logger),
		Definitions: definitions,
		Events:      printer,
		OnAskUser:   terminal.askUser,
		Model:       cfg.Provider.Model,
		MaxTokens:   cfg.Provider.MaxTokens,
		Temperature: cfg.Provider.Temperature,
		ProjectType: detectProjectType(),
		MaxRounds:   cfg.Session.MaxRounds,
		Logger:      logger,
	})

	if err := terminal.loop(ctx, turns, *planMode); err != nil {
		return err
	}

	snapshot, err := sess.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshotting session: %w", err)
	}
	if err := store.Save(context.Background(), *sessionID, snapshot); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	logger.Info("session saved", "session", *sessionID)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// restoreSession loads and repairs the stored session, or starts
// fresh when none exists.
func restoreSession(ctx context.Context, store *sessionstore.Store, cfg *config.Config, sessionID string, logger *slog.Logger) (*session.Session, error) {
	sess := session.New(session.Config{
		ContextWindow:    cfg.Session.ContextWindow,
		ReserveRatio:     cfg.Session.ReserveRatio,
		CompactThreshold: cfg.Session.CompactThreshold,
	})

	snapshot, err := store.Load(ctx, sessionID)
	if err == sessionstore.ErrNotFound {
		return sess, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", sessionID, err)
	}
	if err := sess.RestoreSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("restoring session %s: %w", sessionID, err)
	}
	if repaired := sess.Repair(); repaired > 0 {
		logger.Warn("repaired broken tool pairings in stored session",
			"session", sessionID, "repaired", repaired)
	}
	logger.Info("session restored", "session", sessionID, "messages", sess.Len())
	return sess, nil
}

func mergedKeywords(extra map[string][]string) map[string][]string {
	keywords := toolmask.DefaultKeywords()
	for tool, words := range extra {
		keywords[tool] = append(keywords[tool], words...)
	}
	return keywords
}

// detectProjectType sniffs the working directory for well-known
// project markers.
func detectProjectType() string {
	markers := []struct {
		file, projectType string
	}{
		{"go.mod", "go"},
		{"package.json", "node"},
		{"pyproject.toml", "python"},
		{"requirements.txt", "python"},
		{"Cargo.toml", "rust"},
	}
	for _, marker := range markers {
		if _, err := os.Stat(marker.file); err == nil {
			return marker.projectType
		}
	}
	return ""
}
