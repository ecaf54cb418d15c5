// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads Ember's configuration from a single YAML file
// named by the EMBER_CONFIG environment variable or the --config flag.
// There is no automatic discovery and environment variables do not
// override file values; the file is the single source of truth. The
// one exception is the API key, which is read from the environment
// variable the file names, so the secret itself never lives in the
// file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "EMBER_CONFIG"

// Config is the top-level Ember configuration.
type Config struct {
	// Provider configures the model endpoint.
	Provider ProviderConfig `yaml:"provider"`

	// Session configures context accounting and compaction.
	Session SessionConfig `yaml:"session"`

	// Tools configures the tool catalog and masking.
	Tools ToolsConfig `yaml:"tools"`

	// StorePath is the session database file.
	StorePath string `yaml:"store_path"`
}

// ProviderConfig configures the OpenAI-compatible endpoint.
type ProviderConfig struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// Model is the model identifier sent with every request.
	Model string `yaml:"model"`

	// MaxTokens caps the completion length per round.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature, when non-nil, is sent with every request.
	Temperature *float64 `yaml:"temperature,omitempty"`

	// SupportsToolChoice reports whether the provider honors a
	// structural tool_choice directive. Providers that ignore it get
	// the prefill fallback instead.
	SupportsToolChoice bool `yaml:"supports_tool_choice"`

	// ConnectTimeoutSeconds bounds the wait for a stream's first
	// byte. Default 30.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`

	// ActivityTimeoutSeconds bounds the gap between stream chunks.
	// Default 120.
	ActivityTimeoutSeconds int `yaml:"activity_timeout_seconds"`

	// MaxRetries is the non-streaming retry budget. Default 3.
	MaxRetries int `yaml:"max_retries"`
}

// SessionConfig configures context accounting.
type SessionConfig struct {
	// ContextWindow is the model's context size in tokens.
	ContextWindow int `yaml:"context_window"`

	// ReserveRatio withholds a fraction of the window from use.
	ReserveRatio float64 `yaml:"reserve_ratio"`

	// CompactThreshold is the projected-usage fraction that triggers
	// compaction. Default 0.85.
	CompactThreshold float64 `yaml:"compact_threshold"`

	// MaxRounds bounds the tool loop per turn. Default 24.
	MaxRounds int `yaml:"max_rounds"`
}

// ToolsConfig configures the catalog and mask builder.
type ToolsConfig struct {
	// CatalogPath is the tool catalog JSONC file.
	CatalogPath string `yaml:"catalog_path"`

	// PlanTool is the tool id plan mode restricts to.
	PlanTool string `yaml:"plan_tool"`

	// CoreTools are always visible in action mode.
	CoreTools []string `yaml:"core_tools"`

	// ProjectTypes maps a project type to the tool ids it enables.
	ProjectTypes map[string][]string `yaml:"project_types"`

	// Keywords extends the built-in keyword table: tool id to trigger
	// words.
	Keywords map[string][]string `yaml:"keywords"`
}

// Default returns the base configuration the file merges over. The
// file is still required; these exist so optional fields have working
// values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Provider: ProviderConfig{
			APIKeyEnv:              "EMBER_API_KEY",
			MaxTokens:              4096,
			ConnectTimeoutSeconds:  30,
			ActivityTimeoutSeconds: 120,
			MaxRetries:             3,
		},
		Session: SessionConfig{
			ContextWindow:    128000,
			CompactThreshold: 0.85,
			MaxRounds:        24,
		},
		Tools: ToolsConfig{
			PlanTool:  "plan",
			CoreTools: []string{"file"},
		},
		StorePath: filepath.Join(homeDir, ".local", "share", "ember", "sessions.db"),
	}
}

// Load reads the config file named by EMBER_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("config: %s not set; point it at your ember.yaml or pass --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields that have no workable zero value.
func (cfg *Config) Validate() error {
	if cfg.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if cfg.Provider.Model == "" {
		return fmt.Errorf("provider.model is required")
	}
	if cfg.Session.ContextWindow <= 0 {
		return fmt.Errorf("session.context_window must be positive")
	}
	if cfg.Session.CompactThreshold <= 0 || cfg.Session.CompactThreshold >= 1 {
		return fmt.Errorf("session.compact_threshold must be in (0, 1)")
	}
	if cfg.Session.ReserveRatio < 0 || cfg.Session.ReserveRatio >= 1 {
		return fmt.Errorf("session.reserve_ratio must be in [0, 1)")
	}
	if cfg.Tools.CatalogPath == "" {
		return fmt.Errorf("tools.catalog_path is required")
	}
	return nil
}

// APIKey resolves the API key from the configured environment
// variable.
func (cfg *Config) APIKey() (string, error) {
	key := os.Getenv(cfg.Provider.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("config: API key environment variable %s is empty", cfg.Provider.APIKeyEnv)
	}
	return key, nil
}

// ConnectTimeout returns the stream connect timeout as a duration.
func (cfg *Config) ConnectTimeout() time.Duration {
	return time.Duration(cfg.Provider.ConnectTimeoutSeconds) * time.Second
}

// ActivityTimeout returns the stream activity timeout as a duration.
func (cfg *Config) ActivityTimeout() time.Duration {
	return time.Duration(cfg.Provider.ActivityTimeoutSeconds) * time.Second
}
