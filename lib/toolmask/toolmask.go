// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package toolmask computes which tool ids the model may invoke on a
// given turn. The mask gates invocation without mutating the tool
// schema: the schema stays byte-stable for provider-side prompt
// caching, and disallowed calls are rejected after the fact as
// tool-result errors the model can recover from. Client-side schema
// filtering is the fallback for providers that cannot force a tool
// structurally.
package toolmask

import (
	"runtime"
	"sort"
	"strings"

	"github.com/emberchat/ember/lib/catalog"
	"github.com/emberchat/ember/lib/llm"
)

// Mode selects the masking strategy for a turn.
type Mode string

const (
	// ModeAction is the normal working mode: core tools plus
	// contextual matches.
	ModeAction Mode = "action"

	// ModePlan restricts the model to the plan-editing tool.
	ModePlan Mode = "plan"
)

// Mask is the per-turn visibility decision. Rebuilt every turn from
// current mode, project type, and the user's raw input; never
// persisted.
type Mask struct {
	Mode    Mode
	Allowed map[string]bool

	// RequiredTool forces the model to call this tool structurally.
	// Only set in plan mode when the provider supports tool_choice.
	RequiredTool string

	// UseDynamicFiltering asks the caller to filter the fixed schema
	// client-side before sending. Set in plan mode when structural
	// forcing is unavailable.
	UseDynamicFiltering bool
}

// Allows reports whether the model may invoke a tool id this turn.
func (mask Mask) Allows(toolID string) bool {
	return mask.Allowed[toolID]
}

// AllowedList returns the allowed tool ids sorted, for rejection
// messages.
func (mask Mask) AllowedList() []string {
	list := make([]string, 0, len(mask.Allowed))
	for id := range mask.Allowed {
		list = append(list, id)
	}
	sort.Strings(list)
	return list
}

// Config holds the static inputs to a Builder.
type Config struct {
	// Catalog supplies the installed/available state per tool.
	Catalog catalog.Catalog

	// PlanTool is the tool id plan mode restricts to.
	PlanTool string

	// CoreTools are always visible in action mode.
	CoreTools []string

	// ShellTool overrides the platform shell tool id. Empty selects by
	// host OS: "powershell" on windows, "shell" elsewhere.
	ShellTool string

	// ProjectTools maps a detected project type to tool ids it
	// enables.
	ProjectTools map[string][]string

	// Keywords maps a tool id to trigger words scanned against the
	// user's raw input. Lists may mix languages.
	Keywords map[string][]string

	// SupportsToolChoice mirrors the provider capability and decides
	// between structural forcing and dynamic filtering in plan mode.
	SupportsToolChoice bool
}

// Builder computes per-turn masks. Safe for concurrent use; all state
// is fixed at construction.
type Builder struct {
	config    Config
	shellTool string
}

// NewBuilder creates a Builder. The platform shell tool is resolved
// once, at construction.
func NewBuilder(config Config) *Builder {
	shellTool := config.ShellTool
	if shellTool == "" {
		shellTool = platformShellTool(runtime.GOOS)
	}
	return &Builder{config: config, shellTool: shellTool}
}

func platformShellTool(goos string) string {
	if goos == "windows" {
		return "powershell"
	}
	return "shell"
}

// Build computes the mask for one turn. userInput is the user's raw
// text before any file inlining; projectType may be empty.
//
// Every candidate is intersected with the installed set: a keyword
// match on an uninstalled tool never adds it.
func (builder *Builder) Build(mode Mode, projectType, userInput string) Mask {
	if mode == ModePlan {
		return builder.buildPlanMask()
	}

	mask := Mask{Mode: ModeAction, Allowed: make(map[string]bool)}
	for _, id := range builder.config.CoreTools {
		builder.allowIfInstalled(&mask, id)
	}
	builder.allowIfInstalled(&mask, builder.shellTool)
	for _, id := range builder.config.ProjectTools[projectType] {
		builder.allowIfInstalled(&mask, id)
	}

	lowered := strings.ToLower(userInput)
	for id, words := range builder.config.Keywords {
		for _, word := range words {
			if word != "" && strings.Contains(lowered, strings.ToLower(word)) {
				builder.allowIfInstalled(&mask, id)
				break
			}
		}
	}
	return mask
}

func (builder *Builder) buildPlanMask() Mask {
	mask := Mask{Mode: ModePlan, Allowed: make(map[string]bool)}
	builder.allowIfInstalled(&mask, builder.config.PlanTool)
	if builder.config.SupportsToolChoice {
		mask.RequiredTool = builder.config.PlanTool
	} else {
		mask.UseDynamicFiltering = true
	}
	return mask
}

func (builder *Builder) allowIfInstalled(mask *Mask, toolID string) {
	if toolID == "" {
		return
	}
	tool, ok := builder.config.Catalog.Lookup(toolID)
	if ok && tool.Installed {
		mask.Allowed[toolID] = true
	}
}

// FilterDefinitions returns the subset of the fixed schema whose tool
// id the mask allows. Used only when UseDynamicFiltering; otherwise
// the full schema goes out untouched and the mask is enforced on the
// way back.
func FilterDefinitions(definitions []llm.ToolDefinition, mask Mask) []llm.ToolDefinition {
	var filtered []llm.ToolDefinition
	for _, definition := range definitions {
		toolID, _, _ := strings.Cut(definition.Name, "_")
		if mask.Allows(toolID) {
			filtered = append(filtered, definition)
		}
	}
	return filtered
}

// DefaultKeywords is a starter trigger table: per-tool word lists in
// English plus common localized equivalents. Callers typically extend
// it from configuration.
func DefaultKeywords() map[string][]string {
	return map[string][]string{
		"git":    {"git", "commit", "branch", "merge", "rebase", "提交", "分支"},
		"docker": {"docker", "container", "image", "容器", "镜像"},
		"python": {"python", "pip", "pytest", "virtualenv"},
		"node":   {"node", "npm", "yarn", "package.json"},
		"file":   {"file", "read", "write", "文件"},
	}
}
