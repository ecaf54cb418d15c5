// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/jsonc"
)

// Static is a Catalog backed by a fixed list of tools, typically
// loaded once at startup from a JSONC file.
type Static struct {
	tools []Tool
	byID  map[string]Tool
}

// NewStatic builds a Static catalog from records. Tool ids must be
// unique, underscore-free, and every declared parameter type valid.
func NewStatic(tools []Tool) (*Static, error) {
	static := &Static{
		tools: tools,
		byID:  make(map[string]Tool, len(tools)),
	}
	for _, tool := range tools {
		if tool.ID == "" {
			return nil, fmt.Errorf("catalog: tool with empty id")
		}
		if strings.Contains(tool.ID, "_") {
			return nil, fmt.Errorf("catalog: tool id %q contains underscore, which is reserved for the action delimiter", tool.ID)
		}
		if _, exists := static.byID[tool.ID]; exists {
			return nil, fmt.Errorf("catalog: duplicate tool id %q", tool.ID)
		}
		if len(tool.Actions) == 0 {
			return nil, fmt.Errorf("catalog: tool %q has no actions", tool.ID)
		}
		seen := make(map[string]bool, len(tool.Actions))
		for _, action := range tool.Actions {
			if action.Name == "" {
				return nil, fmt.Errorf("catalog: tool %q has an action with empty name", tool.ID)
			}
			if seen[action.Name] {
				return nil, fmt.Errorf("catalog: tool %q has duplicate action %q", tool.ID, action.Name)
			}
			seen[action.Name] = true
			for _, param := range action.Params {
				if !param.Type.valid() {
					return nil, fmt.Errorf("catalog: tool %q action %q parameter %q has invalid type %q",
						tool.ID, action.Name, param.Name, param.Type)
				}
			}
		}
		static.byID[tool.ID] = tool
	}
	return static, nil
}

// catalogFile is the top-level shape of a catalog JSONC file.
type catalogFile struct {
	Tools []Tool `json:"tools"`
}

// LoadFile reads a catalog from a JSONC file. Comments and trailing
// commas are permitted.
func LoadFile(path string) (*Static, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a catalog from JSONC bytes.
func Parse(raw []byte) (*Static, error) {
	var file catalogFile
	if err := json.Unmarshal(jsonc.ToJSON(raw), &file); err != nil {
		return nil, fmt.Errorf("catalog: parsing catalog: %w", err)
	}
	return NewStatic(file.Tools)
}

// Tools returns every record in declaration order.
func (static *Static) Tools() []Tool {
	return static.tools
}

// Lookup returns the record for a tool id.
func (static *Static) Lookup(id string) (Tool, bool) {
	tool, ok := static.byID[id]
	return tool, ok
}
