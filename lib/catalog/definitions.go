// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/emberchat/ember/lib/llm"
)

// Definitions builds the wire tool list for a catalog: one definition
// per tool action, named {toolID}_{action}, with a generated JSON
// Schema parameter object.
//
// The byte output is stable for a given catalog: tools and actions
// keep declaration order, and every JSON object within a schema has
// lexicographically ordered keys (maps marshal sorted). Stable bytes
// keep the schema portion of the prompt identical across requests,
// which is what makes provider-side prefix caching effective. Callers
// must not reorder or regenerate per turn; visibility is handled by
// masking, not by mutating this list.
func Definitions(source Catalog) ([]llm.ToolDefinition, error) {
	var definitions []llm.ToolDefinition
	for _, tool := range source.Tools() {
		for _, action := range tool.Actions {
			schema, err := actionSchema(action)
			if err != nil {
				return nil, fmt.Errorf("catalog: schema for %s: %w", WireName(tool.ID, action.Name), err)
			}
			definitions = append(definitions, llm.ToolDefinition{
				Name:        WireName(tool.ID, action.Name),
				Description: actionDescription(tool, action),
				Parameters:  schema,
			})
		}
	}
	return definitions, nil
}

func actionDescription(tool Tool, action Action) string {
	if action.Description != "" {
		return action.Description
	}
	return tool.Description
}

// actionSchema generates the JSON Schema object for an action's
// parameters. encoding/json sorts map keys, which gives the
// lexicographic ordering the caching contract needs.
func actionSchema(action Action) (json.RawMessage, error) {
	properties := make(map[string]any, len(action.Params))
	var required []string
	for _, param := range action.Params {
		property := map[string]any{
			"type": param.Type.schemaType(),
		}
		if param.Description != "" {
			property["description"] = param.Description
		}
		switch param.Type {
		case ParamFile:
			property["format"] = "file-path"
		case ParamDirectory:
			property["format"] = "directory-path"
		}
		properties[param.Name] = property
		if param.Required {
			required = append(required, param.Name)
		}
	}
	sort.Strings(required)

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return json.Marshal(schema)
}
