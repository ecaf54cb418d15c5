// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

// Package catalog describes the tools available to the assistant: a
// read-only registry of tool records, each with named actions and
// typed parameters. The catalog never discovers or installs tools; it
// only reports what an external provisioning step recorded.
//
// Wire names follow the {toolID}_{action} convention, except that the
// "default" action collapses to the bare tool id. Tool ids therefore
// must not contain underscores.
package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultAction is the sentinel action for tools invoked by bare tool
// id with no underscore-delimited action suffix.
const DefaultAction = "default"

// ParamType is the closed set of parameter types a tool action can
// declare. File and directory parameters are strings on the wire; the
// distinction exists so validation and UI hints can treat paths
// specially.
type ParamType string

const (
	ParamString    ParamType = "string"
	ParamNumber    ParamType = "number"
	ParamBoolean   ParamType = "boolean"
	ParamFile      ParamType = "file"
	ParamDirectory ParamType = "directory"
)

// valid reports whether the type is one of the declared variants.
func (paramType ParamType) valid() bool {
	switch paramType {
	case ParamString, ParamNumber, ParamBoolean, ParamFile, ParamDirectory:
		return true
	}
	return false
}

// schemaType maps the variant to its JSON Schema type.
func (paramType ParamType) schemaType() string {
	switch paramType {
	case ParamNumber:
		return "number"
	case ParamBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// Param is one declared parameter of an action.
type Param struct {
	Name        string    `json:"name"`
	Type        ParamType `json:"type"`
	Required    bool      `json:"required,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Action is one named operation a tool supports.
type Action struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Params      []Param `json:"params,omitempty"`
}

// Tool is one catalog record.
type Tool struct {
	ID          string   `json:"id"`
	Description string   `json:"description,omitempty"`
	Installed   bool     `json:"installed"`
	InstallHint string   `json:"install_hint,omitempty"`
	Actions     []Action `json:"actions"`
}

// ActionNames returns the tool's action names in declaration order.
func (tool Tool) ActionNames() []string {
	names := make([]string, len(tool.Actions))
	for i, action := range tool.Actions {
		names[i] = action.Name
	}
	return names
}

// FindAction returns the named action.
func (tool Tool) FindAction(name string) (Action, bool) {
	for _, action := range tool.Actions {
		if action.Name == name {
			return action, true
		}
	}
	return Action{}, false
}

// Catalog is the read-only view the rest of the client consumes.
type Catalog interface {
	// Tools returns every record, in stable order.
	Tools() []Tool

	// Lookup returns the record for a tool id.
	Lookup(id string) (Tool, bool)
}

// ValidateArgs checks parsed call arguments against an action's
// declared parameters: every required parameter present, every present
// parameter declared and of the declared type. Returns nil when the
// arguments conform.
func ValidateArgs(action Action, args map[string]any) error {
	declared := make(map[string]Param, len(action.Params))
	for _, param := range action.Params {
		declared[param.Name] = param
		if param.Required {
			if _, ok := args[param.Name]; !ok {
				return fmt.Errorf("missing required parameter %q", param.Name)
			}
		}
	}

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		param, ok := declared[name]
		if !ok {
			return fmt.Errorf("unknown parameter %q (expected: %s)", name, strings.Join(paramNames(action.Params), ", "))
		}
		if err := checkParamType(param, args[name]); err != nil {
			return err
		}
	}
	return nil
}

func checkParamType(param Param, value any) error {
	switch param.Type {
	case ParamString, ParamFile, ParamDirectory:
		if _, ok := value.(string); !ok {
			return fmt.Errorf("parameter %q must be a string, got %T", param.Name, value)
		}
	case ParamNumber:
		// encoding/json decodes all numbers into float64.
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("parameter %q must be a number, got %T", param.Name, value)
		}
	case ParamBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean, got %T", param.Name, value)
		}
	default:
		return fmt.Errorf("parameter %q has unknown type %q", param.Name, param.Type)
	}
	return nil
}

func paramNames(params []Param) []string {
	names := make([]string, len(params))
	for i, param := range params {
		names[i] = param.Name
	}
	return names
}

// WireName returns the {toolID}_{action} name the model sees. The
// default action collapses to the bare tool id.
func WireName(toolID, action string) string {
	if action == DefaultAction {
		return toolID
	}
	return toolID + "_" + action
}
