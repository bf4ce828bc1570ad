// Package tools implements the built-in agent tools and the registry that
// resolves which tools a given turn may use. Tool failures are reported
// through the result's IsError flag, never as Go errors, so the model can
// see and react to them.
package tools

import (
	"context"
	"encoding/json"
)

// Tool is one callable capability exposed to the model.
type Tool interface {
	// Name returns the tool name for function calling. Must be a valid
	// function name (alphanumeric, underscores).
	Name() string

	// Description returns a natural language description of what the
	// tool does. This helps the model decide when to use the tool.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool. A non-nil error means infrastructure
	// failure; tool-level failures go in the result with IsError set.
	Execute(ctx context.Context, params json.RawMessage) (*Result, error)
}

// Result is a tool's output.
type Result struct {
	// Content is the tool's output (text, JSON, etc.)
	Content string `json:"content"`

	// IsError indicates this result represents an error condition.
	IsError bool `json:"is_error,omitempty"`
}

func toolError(message string) *Result {
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &Result{Content: message, IsError: true}
	}
	return &Result{Content: string(payload), IsError: true}
}

func toolJSON(v interface{}) *Result {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return toolError("encode result: " + err.Error())
	}
	return &Result{Content: string(payload)}
}

// mustSchema marshals a schema map, falling back to a permissive object.
func mustSchema(schema map[string]interface{}) json.RawMessage {
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
