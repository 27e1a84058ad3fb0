// Package agent runs the tool-calling loop. The model answers with JSON
// directives; call_tool directives are executed against MCP servers and
// their results fed back until the model produces a final answer.
package agent

import (
	"encoding/json"

	"github.com/nugget/tether/internal/config"
)

// DefaultMaxSteps bounds tool calls per run when neither WithMaxSteps
// nor RunOptions sets a budget.
const DefaultMaxSteps = config.DefaultMaxSteps

// MaxJSONRetries is how many correction requests a run sends before
// giving up on unparsable model output.
const MaxJSONRetries = 3

// ToolConfig declares a tool the agent may call. Server is empty for a
// tool that is not bound to any MCP server.
type ToolConfig struct {
	Name        string
	Description string
	Server      string
}

// ToolsFromConfig converts the YAML tool declarations.
func ToolsFromConfig(tools []config.ToolConfig) []ToolConfig {
	out := make([]ToolConfig, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolConfig{Name: t.Name, Description: t.Description, Server: t.Server})
	}
	return out
}

// ToolDescriptor is a tool as presented to the model.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Server      string          `json:"server,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ServerGuidance carries a server's initialize instructions.
type ServerGuidance struct {
	Name        string `json:"name"`
	Instruction string `json:"instruction"`
}

// ToolContext is the tool catalog shown to the model.
type ToolContext struct {
	Tools   []ToolDescriptor `json:"tools,omitempty"`
	Servers []ServerGuidance `json:"servers,omitempty"`
}

// IsEmpty reports whether the context has neither tools nor guidance.
func (c ToolContext) IsEmpty() bool {
	return len(c.Tools) == 0 && len(c.Servers) == 0
}

// ToolExecution is the result of running one tool.
type ToolExecution struct {
	Tool    string
	Input   json.RawMessage
	Success bool
	Output  json.RawMessage
	Message string
}

// Step records one tool call made during a run.
type Step struct {
	Tool    string          `json:"tool"`
	Input   json.RawMessage `json:"input"`
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output"`
	Message string          `json:"message,omitempty"`
}

// Outcome is the result of a completed run.
type Outcome struct {
	SessionID string   `json:"session_id"`
	Response  string   `json:"response"`
	Steps     []Step   `json:"steps"`
	Logs      []string `json:"logs"`
}

// RunOptions overrides defaults for a single run.
type RunOptions struct {
	Provider     string
	Model        string
	SystemPrompt string
	SessionID    string
	// MaxSteps <= 0 means the agent's configured budget.
	MaxSteps int
}

// rawOrNull returns "null" for an empty raw message so it marshals.
func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
