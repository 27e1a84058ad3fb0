package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

var baseInstructions = []string{
	"You are an autonomous assistant that can call tools to solve user requests.",
	"All responses must be valid JSON without commentary or code fences.",
	`When you need to invoke a tool, respond with: {"action":"call_tool","tool":"tool_name","input":{...}}.`,
	`To obtain the list of available tools, call the special tool: {"action":"call_tool","tool":"list_tools"}.`,
	`When you are ready to give the final answer to the user, respond with: {"action":"final","response":"..."}.`,
	"Detect the user's language automatically and answer using that same language unless they explicitly request another language.",
	"Do not call any translation-related tools; handle language understanding internally.",
}

// ComposeSystemInstructions renders the agent system prompt: the fixed
// protocol lines, then per-server guidance and one line per tool, all
// joined with single spaces.
func ComposeSystemInstructions(tc ToolContext) string {
	lines := append([]string(nil), baseInstructions...)

	if tc.IsEmpty() {
		lines = append(lines, "No additional tools are currently configured.")
		return strings.Join(lines, " ")
	}

	for _, g := range tc.Servers {
		lines = append(lines, fmt.Sprintf("Server '%s' guidance: %s", g.Name, g.Instruction))
	}

	if len(tc.Tools) > 0 {
		lines = append(lines, "Configured tools:")
		for _, t := range tc.Tools {
			var b strings.Builder
			b.WriteString("- ")
			b.WriteString(t.Name)
			if t.Server != "" {
				fmt.Fprintf(&b, " (server: %s)", t.Server)
			}
			if t.Description != "" {
				b.WriteString(": ")
				b.WriteString(t.Description)
			}
			if len(t.InputSchema) > 0 {
				b.WriteString(". Input schema: ")
				b.WriteString(compactJSON(t.InputSchema))
			}
			lines = append(lines, b.String())
		}
	}

	return strings.Join(lines, " ")
}

type userRequest struct {
	Action      string       `json:"action"`
	Prompt      string       `json:"prompt"`
	ToolContext *ToolContext `json:"tool_context,omitempty"`
}

// InitialUserPrompt wraps the user's prompt in the user_request envelope
// the system instructions describe.
func InitialUserPrompt(prompt string, tc ToolContext) string {
	req := userRequest{Action: "user_request", Prompt: prompt}
	if !tc.IsEmpty() {
		req.ToolContext = &tc
	}
	return marshalPrompt(req)
}

type toolResult struct {
	Tool    string          `json:"tool"`
	Input   json.RawMessage `json:"input"`
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output"`
	Message *string         `json:"message"`
}

type toolResultPrompt struct {
	ToolResult  toolResult `json:"tool_result"`
	Instruction string     `json:"instruction"`
}

// toolResultMessage renders the prompt that feeds a tool's result back
// to the model.
func toolResultMessage(exec *ToolExecution, instruction string) string {
	tr := toolResult{
		Tool:    exec.Tool,
		Input:   rawOrNull(exec.Input),
		Success: exec.Success,
		Output:  rawOrNull(exec.Output),
	}
	if exec.Message != "" {
		msg := exec.Message
		tr.Message = &msg
	}
	return marshalPrompt(toolResultPrompt{ToolResult: tr, Instruction: instruction})
}

// marshalPrompt encodes v without HTML escaping so prompts read the way
// the model wrote them.
func marshalPrompt(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// compactJSON renders raw on one line with object keys sorted.
func compactJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return strings.TrimSpace(string(raw))
	}
	return marshalPrompt(v)
}
