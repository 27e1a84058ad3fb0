package agent

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Directive actions.
const (
	ActionCallTool = "call_tool"
	ActionFinal    = "final"
)

// Directive is one parsed model reply.
type Directive struct {
	Action   string
	Tool     string
	Input    json.RawMessage
	Response string
}

// ParseDirective extracts a directive from model output. The whole
// text is tried first, then a fenced code block, then the span from
// the first '{' to the last '}'. A JSON string is unwrapped and parsed
// again.
func ParseDirective(text string) (Directive, error) {
	raw, ok := extractJSON(text)
	if !ok {
		return Directive{}, invalidResponse("expected JSON object in agent response")
	}
	return parseValue(raw)
}

func parseValue(raw json.RawMessage) (Directive, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) > 0 && raw[0] == '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Directive{}, invalidResponse("expected JSON object in agent response")
		}
		return parseObject(obj)

	case len(raw) > 0 && raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Directive{}, invalidResponse("expected JSON object in agent response")
		}
		return ParseDirective(s)
	}
	return Directive{}, invalidResponse("unsupported response type: %s", raw)
}

func parseObject(obj map[string]json.RawMessage) (Directive, error) {
	action, ok := stringField(obj, "action")
	if !ok {
		return Directive{}, invalidResponse("missing action field in agent response")
	}

	switch action {
	case ActionCallTool:
		tool, ok := stringField(obj, "tool")
		if !ok {
			return Directive{}, invalidResponse("call_tool action missing tool field")
		}
		input := obj["input"]
		if len(input) == 0 {
			input = json.RawMessage("null")
		}
		return Directive{Action: ActionCallTool, Tool: tool, Input: input}, nil

	case ActionFinal:
		response, ok := stringField(obj, "response")
		if !ok {
			return Directive{}, invalidResponse("final action missing response field")
		}
		return Directive{Action: ActionFinal, Response: response}, nil
	}
	return Directive{}, invalidResponse("unknown action value: %s", action)
}

// stringField reports the value of key when it is a JSON string.
func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func extractJSON(text string) (json.RawMessage, bool) {
	trimmed := strings.TrimSpace(text)

	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), true
	}

	if strings.HasPrefix(trimmed, "```") {
		body := trimmed
		for _, fence := range []string{"```json", "```JSON", "```"} {
			for strings.HasPrefix(body, fence) {
				body = body[len(fence):]
			}
		}
		if end := strings.LastIndex(body, "```"); end >= 0 {
			candidate := strings.TrimSpace(body[:end])
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), true
			}
		}
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && start < end {
		candidate := trimmed[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), true
		}
	}
	return nil, false
}

// LooksLikeToolCall reports whether a plain chat reply is actually a
// tool request: an object with action "call_tool", a tool_code key, a
// string tool without a response, or any of these inside tool_calls or
// an array.
func LooksLikeToolCall(text string) bool {
	raw, ok := extractJSON(text)
	if !ok {
		return false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return matchesToolSignature(v)
}

func matchesToolSignature(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		if action, ok := val["action"].(string); ok && strings.EqualFold(action, ActionCallTool) {
			return true
		}
		if _, ok := val["tool_code"]; ok {
			return true
		}
		if _, ok := val["tool"].(string); ok {
			if _, hasResponse := val["response"]; !hasResponse {
				return true
			}
		}
		if calls, ok := val["tool_calls"]; ok {
			return matchesToolSignature(calls)
		}
	case []any:
		for _, item := range val {
			if matchesToolSignature(item) {
				return true
			}
		}
	}
	return false
}
