package mcp

import (
	"encoding/json"
	"strings"
)

// ContentBlock is one item of a tools/call result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// CallResult is the decoded shape of a tools/call result. Fields a
// server omits stay zero.
type CallResult struct {
	Content           []ContentBlock  `json:"content,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
}

// ParseCallResult decodes raw leniently. A result that is not an object
// yields a zero CallResult, which reads as a success with no message.
func ParseCallResult(raw json.RawMessage) CallResult {
	var res CallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return CallResult{}
	}
	return res
}

// Message returns the first non-empty text block, falling back to
// structuredContent.error.message.
func (r CallResult) Message() string {
	for _, b := range r.Content {
		if !strings.EqualFold(b.Type, "text") {
			continue
		}
		if text := strings.TrimSpace(b.Text); text != "" {
			return text
		}
	}

	if len(r.StructuredContent) == 0 {
		return ""
	}
	var sc struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(r.StructuredContent, &sc); err != nil {
		return ""
	}
	return sc.Error.Message
}

// Text joins every block, marking non-text content inline.
func (r CallResult) Text() string {
	var parts []string
	for _, b := range r.Content {
		switch strings.ToLower(b.Type) {
		case "text":
			parts = append(parts, b.Text)
		case "":
			continue
		default:
			parts = append(parts, "["+b.Type+"]")
		}
	}
	return strings.Join(parts, "\n")
}
