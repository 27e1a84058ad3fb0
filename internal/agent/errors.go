package agent

import (
	"errors"
	"fmt"
)

// ToolErrorKind classifies tool execution failures.
type ToolErrorKind int

const (
	// ToolUnknown means the model asked for a tool that is not configured.
	ToolUnknown ToolErrorKind = iota
	// ToolUnbound means the tool has no usable server binding.
	ToolUnbound
	// ToolExecutionFailed wraps a transport or protocol failure.
	ToolExecutionFailed
)

// ToolError is returned by ToolRuntime.Execute.
type ToolError struct {
	Kind ToolErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	switch e.Kind {
	case ToolUnknown:
		return "unknown tool requested: " + e.Tool
	case ToolUnbound:
		return fmt.Sprintf("tool '%s' is not bound to any MCP server", e.Tool)
	default:
		return fmt.Sprintf("failed to execute tool '%s': %v", e.Tool, e.Err)
	}
}

func (e *ToolError) Unwrap() error { return e.Err }

// UserMessage returns a short description suitable for end users.
func (e *ToolError) UserMessage() string {
	switch e.Kind {
	case ToolUnknown:
		return fmt.Sprintf("The tool %q is not available.", e.Tool)
	case ToolUnbound:
		return fmt.Sprintf("The tool %q is not connected to any MCP server. Check the client configuration.", e.Tool)
	default:
		return fmt.Sprintf("Running the tool %q failed: %v", e.Tool, e.Err)
	}
}

// ErrorKind classifies run failures.
type ErrorKind int

const (
	// KindInvalidResponse covers unparsable output, an exhausted step
	// budget and exhausted JSON retries.
	KindInvalidResponse ErrorKind = iota
	// KindTool wraps a *ToolError.
	KindTool
	// KindModel wraps a model provider failure.
	KindModel
)

// Error is returned by Agent.Run.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Kind == KindInvalidResponse {
		return "invalid agent response: " + e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage returns a short description suitable for end users. Tool
// and model failures defer to the wrapped error's own message.
func (e *Error) UserMessage() string {
	if e.Kind == KindInvalidResponse {
		return "The assistant gave a response that could not be understood. Please try again."
	}
	var um interface{ UserMessage() string }
	if errors.As(e.Err, &um) {
		return um.UserMessage()
	}
	return "The request could not be completed."
}

func invalidResponse(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidResponse, Message: fmt.Sprintf(format, args...)}
}
