package mcp

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures of the process engine.
type ErrorKind int

// Error kinds. Lifecycle kinds (Terminated, Cancelled) are distinct from
// RPC and transport failures so callers can tell "the process died"
// from "the tool returned an error".
const (
	KindNotConfigured ErrorKind = iota + 1
	KindSpawn
	KindTransport
	KindInvalidJSON
	KindRPC
	KindTerminated
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotConfigured:
		return "not_configured"
	case KindSpawn:
		return "spawn"
	case KindTransport:
		return "transport"
	case KindInvalidJSON:
		return "invalid_json"
	case KindRPC:
		return "rpc_error"
	case KindTerminated:
		return "terminated"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Sentinels for use with errors.Is. Any *Error matches the sentinel of
// the same kind regardless of server or detail.
var (
	ErrNotConfigured = &Error{Kind: KindNotConfigured}
	ErrSpawn         = &Error{Kind: KindSpawn}
	ErrTransport     = &Error{Kind: KindTransport}
	ErrInvalidJSON   = &Error{Kind: KindInvalidJSON}
	ErrRPC           = &Error{Kind: KindRPC}
	ErrTerminated    = &Error{Kind: KindTerminated}
	ErrCancelled     = &Error{Kind: KindCancelled}
)

// Error is returned by every Process and Registry operation.
type Error struct {
	Server string
	Kind   ErrorKind
	// Code and Message carry the remote JSON-RPC error for KindRPC.
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindNotConfigured:
		return fmt.Sprintf("MCP server '%s' is not configured", e.Server)
	case KindSpawn:
		return fmt.Sprintf("failed to spawn MCP server '%s': %v", e.Server, e.Err)
	case KindTransport:
		return fmt.Sprintf("MCP server '%s' transport error: %v", e.Server, e.Err)
	case KindInvalidJSON:
		return fmt.Sprintf("MCP server '%s' invalid JSON: %v", e.Server, e.Err)
	case KindRPC:
		return fmt.Sprintf("MCP server '%s' returned JSON-RPC error %d: %s", e.Server, e.Code, e.Message)
	case KindTerminated:
		return fmt.Sprintf("MCP server '%s' terminated unexpectedly", e.Server)
	case KindCancelled:
		if e.Err != nil {
			return fmt.Sprintf("MCP server '%s' request cancelled: %v", e.Server, e.Err)
		}
		return fmt.Sprintf("MCP server '%s' request cancelled", e.Server)
	}
	return fmt.Sprintf("MCP server '%s': %v", e.Server, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Server == "" || t.Server == e.Server)
}

// UserMessage returns a short description suitable for end users.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindNotConfigured:
		return fmt.Sprintf("The tool server '%s' is not configured.", e.Server)
	case KindSpawn:
		return fmt.Sprintf("The tool server '%s' could not be started.", e.Server)
	case KindTransport, KindInvalidJSON:
		return fmt.Sprintf("Communication with the tool server '%s' failed.", e.Server)
	case KindRPC:
		return fmt.Sprintf("The tool server '%s' reported an error: %s", e.Server, e.Message)
	case KindTerminated:
		return fmt.Sprintf("The tool server '%s' stopped unexpectedly.", e.Server)
	case KindCancelled:
		return "The tool request was cancelled."
	}
	return "The tool server failed."
}

func newError(server string, kind ErrorKind, err error) *Error {
	return &Error{Server: server, Kind: kind, Err: err}
}
