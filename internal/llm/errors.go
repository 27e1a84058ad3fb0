package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/nugget/tether/internal/httpkit"
)

// ErrorKind classifies provider failures.
type ErrorKind int

const (
	KindProviderNotFound ErrorKind = iota + 1
	KindModelNotFound
	KindMissingAPIKey
	KindNetwork
	KindInvalidResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindProviderNotFound:
		return "provider_not_found"
	case KindModelNotFound:
		return "model_not_found"
	case KindMissingAPIKey:
		return "missing_api_key"
	case KindNetwork:
		return "network"
	case KindInvalidResponse:
		return "invalid_response"
	}
	return "unknown"
}

// Sentinels for errors.Is.
var (
	ErrProviderNotFound = &Error{Kind: KindProviderNotFound}
	ErrModelNotFound    = &Error{Kind: KindModelNotFound}
	ErrMissingAPIKey    = &Error{Kind: KindMissingAPIKey}
	ErrNetwork          = &Error{Kind: KindNetwork}
	ErrInvalidResponse  = &Error{Kind: KindInvalidResponse}
)

// Error is returned by every provider call.
type Error struct {
	Kind     ErrorKind
	Provider string
	Model    string
	// Reason explains an invalid response.
	Reason string
	// Status is the HTTP status for network errors that got a response.
	Status  int
	Connect bool
	Timeout bool
	Err     error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindProviderNotFound:
		return fmt.Sprintf("provider '%s' is not configured", e.Provider)
	case KindModelNotFound:
		return fmt.Sprintf("model '%s' is not available for provider '%s'", e.Model, e.Provider)
	case KindMissingAPIKey:
		return fmt.Sprintf("provider '%s' requires an API key", e.Provider)
	case KindNetwork:
		return fmt.Sprintf("network error calling provider '%s': %v", e.Provider, e.Err)
	case KindInvalidResponse:
		return fmt.Sprintf("provider '%s' returned invalid response: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("provider '%s': %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// UserMessage returns a short explanation suitable for end users.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindProviderNotFound:
		return fmt.Sprintf("Model provider '%s' was not found. Check the providers section of the configuration.", e.Provider)
	case KindModelNotFound:
		return fmt.Sprintf("Model '%s' is not available from provider '%s'.", e.Model, e.Provider)
	case KindMissingAPIKey:
		return fmt.Sprintf("Provider '%s' needs an API key.", e.Provider)
	case KindNetwork:
		switch {
		case e.Connect:
			return fmt.Sprintf("Could not connect to model provider '%s'.", e.Provider)
		case e.Timeout:
			return fmt.Sprintf("The request to '%s' timed out.", e.Provider)
		case e.Status == http.StatusNotFound:
			return fmt.Sprintf("The endpoint for '%s' was not found.", e.Provider)
		case e.Status == http.StatusServiceUnavailable || e.Status == http.StatusBadGateway:
			return fmt.Sprintf("Provider '%s' is currently unavailable.", e.Provider)
		case e.Status != 0:
			return fmt.Sprintf("The request to '%s' failed with status %d.", e.Provider, e.Status)
		}
		return fmt.Sprintf("Network error talking to '%s'.", e.Provider)
	case KindInvalidResponse:
		return fmt.Sprintf("The response from '%s' was not valid.", e.Provider)
	}
	return "The model provider failed."
}

// networkError wraps a transport or HTTP status failure.
func networkError(provider string, status int, err error) *Error {
	e := &Error{Kind: KindNetwork, Provider: provider, Status: status, Err: err}
	if status == 0 {
		e.Connect = httpkit.IsConnectError(err)
		var netErr net.Error
		e.Timeout = errors.Is(err, context.DeadlineExceeded) ||
			(errors.As(err, &netErr) && netErr.Timeout())
	}
	return e
}

func invalidResponse(provider, reason string) *Error {
	return &Error{Kind: KindInvalidResponse, Provider: provider, Reason: reason}
}
