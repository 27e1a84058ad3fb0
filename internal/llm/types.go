// Package llm routes chat requests to configured model providers.
// Each provider is backed by its vendor SDK; the Registry picks the
// backend by provider id and enforces the provider's model allowlist.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request asks Provider for a completion of Messages using Model.
type Request struct {
	Provider  string
	Model     string
	Messages  []Message
	SessionID string
}

// Response carries the assistant reply. SessionID echoes the request's
// unless the backend assigned its own.
type Response struct {
	Message   Message
	SessionID string
}

// Provider answers chat requests. Registry implements it, and so does
// every backend.
type Provider interface {
	Chat(ctx context.Context, req *Request) (*Response, error)
}

// assistantReply builds the common response shape.
func assistantReply(content string, req *Request) *Response {
	return &Response{
		Message:   Message{Role: RoleAssistant, Content: content},
		SessionID: req.SessionID,
	}
}

// splitSystem separates system messages, joined by blank lines, from the
// conversation turns.
func splitSystem(messages []Message) (string, []Message) {
	var system string
	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		turns = append(turns, m)
	}
	return system, turns
}
