package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/nugget/tether/internal/config"
)

// Ollama talks to an Ollama (or LocalAI) server. No API key is used.
type Ollama struct {
	id     string
	client *api.Client
	logger *slog.Logger
}

// NewOllama builds a backend for p.Endpoint using hc for transport.
func NewOllama(p config.ProviderConfig, hc *http.Client, logger *slog.Logger) (*Ollama, error) {
	u, err := url.Parse(strings.TrimRight(p.Endpoint, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q", p.Endpoint)
	}
	return &Ollama{
		id:     p.ID,
		client: api.NewClient(u, hc),
		logger: logger,
	}, nil
}

// Chat sends a non-streaming /api/chat request.
func (o *Ollama) Chat(ctx context.Context, req *Request) (*Response, error) {
	msgs := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, api.Message{Role: m.Role, Content: m.Content})
	}

	stream := false
	var (
		content  strings.Builder
		received bool
	)
	err := o.client.Chat(ctx, &api.ChatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   &stream,
	}, func(resp api.ChatResponse) error {
		received = true
		content.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		var se api.StatusError
		if errors.As(err, &se) {
			return nil, networkError(o.id, se.StatusCode, err)
		}
		return nil, networkError(o.id, 0, err)
	}
	if !received {
		return nil, invalidResponse(o.id, "missing message")
	}

	o.logger.Debug("received response from Ollama", "model", req.Model)
	return assistantReply(content.String(), req), nil
}
