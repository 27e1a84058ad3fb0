package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nugget/tether/internal/config"
)

// Gemini talks to Google's Gemini API. The client is created with the
// configured key; without one every call fails with a missing-key error.
type Gemini struct {
	id     string
	client *genai.Client
	logger *slog.Logger
}

// NewGemini builds a backend for p. The SDK manages its own transport.
func NewGemini(p config.ProviderConfig, logger *slog.Logger) (*Gemini, error) {
	g := &Gemini{id: p.ID, logger: logger}

	key := p.ResolveAPIKey()
	if strings.TrimSpace(key) == "" {
		return g, nil
	}

	opts := []option.ClientOption{option.WithAPIKey(key)}
	if ep := strings.TrimRight(p.Endpoint, "/"); ep != "" && ep != config.DefaultGeminiEndpoint {
		opts = append(opts, option.WithEndpoint(ep))
	}
	client, err := genai.NewClient(context.Background(), opts...)
	if err != nil {
		return nil, err
	}
	g.client = client
	return g, nil
}

// Chat replays prior turns as chat history and sends the last message.
// Replies are requested as JSON.
func (g *Gemini) Chat(ctx context.Context, req *Request) (*Response, error) {
	if g.client == nil {
		return nil, &Error{Kind: KindMissingAPIKey, Provider: g.id}
	}

	system, turns := splitSystem(req.Messages)
	if len(turns) == 0 {
		return nil, invalidResponse(g.id, "no user message to send")
	}

	model := g.client.GenerativeModel(req.Model)
	model.ResponseMIMEType = "application/json"
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}

	cs := model.StartChat()
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}

	resp, err := cs.SendMessage(ctx, genai.Text(turns[len(turns)-1].Content))
	if err != nil {
		var gErr *googleapi.Error
		if errors.As(err, &gErr) {
			return nil, networkError(g.id, gErr.Code, err)
		}
		return nil, networkError(g.id, 0, err)
	}

	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				g.logger.Debug("received response from Gemini", "model", req.Model)
				return assistantReply(string(text), req), nil
			}
		}
	}
	return nil, invalidResponse(g.id, "missing text")
}

// Close releases the SDK client.
func (g *Gemini) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}
