package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nugget/tether/internal/config"
)

// defaultOpenAIPath is appended to the endpoint when api_path is unset.
const defaultOpenAIPath = "/v1/chat/completions"

// OpenAI talks to any OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	id     string
	apiKey string
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAI builds a backend. The SDK appends /chat/completions itself,
// so the configured path minus that suffix becomes part of the base URL.
func NewOpenAI(p config.ProviderConfig, hc *http.Client, logger *slog.Logger) *OpenAI {
	key := p.ResolveAPIKey()

	path := p.APIPath
	if path == "" {
		path = defaultOpenAIPath
	}
	path = "/" + strings.Trim(path, "/")

	cfg := openai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(p.Endpoint, "/") + strings.TrimSuffix(path, "/chat/completions")
	cfg.HTTPClient = hc

	return &OpenAI{
		id:     p.ID,
		apiKey: key,
		client: openai.NewClientWithConfig(cfg),
		logger: logger,
	}
}

// Chat sends a chat completion request.
func (o *OpenAI) Chat(ctx context.Context, req *Request) (*Response, error) {
	if strings.TrimSpace(o.apiKey) == "" {
		return nil, &Error{Kind: KindMissingAPIKey, Provider: o.id}
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: msgs,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return nil, networkError(o.id, apiErr.HTTPStatusCode, err)
		}
		var reqErr *openai.RequestError
		if errors.As(err, &reqErr) {
			return nil, networkError(o.id, reqErr.HTTPStatusCode, err)
		}
		return nil, networkError(o.id, 0, err)
	}
	if len(resp.Choices) == 0 {
		return nil, invalidResponse(o.id, "missing content")
	}

	o.logger.Debug("received response from OpenAI-compatible provider", "model", req.Model)
	return assistantReply(resp.Choices[0].Message.Content, req), nil
}
