package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nugget/tether/internal/config"
)

// anthropicMaxTokens caps each reply; the Messages API requires a value.
const anthropicMaxTokens = 4096

// Anthropic talks to the Anthropic Messages API.
type Anthropic struct {
	id     string
	apiKey string
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropic builds a backend for p.
func NewAnthropic(p config.ProviderConfig, hc *http.Client, logger *slog.Logger) *Anthropic {
	key := p.ResolveAPIKey()
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(hc),
		option.WithMaxRetries(0),
	}
	if p.Endpoint != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(p.Endpoint, "/")+"/"))
	}
	return &Anthropic{
		id:     p.ID,
		apiKey: key,
		client: anthropic.NewClient(opts...),
		logger: logger,
	}
}

// Chat sends one Messages request. System messages become the system
// prompt; consecutive turns keep their roles.
func (a *Anthropic) Chat(ctx context.Context, req *Request) (*Response, error) {
	if strings.TrimSpace(a.apiKey) == "" {
		return nil, &Error{Kind: KindMissingAPIKey, Provider: a.id}
	}

	system, turns := splitSystem(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: anthropicMaxTokens,
		Messages:  make([]anthropic.MessageParam, 0, len(turns)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, networkError(a.id, apiErr.StatusCode, err)
		}
		return nil, networkError(a.id, 0, err)
	}

	var text strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	if text.Len() == 0 {
		return nil, invalidResponse(a.id, "missing text")
	}

	a.logger.Debug("received response from Anthropic", "model", req.Model)
	return assistantReply(text.String(), req), nil
}
