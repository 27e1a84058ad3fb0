// Package chat sends single conversational turns to a model provider.
// It composes the system prompt from the configured template, replays
// the session's history, and persists each exchange.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/llm"
	"github.com/nugget/tether/internal/sessions"
)

// Template placeholders filled by the client.
const (
	placeholderCustom   = "{{custom_instruction}}"
	placeholderLanguage = "{{language_guidance}}"
	placeholderTools    = "{{tool_guidance}}"
)

const noDescription = "No description available."

// Config holds the client defaults.
type Config struct {
	DefaultProvider string
	DefaultModel    string
	// SystemPrompt is used when a request carries no override.
	SystemPrompt   string
	PromptTemplate string
	Prompts        config.PromptsConfig
	Tools          []config.ToolConfig
}

// ConfigFrom extracts client settings from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.Model,
		SystemPrompt:    cfg.SystemPrompt,
		PromptTemplate:  cfg.PromptTemplate,
		Prompts:         cfg.Prompts,
		Tools:           cfg.Tools,
	}
}

// Request is one chat turn. Empty fields fall back to the client
// defaults; an empty SessionID starts a new session.
type Request struct {
	Prompt       string
	Provider     string
	Model        string
	SystemPrompt string
	SessionID    string
}

// Result is the model's reply plus the interaction log for the turn.
type Result struct {
	Content   string
	SessionID string
	Provider  string
	Model     string
	Logs      []string
}

// Client is safe for concurrent use.
type Client struct {
	provider llm.Provider
	sessions sessions.Store
	cfg      Config
	logger   *slog.Logger
}

// New creates a chat client. A nil store keeps history in memory.
func New(provider llm.Provider, store sessions.Store, cfg Config, logger *slog.Logger) *Client {
	if store == nil {
		store = sessions.NewMemory()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider: provider,
		sessions: store,
		cfg:      cfg,
		logger:   logger.With("component", "chat"),
	}
}

// DefaultProvider returns the provider used when a request names none.
func (c *Client) DefaultProvider() string { return c.cfg.DefaultProvider }

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string { return c.cfg.DefaultModel }

// Prompts returns the configured prompt fragments.
func (c *Client) Prompts() config.PromptsConfig { return c.cfg.Prompts }

// Tools returns the configured tool declarations.
func (c *Client) Tools() []config.ToolConfig { return c.cfg.Tools }

// Sessions returns the history store.
func (c *Client) Sessions() sessions.Store { return c.sessions }

// Chat sends one turn and records the exchange in the session history.
func (c *Client) Chat(ctx context.Context, req Request) (*Result, error) {
	provider := req.Provider
	if provider == "" {
		provider = c.cfg.DefaultProvider
	}
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	system := req.SystemPrompt
	if system == "" {
		system = c.cfg.SystemPrompt
	}

	history, err := c.sessions.History(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session history: %w", err)
	}
	c.logger.Debug("preparing chat request",
		"session_id", sessionID,
		"history_count", len(history),
	)

	logs := []string{fmt.Sprintf("Provider '%s' with model '%s'", provider, model)}
	if len(history) > 0 {
		logs = append(logs, fmt.Sprintf("Previous conversation history: %d messages", len(history)))
	}

	messages := make([]llm.Message, 0, len(history)+2)
	if prompt := c.ComposeSystemPrompt(system); prompt != "" {
		logs = append(logs, "System prompt active: "+Summarise(prompt))
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: req.Prompt})
	logs = append(logs, "User: "+Summarise(req.Prompt))

	c.logger.Info("sending request to model provider",
		"session_id", sessionID,
		"provider", provider,
		"model", model,
	)

	resp, err := c.provider.Chat(ctx, &llm.Request{
		Provider:  provider,
		Model:     model,
		Messages:  messages,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, err
	}

	finalSession := sessionID
	if resp.SessionID != "" {
		finalSession = resp.SessionID
	}
	logs = append(logs, "Model: "+Summarise(resp.Message.Content))

	c.logger.Info("response received from model provider",
		"session_id", finalSession,
		"provider", provider,
		"model", model,
	)
	for _, entry := range logs {
		c.logger.Debug("interaction log", "session_id", finalSession, "entry", entry)
	}

	if err := c.sessions.Append(ctx, finalSession,
		llm.Message{Role: llm.RoleUser, Content: req.Prompt},
		resp.Message,
	); err != nil {
		c.logger.Warn("failed to persist chat exchange",
			"session_id", finalSession,
			"error", err,
		)
	}

	return &Result{
		Content:   resp.Message.Content,
		SessionID: finalSession,
		Provider:  provider,
		Model:     model,
		Logs:      logs,
	}, nil
}

// ComposeSystemPrompt fills the prompt template for one request. With
// no template the trimmed override is returned as is.
func (c *Client) ComposeSystemPrompt(override string) string {
	if c.cfg.PromptTemplate == "" {
		return strings.TrimSpace(override)
	}

	r := strings.NewReplacer(
		placeholderLanguage, "",
		placeholderTools, strings.TrimSpace(c.toolGuidance()),
		placeholderCustom, strings.TrimSpace(override),
	)
	return collapseBlankLines(r.Replace(c.cfg.PromptTemplate))
}

func (c *Client) toolGuidance() string {
	if len(c.cfg.Tools) == 0 {
		return c.cfg.Prompts.FallbackGuidance
	}

	var b strings.Builder
	b.WriteString(c.cfg.Prompts.ToolGuidance)
	b.WriteByte('\n')
	for _, t := range c.cfg.Tools {
		desc := t.Description
		if desc == "" {
			desc = noDescription
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, desc)
	}
	b.WriteString(c.cfg.Prompts.FallbackGuidance)
	return b.String()
}

// collapseBlankLines trims every line and keeps at most one blank line
// between paragraphs.
func collapseBlankLines(s string) string {
	var (
		out       []string
		prevBlank bool
	)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if !prevBlank {
				out = append(out, "")
			}
			prevBlank = true
			continue
		}
		out = append(out, line)
		prevBlank = false
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// Summarise collapses whitespace and cuts text to a short preview for
// logs.
func Summarise(text string) string {
	const limit = 160

	text = strings.TrimSpace(text)
	if text == "" {
		return "(empty)"
	}
	runes := []rune(strings.Join(strings.Fields(text), " "))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "…"
}
