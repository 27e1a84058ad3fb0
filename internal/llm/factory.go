package llm

import (
	"fmt"
	"strings"
	"time"

	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/httpkit"
)

// Backend families selected by provider type.
const (
	FamilyOllama    = "ollama"
	FamilyGemini    = "gemini"
	FamilyAnthropic = "anthropic"
	FamilyOpenAI    = "openai"
)

// Family maps a configured provider type to its wire family. Unknown
// types are treated as OpenAI-compatible.
func Family(providerType string) string {
	switch strings.ToLower(strings.TrimSpace(providerType)) {
	case "ollama", "localai":
		return FamilyOllama
	case "gemini", "google", "google-ai":
		return FamilyGemini
	case "anthropic", "claude":
		return FamilyAnthropic
	}
	return FamilyOpenAI
}

// NewRegistryFromConfig builds a backend for every configured provider.
func NewRegistryFromConfig(providers []config.ProviderConfig, opts ...Option) (*Registry, error) {
	r := NewRegistry(opts...)
	if r.http == nil {
		r.http = httpkit.NewClient(
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(r.logger),
		)
	}

	for _, p := range providers {
		b, err := newBackend(p, r)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("provider '%s': %w", p.ID, err)
		}
		r.Register(p.ID, p.ModelNames(), b)
		r.logger.Debug("registered model provider",
			"provider", p.ID,
			"family", Family(p.Type),
			"endpoint", p.Endpoint,
			"models", len(p.Models),
		)
	}
	return r, nil
}

func newBackend(p config.ProviderConfig, r *Registry) (Provider, error) {
	logger := r.logger.With("provider", p.ID)
	switch Family(p.Type) {
	case FamilyOllama:
		return NewOllama(p, r.http, logger)
	case FamilyGemini:
		return NewGemini(p, logger)
	case FamilyAnthropic:
		return NewAnthropic(p, r.http, logger), nil
	}
	return NewOpenAI(p, r.http, logger), nil
}
