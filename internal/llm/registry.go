package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/nugget/tether/internal/metrics"
)

type backend struct {
	models  map[string]struct{}
	backend Provider
}

func (b *backend) supports(model string) bool {
	if len(b.models) == 0 {
		return true
	}
	_, ok := b.models[model]
	return ok
}

// Registry routes requests to backends by provider id. It is safe for
// concurrent use once built.
type Registry struct {
	logger   *slog.Logger
	metrics  *metrics.Recorder
	http     *http.Client
	backends map[string]*backend
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithMetrics records one sample per provider call.
func WithMetrics(m *metrics.Recorder) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithHTTPClient sets the client used by HTTP-based backends built from
// configuration.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Registry) { r.http = c }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:   slog.Default(),
		backends: make(map[string]*backend),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds p under id. An empty models list accepts any model.
func (r *Registry) Register(id string, models []string, p Provider) {
	set := make(map[string]struct{}, len(models))
	for _, m := range models {
		set[m] = struct{}{}
	}
	r.backends[id] = &backend{models: set, backend: p}
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.backends[id]
	return ok
}

// Providers returns registered ids, sorted.
func (r *Registry) Providers() []string {
	ids := make([]string, 0, len(r.backends))
	for id := range r.backends {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Chat dispatches req to its provider.
func (r *Registry) Chat(ctx context.Context, req *Request) (*Response, error) {
	b, ok := r.backends[req.Provider]
	if !ok {
		r.metrics.LLMRequest(req.Provider, KindProviderNotFound.String())
		return nil, &Error{Kind: KindProviderNotFound, Provider: req.Provider}
	}
	if !b.supports(req.Model) {
		r.metrics.LLMRequest(req.Provider, KindModelNotFound.String())
		return nil, &Error{Kind: KindModelNotFound, Provider: req.Provider, Model: req.Model}
	}

	r.logger.Info("sending chat request",
		"provider", req.Provider,
		"model", req.Model,
		"messages", len(req.Messages),
	)
	start := time.Now()

	resp, err := b.backend.Chat(ctx, req)
	if err != nil {
		outcome := "error"
		var e *Error
		if errors.As(err, &e) {
			outcome = e.Kind.String()
		}
		r.metrics.LLMRequest(req.Provider, outcome)
		r.logger.Warn("chat request failed",
			"provider", req.Provider,
			"model", req.Model,
			"error", err,
		)
		return nil, err
	}

	r.metrics.LLMRequest(req.Provider, "ok")
	r.logger.Debug("chat response received",
		"provider", req.Provider,
		"model", req.Model,
		"elapsed", time.Since(start).Round(time.Millisecond),
		"chars", len(resp.Message.Content),
	)
	return resp, nil
}

// Close releases backends that hold resources.
func (r *Registry) Close() error {
	var errs []error
	for _, b := range r.backends {
		if c, ok := b.backend.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
