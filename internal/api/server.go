// Package api serves the HTTP front end: a REST chat endpoint, a
// JSON-RPC 2.0 endpoint, read-only views of tools, servers, sessions and
// runs, a websocket event stream and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/tether/internal/agent"
	"github.com/nugget/tether/internal/chat"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/mcp"
	"github.com/nugget/tether/internal/runlog"
	"github.com/nugget/tether/internal/sessions"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Runner runs the agent loop. *agent.Agent satisfies it.
type Runner interface {
	Run(ctx context.Context, prompt string, opts agent.RunOptions) (*agent.Outcome, error)
}

// Chatter sends direct chat turns. *chat.Client satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Result, error)
	DefaultProvider() string
	DefaultModel() string
}

// Catalog builds the tool context. *agent.ToolRuntime satisfies it.
type Catalog interface {
	BuildContext(ctx context.Context) agent.ToolContext
}

// ServerControl reports and resets MCP servers. *mcp.Registry satisfies it.
type ServerControl interface {
	Status() []mcp.ServerStatus
	Reset(server string) error
}

// RunLister lists recorded runs. *runlog.Store satisfies it.
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]runlog.Run, error)
}

// Deps are the components the server exposes. Nil optional fields
// disable their endpoints with 503.
type Deps struct {
	Agent    Runner
	Chat     Chatter
	Tools    Catalog
	Servers  ServerControl
	Sessions sessions.Store
	Runs     RunLister
	Config   *config.Config
	Events   *events.Bus
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
}

// Server is the HTTP API server.
type Server struct {
	address     string
	port        int
	deps        Deps
	metricsPath string
	corsOrigins []string
	logger      *slog.Logger
	server      *http.Server
}

// NewServer creates a new API server.
func NewServer(listen config.ListenConfig, metricsPath string, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:     listen.Address,
		port:        listen.Port,
		deps:        deps,
		metricsPath: metricsPath,
		corsOrigins: listen.CORSOrigins,
		logger:      logger.With("component", "api"),
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("POST /v1/rpc", s.handleRPC)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("POST /v1/servers/{name}/reset", s.handleServerReset)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionHistory)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("GET /v1/runs", s.handleRuns)
	mux.HandleFunc("GET /v1/config", s.handleConfig)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	if s.metricsPath != "" {
		if s.deps.Gatherer != nil {
			mux.Handle("GET "+s.metricsPath, promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
		} else {
			mux.Handle("GET "+s.metricsPath, promhttp.Handler())
		}
	}

	return s.withCORS(s.withLogging(mux))
}

// Start begins serving HTTP requests and blocks until the server stops.
// Cancelling ctx shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Agent runs can take several model round trips.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API server shutdown failed", "error", err)
		}
	}()

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withCORS answers preflight requests and sets the allow headers. An
// empty origin list allows any origin.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	return len(s.corsOrigins) == 0 || slices.Contains(s.corsOrigins, origin)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]string{"error": message}, s.logger)
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.errorResponse(w, http.StatusServiceUnavailable, what+" not configured")
}

// userMessage returns err's end-user text when it has one.
func userMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return err.Error()
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
