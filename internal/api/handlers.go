package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nugget/tether/internal/agent"
	"github.com/nugget/tether/internal/buildinfo"
	"github.com/nugget/tether/internal/chat"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/mcp"
)

// ChatRequest is the body of POST /v1/chat.
type ChatRequest struct {
	Prompt       string `json:"prompt"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	// Agent defaults to true; false sends the prompt straight to the model.
	Agent        *bool `json:"agent,omitempty"`
	MaxToolSteps int   `json:"max_tool_steps,omitempty"`
}

// ChatResponse is the body of a successful POST /v1/chat.
type ChatResponse struct {
	SessionID string       `json:"session_id"`
	Content   string       `json:"content"`
	Provider  string       `json:"provider"`
	Model     string       `json:"model"`
	ToolSteps []agent.Step `json:"tool_steps"`
	Logs      []string     `json:"logs"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Tether",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.logger.Warn("rejecting chat request with empty prompt")
		s.errorResponse(w, http.StatusBadRequest, "prompt cannot be empty")
		return
	}
	if s.deps.Chat == nil {
		s.unavailable(w, "chat client")
		return
	}

	useAgent := req.Agent == nil || *req.Agent
	s.logger.Info("received chat request",
		"agent", useAgent,
		"session_id", req.SessionID,
		"provider", req.Provider,
		"model", req.Model,
	)

	if useAgent {
		s.runAgent(w, r, req)
		return
	}

	s.deps.Events.Emit(events.SourceAPI, events.KindLLMCall, map[string]any{
		"session_id": req.SessionID,
		"provider":   req.Provider,
		"model":      req.Model,
	})
	res, err := s.deps.Chat.Chat(r.Context(), chat.Request{
		Prompt:       req.Prompt,
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		SessionID:    req.SessionID,
	})
	if err != nil {
		s.logger.Error("model provider returned an error", "error", err)
		s.errorResponse(w, http.StatusBadGateway, userMessage(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		SessionID: res.SessionID,
		Content:   res.Content,
		Provider:  res.Provider,
		Model:     res.Model,
		ToolSteps: []agent.Step{},
		Logs:      res.Logs,
	}, s.logger)
}

func (s *Server) runAgent(w http.ResponseWriter, r *http.Request, req ChatRequest) {
	if s.deps.Agent == nil {
		s.unavailable(w, "agent")
		return
	}

	provider, model := s.resolve(req.Provider, req.Model)
	out, err := s.deps.Agent.Run(r.Context(), req.Prompt, agent.RunOptions{
		Provider:     req.Provider,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		SessionID:    req.SessionID,
		MaxSteps:     req.MaxToolSteps,
	})
	if err != nil {
		s.logger.Error("agent run failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, userMessage(err))
		return
	}

	steps := out.Steps
	if steps == nil {
		steps = []agent.Step{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ChatResponse{
		SessionID: out.SessionID,
		Content:   out.Response,
		Provider:  provider,
		Model:     model,
		ToolSteps: steps,
		Logs:      out.Logs,
	}, s.logger)
}

// resolve fills empty provider and model with the chat defaults.
func (s *Server) resolve(provider, model string) (string, string) {
	if provider == "" && s.deps.Chat != nil {
		provider = s.deps.Chat.DefaultProvider()
	}
	if model == "" && s.deps.Chat != nil {
		model = s.deps.Chat.DefaultModel()
	}
	return provider, model
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tools == nil {
		s.unavailable(w, "tool runtime")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.Tools.BuildContext(r.Context()), s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Servers == nil {
		s.unavailable(w, "server registry")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"servers": s.deps.Servers.Status()}, s.logger)
}

func (s *Server) handleServerReset(w http.ResponseWriter, r *http.Request) {
	if s.deps.Servers == nil {
		s.unavailable(w, "server registry")
		return
	}
	name := r.PathValue("name")
	if err := s.deps.Servers.Reset(name); err != nil {
		if errors.Is(err, mcp.ErrNotConfigured) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "reset", "server": name}, s.logger)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, "session store")
		return
	}
	list, err := s.deps.Sessions.List(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"sessions": list}, s.logger)
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, "session store")
		return
	}
	id := r.PathValue("id")
	history, err := s.deps.Sessions.History(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(history) == 0 {
		s.errorResponse(w, http.StatusNotFound, "session not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"session_id": id, "messages": history}, s.logger)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sessions == nil {
		s.unavailable(w, "session store")
		return
	}
	if err := s.deps.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		s.unavailable(w, "run log")
		return
	}
	runs, err := s.deps.Runs.Recent(r.Context(), parseIntParam(r, "limit", 20))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"runs": runs}, s.logger)
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Config == nil {
		s.unavailable(w, "configuration")
		return
	}
	view, err := configView(s.deps.Config)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, view, s.logger)
}

// configView renders the redacted configuration with its YAML field
// names so the API matches the config file.
func configView(cfg *config.Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	view := map[string]any{}
	if err := yaml.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return view, nil
}
