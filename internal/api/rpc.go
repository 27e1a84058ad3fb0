package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/tether/internal/agent"
	"github.com/nugget/tether/internal/mcp"
)

// JSON-RPC error codes.
const (
	rpcParseError     = mcp.CodeParseError
	rpcInvalidRequest = mcp.CodeInvalidRequest
	rpcMethodNotFound = mcp.CodeMethodNotFound
	rpcInvalidParams  = mcp.CodeInvalidParams
	rpcAgentFailure   = mcp.CodeServerError
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

func rpcSuccess(id json.RawMessage, result any) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", Result: result, ID: nullID(id)}
}

func rpcFailure(id json.RawMessage, code int, message string) rpcResponse {
	return rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: code, Message: message}, ID: nullID(id)}
}

func nullID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

type chatParams struct {
	Prompt       string `json:"prompt"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	SessionID    string `json:"session_id"`
	MaxToolSteps int    `json:"max_tool_steps"`
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	var resp rpcResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp = rpcFailure(nil, rpcParseError, "parse error: "+err.Error())
	} else {
		resp = s.dispatchRPC(r, req)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) dispatchRPC(r *http.Request, req rpcRequest) rpcResponse {
	s.logger.Debug("received JSON-RPC request", "method", req.Method)

	if req.JSONRPC != "2.0" {
		return rpcFailure(nil, rpcInvalidRequest, "Unsupported jsonrpc version (expected 2.0)")
	}

	switch req.Method {
	case "tether.session.create":
		return rpcSuccess(req.ID, map[string]string{"session_id": uuid.NewString()})

	case "tether.session.list":
		list := []any{}
		if s.deps.Sessions != nil {
			infos, err := s.deps.Sessions.List(r.Context())
			if err != nil {
				return rpcFailure(req.ID, rpcAgentFailure, err.Error())
			}
			for _, info := range infos {
				list = append(list, info)
			}
		}
		return rpcSuccess(req.ID, map[string]any{"sessions": list})

	case "tether.tools.list":
		tools := []map[string]string{}
		if s.deps.Tools != nil {
			for _, t := range s.deps.Tools.BuildContext(r.Context()).Tools {
				tools = append(tools, map[string]string{"name": t.Name, "description": t.Description})
			}
		}
		return rpcSuccess(req.ID, map[string]any{"tools": tools})

	case "tether.chat.message":
		return s.rpcChat(r, req)
	}

	s.logger.Warn("unknown JSON-RPC method", "method", req.Method)
	return rpcFailure(req.ID, rpcMethodNotFound, fmt.Sprintf("Method '%s' is not supported by this client.", req.Method))
}

func (s *Server) rpcChat(r *http.Request, req rpcRequest) rpcResponse {
	trimmed := strings.TrimSpace(string(req.Params))
	if !strings.HasPrefix(trimmed, "{") {
		return rpcFailure(req.ID, rpcInvalidParams, "params must be an object with prompt")
	}
	var params chatParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcFailure(req.ID, rpcInvalidParams, "params must be an object with prompt")
	}
	if strings.TrimSpace(params.Prompt) == "" {
		return rpcFailure(req.ID, rpcInvalidParams, "params.prompt must be a non-empty string")
	}
	if s.deps.Agent == nil {
		return rpcFailure(req.ID, rpcAgentFailure, "agent not configured")
	}

	provider, model := s.resolve(params.Provider, params.Model)
	s.logger.Info("processing chat message via JSON-RPC",
		"session_id", params.SessionID,
		"provider", provider,
		"model", model,
	)

	out, err := s.deps.Agent.Run(r.Context(), params.Prompt, agent.RunOptions{
		Provider:     params.Provider,
		Model:        params.Model,
		SystemPrompt: params.SystemPrompt,
		SessionID:    params.SessionID,
		MaxSteps:     params.MaxToolSteps,
	})
	if err != nil {
		s.logger.Error("agent run failed via JSON-RPC", "error", err)
		return rpcFailure(req.ID, rpcAgentFailure, userMessage(err))
	}

	steps := out.Steps
	if steps == nil {
		steps = []agent.Step{}
	}
	return rpcSuccess(req.ID, ChatResponse{
		SessionID: out.SessionID,
		Content:   out.Response,
		Provider:  provider,
		Model:     model,
		ToolSteps: steps,
		Logs:      out.Logs,
	})
}
