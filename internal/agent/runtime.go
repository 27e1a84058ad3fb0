package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/tether/internal/mcp"
)

// Built-in tools handled without touching a server.
const (
	toolListTools   = "list_tools"
	toolTranslation = "translation"
)

const translationMessage = "No translation tool is needed. Answer directly in the same language as the user."

// ToolServer is the subset of the MCP registry the runtime needs.
// *mcp.Registry satisfies it.
type ToolServer interface {
	Invoke(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error)
	Instructions(ctx context.Context, server string) (string, error)
	ToolMetadata(ctx context.Context, server, tool string) (*mcp.ToolInfo, error)
}

// ToolRuntime resolves and executes the configured tools.
type ToolRuntime struct {
	tools   []ToolConfig
	index   map[string]ToolConfig
	servers ToolServer
	logger  *slog.Logger
}

// NewToolRuntime indexes tools by lowercased name.
func NewToolRuntime(tools []ToolConfig, servers ToolServer, logger *slog.Logger) *ToolRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	index := make(map[string]ToolConfig, len(tools))
	for _, t := range tools {
		index[strings.ToLower(t.Name)] = t
	}
	return &ToolRuntime{
		tools:   tools,
		index:   index,
		servers: servers,
		logger:  logger.With("component", "tool_runtime"),
	}
}

// Tools returns the configured tool declarations.
func (r *ToolRuntime) Tools() []ToolConfig {
	return r.tools
}

// BuildContext assembles the catalog shown to the model, enriching each
// local declaration with what its server reports. Server failures are
// logged and the local declaration is kept.
func (r *ToolRuntime) BuildContext(ctx context.Context) ToolContext {
	var tc ToolContext
	if len(r.tools) == 0 {
		return tc
	}

	seen := make(map[string]bool)
	for _, tool := range r.tools {
		if tool.Server != "" && !seen[tool.Server] {
			seen[tool.Server] = true
			instruction, err := r.servers.Instructions(ctx, tool.Server)
			if err != nil {
				r.logger.Warn("failed to load server instructions",
					"mcp_server", tool.Server,
					"error", err,
				)
			} else if instruction != "" {
				tc.Servers = append(tc.Servers, ServerGuidance{Name: tool.Server, Instruction: instruction})
			}
		}

		desc := ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			Server:      tool.Server,
		}
		if tool.Server != "" {
			info, err := r.servers.ToolMetadata(ctx, tool.Server, tool.Name)
			switch {
			case err != nil:
				r.logger.Warn("failed to load tool metadata",
					"tool", tool.Name,
					"mcp_server", tool.Server,
					"error", err,
				)
			case info != nil:
				mergeMetadata(&desc, info)
			}
		}
		tc.Tools = append(tc.Tools, desc)
	}
	return tc
}

func mergeMetadata(desc *ToolDescriptor, info *mcp.ToolInfo) {
	if info.Name != "" {
		desc.Name = info.Name
	}
	if remote := info.Description; remote != "" {
		local := strings.TrimSpace(desc.Description)
		if local == "" || local == strings.TrimSpace(remote) {
			desc.Description = remote
		} else {
			desc.Description = strings.TrimSpace(remote) + " " + local
		}
	}
	if len(info.InputSchema) > 0 {
		desc.InputSchema = info.InputSchema
	}
}

// Execute runs one tool. list_tools and translation are answered
// locally; anything else is dispatched to the tool's server.
func (r *ToolRuntime) Execute(ctx context.Context, name string, input json.RawMessage) (*ToolExecution, error) {
	switch {
	case strings.EqualFold(name, toolListTools):
		catalog := r.BuildContext(ctx)
		output, err := json.Marshal(catalog)
		if err != nil {
			output = json.RawMessage("null")
		}
		r.logger.Debug("agent requested tool catalog")
		exec := &ToolExecution{
			Tool:    toolListTools,
			Input:   input,
			Success: true,
			Output:  output,
			Message: fmt.Sprintf("Configured tools available: %d item(s).", len(catalog.Tools)),
		}
		r.logger.Info("tool executed", "tool", exec.Tool, "success", exec.Success)
		return exec, nil

	case strings.EqualFold(name, toolTranslation):
		exec := &ToolExecution{
			Tool:    toolTranslation,
			Input:   input,
			Output:  json.RawMessage("null"),
			Message: translationMessage,
		}
		r.logger.Info("tool executed", "tool", exec.Tool, "success", exec.Success)
		return exec, nil
	}

	tool, ok := r.index[strings.ToLower(name)]
	if !ok {
		r.logger.Warn("unknown tool requested by agent", "requested_tool", name)
		return nil, &ToolError{Kind: ToolUnknown, Tool: name}
	}
	if tool.Server == "" {
		r.logger.Warn("tool configured without server binding", "tool", tool.Name)
		return nil, &ToolError{Kind: ToolUnbound, Tool: tool.Name}
	}

	args := input
	if len(args) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}

	r.logger.Debug("dispatching tool via MCP", "tool", tool.Name, "mcp_server", tool.Server)
	raw, err := r.servers.Invoke(ctx, tool.Server, tool.Name, args)
	if err != nil {
		if errors.Is(err, mcp.ErrNotConfigured) {
			return nil, &ToolError{Kind: ToolUnbound, Tool: tool.Name, Err: err}
		}
		r.logger.Warn("tool execution failed",
			"tool", tool.Name,
			"mcp_server", tool.Server,
			"error", err,
		)
		return nil, &ToolError{Kind: ToolExecutionFailed, Tool: tool.Name, Err: err}
	}

	result := mcp.ParseCallResult(raw)
	exec := &ToolExecution{
		Tool:    tool.Name,
		Input:   input,
		Success: !result.IsError,
		Output:  raw,
		Message: result.Message(),
	}
	r.logger.Info("tool executed", "tool", exec.Tool, "success", exec.Success)
	return exec, nil
}
