package mcp

import (
	"context"

	"github.com/nugget/tether/internal/config"
)

// Discovery statuses.
const (
	StatusLoaded = "loaded"
	StatusFailed = "failed"
)

// DiscoveryResult reports what one server advertised at startup.
type DiscoveryResult struct {
	Server       string     `json:"server"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	Instructions string     `json:"instructions,omitempty"`
	Tools        []ToolInfo `json:"tools,omitempty"`
}

// Discover starts each named server in turn and lists its tools. A
// server that fails to start is reported, not returned as an error.
// With no names, every configured server is discovered.
func Discover(ctx context.Context, reg *Registry, servers ...string) []DiscoveryResult {
	if len(servers) == 0 {
		servers = reg.Servers()
	}

	out := make([]DiscoveryResult, 0, len(servers))
	for _, name := range servers {
		res := DiscoveryResult{Server: name}

		tools, err := reg.Tools(ctx, name)
		if err != nil {
			res.Status = StatusFailed
			res.Error = err.Error()
			out = append(out, res)
			continue
		}

		res.Status = StatusLoaded
		res.Tools = tools
		res.Instructions, _ = reg.Instructions(ctx, name)
		out = append(out, res)
	}
	return out
}

// ToolConfigs converts loaded results into tool declarations bound to
// their server, in discovery order.
func ToolConfigs(results []DiscoveryResult) []config.ToolConfig {
	var out []config.ToolConfig
	for _, r := range results {
		if r.Status != StatusLoaded {
			continue
		}
		for _, t := range r.Tools {
			out = append(out, config.ToolConfig{
				Name:        t.Name,
				Description: t.Description,
				Server:      r.Server,
			})
		}
	}
	return out
}
