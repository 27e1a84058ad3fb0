package mcp

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/nugget/tether/internal/config"
)

// Registry maps configured server names to their processes. A process is
// created on first use and shared by every later caller.
type Registry struct {
	opts    []Option
	configs map[string]config.ServerConfig

	mu        sync.Mutex
	processes map[string]*Process
}

// ServerStatus is a point-in-time view of one configured server.
type ServerStatus struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Running bool     `json:"running"`
	PID     int      `json:"pid,omitempty"`
	Pending int      `json:"pending"`
	Tools   []string `json:"tools,omitempty"`
}

// NewRegistry builds a registry over servers. Later entries with a
// duplicate name replace earlier ones; config.Validate rejects that case
// before it gets here.
func NewRegistry(servers []config.ServerConfig, opts ...Option) *Registry {
	configs := make(map[string]config.ServerConfig, len(servers))
	for _, s := range servers {
		configs[s.Name] = s
	}
	return &Registry{
		opts:      opts,
		configs:   configs,
		processes: make(map[string]*Process),
	}
}

// Servers returns the configured server names, sorted.
func (r *Registry) Servers() []string {
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is configured.
func (r *Registry) Has(name string) bool {
	_, ok := r.configs[name]
	return ok
}

// process returns the shared process for name, creating it if needed.
func (r *Registry) process(name string) (*Process, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &Error{Server: name, Kind: KindNotConfigured}
	}
	cfg, ok := r.configs[name]
	if !ok {
		return nil, &Error{Server: name, Kind: KindNotConfigured}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[name]
	if !ok {
		p = NewProcess(cfg, r.opts...)
		r.processes[name] = p
	}
	return p, nil
}

// running returns the process for name, started and initialized.
func (r *Registry) running(ctx context.Context, name string) (*Process, error) {
	p, err := r.process(name)
	if err != nil {
		return nil, err
	}
	if err := p.EnsureStarted(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// Invoke calls tool on server and returns the raw tools/call result.
func (r *Registry) Invoke(ctx context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	p, err := r.running(ctx, server)
	if err != nil {
		return nil, err
	}
	return p.CallTool(ctx, tool, args)
}

// Instructions returns the server guidance from initialize. An empty
// string means the server sent none.
func (r *Registry) Instructions(ctx context.Context, server string) (string, error) {
	p, err := r.running(ctx, server)
	if err != nil {
		return "", err
	}
	return p.Instructions(), nil
}

// ToolMetadata returns cached metadata for tool, or nil when the server
// does not advertise it.
func (r *Registry) ToolMetadata(ctx context.Context, server, tool string) (*ToolInfo, error) {
	p, err := r.running(ctx, server)
	if err != nil {
		return nil, err
	}
	info, ok := p.Tool(tool)
	if !ok {
		return nil, nil
	}
	return &info, nil
}

// Tools returns the full cached catalog for server.
func (r *Registry) Tools(ctx context.Context, server string) ([]ToolInfo, error) {
	p, err := r.running(ctx, server)
	if err != nil {
		return nil, err
	}
	return p.Tools(), nil
}

// Reset tears down the process for server if one exists.
func (r *Registry) Reset(server string) error {
	p, err := r.process(server)
	if err != nil {
		return err
	}
	p.Reset()
	return nil
}

// Status reports every configured server without starting any.
func (r *Registry) Status() []ServerStatus {
	out := make([]ServerStatus, 0, len(r.configs))
	for _, name := range r.Servers() {
		st := ServerStatus{Name: name, Command: r.configs[name].Command}

		r.mu.Lock()
		p := r.processes[name]
		r.mu.Unlock()

		if p != nil {
			st.Running = p.Running()
			st.PID = p.PID()
			st.Pending = p.PendingCount()
			for _, t := range p.Tools() {
				st.Tools = append(st.Tools, t.Name)
			}
		}
		out = append(out, st)
	}
	return out
}

// Close resets every process.
func (r *Registry) Close() {
	r.mu.Lock()
	procs := make([]*Process, 0, len(r.processes))
	for _, p := range r.processes {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		p.Reset()
	}
}
