package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/nugget/tether/internal/chat"
	"github.com/nugget/tether/internal/mcp"
	"github.com/nugget/tether/internal/runlog"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubServers is a hand-written ToolServer.
type stubServers struct {
	mu           sync.Mutex
	instructions map[string]string
	metadata     map[string]*mcp.ToolInfo // keyed by server/tool
	results      map[string]string        // keyed by tool
	invokeErr    error
	metaErr      error
	calls        []string
	args         []json.RawMessage
}

func (s *stubServers) Invoke(_ context.Context, server, tool string, args json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, server+"/"+tool)
	s.args = append(s.args, args)
	if s.invokeErr != nil {
		return nil, s.invokeErr
	}
	if res, ok := s.results[tool]; ok {
		return json.RawMessage(res), nil
	}
	return json.RawMessage(`{"content":[]}`), nil
}

func (s *stubServers) Instructions(_ context.Context, server string) (string, error) {
	if s.metaErr != nil {
		return "", s.metaErr
	}
	return s.instructions[server], nil
}

func (s *stubServers) ToolMetadata(_ context.Context, server, tool string) (*mcp.ToolInfo, error) {
	if s.metaErr != nil {
		return nil, s.metaErr
	}
	return s.metadata[server+"/"+tool], nil
}

func (s *stubServers) invocations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// scriptedChat replays canned model replies. When the script runs out
// the last reply repeats.
type scriptedChat struct {
	mu       sync.Mutex
	replies  []string
	failAt   int // 1-based call number that fails; 0 never
	requests []chat.Request
}

var errModelDown = errors.New("model down")

func (c *scriptedChat) Chat(_ context.Context, req chat.Request) (*chat.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	n := len(c.requests)
	if c.failAt == n {
		return nil, errModelDown
	}
	reply := c.replies[len(c.replies)-1]
	if n <= len(c.replies) {
		reply = c.replies[n-1]
	}
	sid := req.SessionID
	if sid == "" {
		sid = "session-1"
	}
	return &chat.Result{
		Content:   reply,
		SessionID: sid,
		Logs:      []string{"Model: " + chat.Summarise(reply)},
	}, nil
}

func (c *scriptedChat) DefaultProvider() string { return "ollama" }
func (c *scriptedChat) DefaultModel() string    { return "llama3" }

// memoryRuns collects recorded runs.
type memoryRuns struct {
	mu   sync.Mutex
	runs []runlog.Run
}

func (m *memoryRuns) Record(_ context.Context, r runlog.Run) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return "run-1", nil
}
