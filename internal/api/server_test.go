package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nugget/tether/internal/agent"
	"github.com/nugget/tether/internal/chat"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/llm"
	"github.com/nugget/tether/internal/mcp"
	"github.com/nugget/tether/internal/metrics"
	"github.com/nugget/tether/internal/runlog"
	"github.com/nugget/tether/internal/sessions"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	got agent.RunOptions
	out *agent.Outcome
	err error
}

func (f *fakeRunner) Run(_ context.Context, prompt string, opts agent.RunOptions) (*agent.Outcome, error) {
	f.got = opts
	if f.err != nil {
		return nil, f.err
	}
	out := *f.out
	out.Response = out.Response + " (" + prompt + ")"
	return &out, nil
}

type fakeChat struct {
	err error
}

func (f *fakeChat) Chat(_ context.Context, req chat.Request) (*chat.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &chat.Result{Content: "echo: " + req.Prompt, SessionID: "s-chat", Provider: "ollama", Model: "llama3"}, nil
}
func (f *fakeChat) DefaultProvider() string { return "ollama" }
func (f *fakeChat) DefaultModel() string    { return "llama3" }

type fakeCatalog struct{}

func (fakeCatalog) BuildContext(context.Context) agent.ToolContext {
	return agent.ToolContext{Tools: []agent.ToolDescriptor{{Name: "get_time", Description: "Current local time", Server: "time"}}}
}

type fakeServers struct {
	reset []string
}

func (f *fakeServers) Status() []mcp.ServerStatus {
	return []mcp.ServerStatus{{Name: "time", Command: "time-server", Running: true, Tools: []string{"get_time"}}}
}

func (f *fakeServers) Reset(name string) error {
	if name != "time" {
		return &mcp.Error{Server: name, Kind: mcp.KindNotConfigured}
	}
	f.reset = append(f.reset, name)
	return nil
}

type fakeRuns struct{}

func (fakeRuns) Recent(_ context.Context, limit int) ([]runlog.Run, error) {
	runs := []runlog.Run{{ID: "r1", Prompt: "a", Success: true}, {ID: "r2", Prompt: "b"}}
	if limit < len(runs) {
		runs = runs[:limit]
	}
	return runs, nil
}

func newTestServer(t *testing.T, deps Deps) *httptest.Server {
	t.Helper()
	s := NewServer(config.ListenConfig{}, "/metrics", deps, quietLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func defaultDeps() Deps {
	cfg := config.Default()
	cfg.Providers[0].APIKey = "secret"
	return Deps{
		Agent: &fakeRunner{out: &agent.Outcome{
			SessionID: "s-agent",
			Response:  "It is 10:00",
			Steps:     []agent.Step{{Tool: "get_time", Success: true, Input: json.RawMessage(`{}`), Output: json.RawMessage(`{}`)}},
			Logs:      []string{"log"},
		}},
		Chat:     &fakeChat{},
		Tools:    fakeCatalog{},
		Servers:  &fakeServers{},
		Sessions: sessions.NewMemory(),
		Runs:     fakeRuns{},
		Config:   cfg,
		Events:   events.New(),
	}
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestChat_Agent(t *testing.T) {
	deps := defaultDeps()
	ts := newTestServer(t, deps)

	resp, body := postJSON(t, ts.URL+"/v1/chat", `{"prompt":"time?","session_id":"abc","max_tool_steps":3}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["content"] != "It is 10:00 (time?)" || body["session_id"] != "s-agent" {
		t.Errorf("body = %v", body)
	}
	if body["provider"] != "ollama" || body["model"] != "llama3" {
		t.Errorf("provider/model = %v/%v", body["provider"], body["model"])
	}
	if steps, _ := body["tool_steps"].([]any); len(steps) != 1 {
		t.Errorf("tool_steps = %v", body["tool_steps"])
	}
	got := deps.Agent.(*fakeRunner).got
	if got.SessionID != "abc" || got.MaxSteps != 3 {
		t.Errorf("run options = %+v", got)
	}
}

func TestChat_Direct(t *testing.T) {
	ts := newTestServer(t, defaultDeps())

	resp, body := postJSON(t, ts.URL+"/v1/chat", `{"prompt":"hi","agent":false}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["content"] != "echo: hi" || body["session_id"] != "s-chat" {
		t.Errorf("body = %v", body)
	}
	if steps, ok := body["tool_steps"].([]any); !ok || len(steps) != 0 {
		t.Errorf("tool_steps = %v, want empty array", body["tool_steps"])
	}
}

func TestChat_Errors(t *testing.T) {
	tests := []struct {
		name       string
		deps       func() Deps
		body       string
		wantStatus int
		wantError  string
	}{
		{
			name:       "empty prompt",
			deps:       defaultDeps,
			body:       `{"prompt":"   "}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "prompt cannot be empty",
		},
		{
			name: "agent failure",
			deps: func() Deps {
				d := defaultDeps()
				d.Agent = &fakeRunner{err: &agent.Error{Kind: agent.KindTool, Err: &agent.ToolError{Kind: agent.ToolUnknown, Tool: "x"}}}
				return d
			},
			body:       `{"prompt":"go"}`,
			wantStatus: http.StatusBadGateway,
			wantError:  `The tool "x" is not available.`,
		},
		{
			name: "model failure",
			deps: func() Deps {
				d := defaultDeps()
				d.Chat = &fakeChat{err: errors.New("plain failure")}
				return d
			},
			body:       `{"prompt":"go","agent":false}`,
			wantStatus: http.StatusBadGateway,
			wantError:  "plain failure",
		},
		{
			name: "provider error message",
			deps: func() Deps {
				d := defaultDeps()
				d.Chat = &fakeChat{err: &llm.Error{Kind: llm.KindProviderNotFound, Provider: "nope"}}
				return d
			},
			body:       `{"prompt":"go","agent":false}`,
			wantStatus: http.StatusBadGateway,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.deps())
			resp, body := postJSON(t, ts.URL+"/v1/chat", tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			msg, _ := body["error"].(string)
			if msg == "" {
				t.Fatal("missing error message")
			}
			if tt.wantError != "" && msg != tt.wantError {
				t.Errorf("error = %q, want %q", msg, tt.wantError)
			}
		})
	}
}

func TestRPC(t *testing.T) {
	ts := newTestServer(t, defaultDeps())

	tests := []struct {
		name     string
		body     string
		wantCode float64
		check    func(t *testing.T, result map[string]any)
	}{
		{
			name:     "wrong version",
			body:     `{"jsonrpc":"1.0","method":"tether.session.create","id":1}`,
			wantCode: rpcInvalidRequest,
		},
		{
			name:     "unknown method",
			body:     `{"jsonrpc":"2.0","method":"tether.nope","id":2}`,
			wantCode: rpcMethodNotFound,
		},
		{
			name:     "bad params",
			body:     `{"jsonrpc":"2.0","method":"tether.chat.message","params":[1],"id":3}`,
			wantCode: rpcInvalidParams,
		},
		{
			name:     "empty prompt",
			body:     `{"jsonrpc":"2.0","method":"tether.chat.message","params":{"prompt":""},"id":4}`,
			wantCode: rpcInvalidParams,
		},
		{
			name:     "parse error",
			body:     `{not json`,
			wantCode: rpcParseError,
		},
		{
			name: "session create",
			body: `{"jsonrpc":"2.0","method":"tether.session.create","id":5}`,
			check: func(t *testing.T, result map[string]any) {
				if id, _ := result["session_id"].(string); len(id) != 36 {
					t.Errorf("session_id = %v", result["session_id"])
				}
			},
		},
		{
			name: "session list",
			body: `{"jsonrpc":"2.0","method":"tether.session.list","id":6}`,
			check: func(t *testing.T, result map[string]any) {
				if list, ok := result["sessions"].([]any); !ok || len(list) != 0 {
					t.Errorf("sessions = %v", result["sessions"])
				}
			},
		},
		{
			name: "tools list",
			body: `{"jsonrpc":"2.0","method":"tether.tools.list","id":7}`,
			check: func(t *testing.T, result map[string]any) {
				tools, _ := result["tools"].([]any)
				if len(tools) != 1 || tools[0].(map[string]any)["name"] != "get_time" {
					t.Errorf("tools = %v", result["tools"])
				}
			},
		},
		{
			name: "chat message",
			body: `{"jsonrpc":"2.0","method":"tether.chat.message","params":{"prompt":"time?"},"id":"c1"}`,
			check: func(t *testing.T, result map[string]any) {
				if result["content"] != "It is 10:00 (time?)" {
					t.Errorf("content = %v", result["content"])
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, body := postJSON(t, ts.URL+"/v1/rpc", tt.body)
			if body["jsonrpc"] != "2.0" {
				t.Errorf("jsonrpc = %v", body["jsonrpc"])
			}
			if tt.wantCode != 0 {
				rpcErr, _ := body["error"].(map[string]any)
				if rpcErr == nil || rpcErr["code"] != tt.wantCode {
					t.Fatalf("error = %v, want code %v", body["error"], tt.wantCode)
				}
				return
			}
			result, _ := body["result"].(map[string]any)
			if result == nil {
				t.Fatalf("no result: %v", body)
			}
			tt.check(t, result)
		})
	}
}

func TestRPC_AgentFailure(t *testing.T) {
	deps := defaultDeps()
	deps.Agent = &fakeRunner{err: &agent.Error{Kind: agent.KindInvalidResponse, Message: "bad"}}
	ts := newTestServer(t, deps)

	_, body := postJSON(t, ts.URL+"/v1/rpc", `{"jsonrpc":"2.0","method":"tether.chat.message","params":{"prompt":"x"},"id":9}`)
	rpcErr, _ := body["error"].(map[string]any)
	if rpcErr == nil || rpcErr["code"] != float64(rpcAgentFailure) {
		t.Fatalf("error = %v", body["error"])
	}
	if body["id"] != float64(9) {
		t.Errorf("id = %v", body["id"])
	}
}

func TestReadOnlyViews(t *testing.T) {
	ts := newTestServer(t, defaultDeps())

	_, tools := getJSON(t, ts.URL+"/v1/tools")
	if list, _ := tools["tools"].([]any); len(list) != 1 {
		t.Errorf("tools = %v", tools)
	}

	_, servers := getJSON(t, ts.URL+"/v1/servers")
	if list, _ := servers["servers"].([]any); len(list) != 1 {
		t.Errorf("servers = %v", servers)
	}

	_, runs := getJSON(t, ts.URL+"/v1/runs?limit=1")
	if list, _ := runs["runs"].([]any); len(list) != 1 {
		t.Errorf("runs = %v", runs)
	}

	_, health := getJSON(t, ts.URL+"/health")
	if health["status"] != "healthy" {
		t.Errorf("health = %v", health)
	}

	_, version := getJSON(t, ts.URL+"/v1/version")
	if _, ok := version["version"]; !ok {
		t.Errorf("version = %v", version)
	}
}

func TestConfigIsRedacted(t *testing.T) {
	ts := newTestServer(t, defaultDeps())

	resp, err := http.Get(ts.URL + "/v1/config")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(raw), "secret") {
		t.Errorf("config leaks API key: %s", raw)
	}
	if !strings.Contains(string(raw), `"default_provider":"ollama"`) {
		t.Errorf("config missing YAML field names: %s", raw)
	}
}

func TestServerReset(t *testing.T) {
	deps := defaultDeps()
	ts := newTestServer(t, deps)

	resp, _ := postJSON(t, ts.URL+"/v1/servers/time/reset", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if got := deps.Servers.(*fakeServers).reset; len(got) != 1 {
		t.Errorf("reset calls = %v", got)
	}

	resp, _ = postJSON(t, ts.URL+"/v1/servers/weather/reset", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown server status = %d, want 404", resp.StatusCode)
	}
}

func TestSessions(t *testing.T) {
	deps := defaultDeps()
	ctx := context.Background()
	_ = deps.Sessions.Append(ctx, "s1",
		llm.Message{Role: llm.RoleUser, Content: "hi"},
		llm.Message{Role: llm.RoleAssistant, Content: "hello"},
	)
	ts := newTestServer(t, deps)

	_, list := getJSON(t, ts.URL+"/v1/sessions")
	if sessions, _ := list["sessions"].([]any); len(sessions) != 1 {
		t.Errorf("sessions = %v", list)
	}

	_, history := getJSON(t, ts.URL+"/v1/sessions/s1")
	if msgs, _ := history["messages"].([]any); len(msgs) != 2 {
		t.Errorf("history = %v", history)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/sessions/s1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}

	resp, _ = getJSON(t, ts.URL+"/v1/sessions/s1")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted session status = %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.New(reg)
	rec.AgentRun("success", time.Second)

	deps := defaultDeps()
	deps.Gatherer = reg
	ts := newTestServer(t, deps)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), `tether_agent_runs_total{outcome="success"} 1`) {
		t.Errorf("metrics output missing agent run counter:\n%s", raw)
	}
}

func TestEventsWebsocket(t *testing.T) {
	deps := defaultDeps()
	ts := newTestServer(t, deps)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for deps.Events.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	deps.Events.Emit(events.SourceMCP, events.KindServerStarted, map[string]any{"server": "time"})

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got events.Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Source != events.SourceMCP || got.Kind != events.KindServerStarted || got.Data["server"] != "time" {
		t.Errorf("event = %+v", got)
	}
}

func TestCORS(t *testing.T) {
	deps := defaultDeps()
	s := NewServer(config.ListenConfig{CORSOrigins: []string{"http://ok.example"}}, "", deps, quietLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	for _, tt := range []struct {
		origin string
		want   string
	}{
		{"http://ok.example", "http://ok.example"},
		{"http://evil.example", ""},
	} {
		req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/v1/chat", nil)
		req.Header.Set("Origin", tt.origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: allow = %q, want %q", tt.origin, got, tt.want)
		}
	}
}
