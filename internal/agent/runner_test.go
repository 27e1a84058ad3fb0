package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/mcp"
)

func timeTools() []ToolConfig {
	return []ToolConfig{{Name: "get_time", Description: "Current local time", Server: "time"}}
}

func timeServers() *stubServers {
	return &stubServers{
		results: map[string]string{
			"get_time": `{"content":[{"type":"text","text":"10:00"}]}`,
		},
	}
}

func newTestAgent(c ChatClient, tools []ToolConfig, servers ToolServer, opts ...Option) *Agent {
	rt := NewToolRuntime(tools, servers, quietLogger())
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	return New(c, rt, opts...)
}

func TestRun_ToolThenFinal(t *testing.T) {
	c := &scriptedChat{replies: []string{
		`{"action":"call_tool","tool":"get_time","input":{"city":"Jakarta"}}`,
		"```json\n{\"action\":\"final\",\"response\":\"It is 10:00 in Jakarta.\"}\n```",
	}}
	servers := timeServers()
	runs := &memoryRuns{}
	a := newTestAgent(c, timeTools(), servers, WithRunLog(runs))

	out, err := a.Run(context.Background(), "What time is it in Jakarta?", RunOptions{SystemPrompt: "Be brief."})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "It is 10:00 in Jakarta." {
		t.Errorf("Response = %q", out.Response)
	}
	if out.SessionID != "session-1" {
		t.Errorf("SessionID = %q", out.SessionID)
	}
	if len(out.Steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(out.Steps))
	}
	step := out.Steps[0]
	if step.Tool != "get_time" || !step.Success || step.Message != "10:00" {
		t.Errorf("step = %+v", step)
	}
	if string(step.Input) != `{"city":"Jakarta"}` {
		t.Errorf("step input = %s", step.Input)
	}
	if servers.calls[0] != "time/get_time" || string(servers.args[0]) != `{"city":"Jakarta"}` {
		t.Errorf("invoked %v with %s", servers.calls, servers.args[0])
	}

	if len(c.requests) != 2 {
		t.Fatalf("model saw %d requests, want 2", len(c.requests))
	}
	first, second := c.requests[0], c.requests[1]
	if !strings.HasPrefix(first.SystemPrompt, "Be brief.\n\nYou are an autonomous assistant") {
		t.Errorf("first system prompt = %q", first.SystemPrompt)
	}
	if second.SystemPrompt != "" {
		t.Errorf("system prompt resent on second call: %q", second.SystemPrompt)
	}
	if second.SessionID != "session-1" {
		t.Errorf("second call session = %q", second.SessionID)
	}

	var envelope struct {
		ToolResult struct {
			Tool    string          `json:"tool"`
			Success bool            `json:"success"`
			Output  json.RawMessage `json:"output"`
			Message *string         `json:"message"`
		} `json:"tool_result"`
		Instruction string `json:"instruction"`
	}
	if err := json.Unmarshal([]byte(second.Prompt), &envelope); err != nil {
		t.Fatalf("tool result prompt is not JSON: %v\n%s", err, second.Prompt)
	}
	if envelope.ToolResult.Tool != "get_time" || envelope.ToolResult.Message == nil || *envelope.ToolResult.Message != "10:00" {
		t.Errorf("tool_result = %+v", envelope.ToolResult)
	}
	if envelope.Instruction != config.DefaultToolResultInstruction {
		t.Errorf("instruction = %q", envelope.Instruction)
	}

	if len(runs.runs) != 1 || !runs.runs[0].Success || runs.runs[0].Steps != 1 || runs.runs[0].Provider != "ollama" {
		t.Errorf("recorded runs = %+v", runs.runs)
	}
}

func TestRun_ListToolsThenFinal(t *testing.T) {
	c := &scriptedChat{replies: []string{
		`{"action":"call_tool","tool":"list_tools"}`,
		`{"action":"final","response":"all done"}`,
	}}
	servers := timeServers()
	a := newTestAgent(c, timeTools(), servers)

	out, err := a.Run(context.Background(), "what can you do?", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "all done" {
		t.Errorf("Response = %q", out.Response)
	}
	if len(out.Steps) != 1 || out.Steps[0].Tool != "list_tools" || !out.Steps[0].Success {
		t.Fatalf("steps = %+v", out.Steps)
	}
	if out.Steps[0].Message != "Configured tools available: 1 item(s)." {
		t.Errorf("message = %q", out.Steps[0].Message)
	}
	if string(out.Steps[0].Input) != "null" {
		t.Errorf("input = %s, want null", out.Steps[0].Input)
	}
	if servers.invocations() != 0 {
		t.Errorf("list_tools invoked a server %d times", servers.invocations())
	}
}

func TestRun_StepBudget(t *testing.T) {
	c := &scriptedChat{replies: []string{`{"action":"call_tool","tool":"get_time","input":{}}`}}
	servers := timeServers()
	a := newTestAgent(c, timeTools(), servers)

	_, err := a.Run(context.Background(), "loop forever", RunOptions{MaxSteps: 2})
	var agentErr *Error
	if !errors.As(err, &agentErr) || agentErr.Kind != KindInvalidResponse {
		t.Fatalf("err = %v, want invalid response", err)
	}
	if want := "invalid agent response: agent exceeded the maximum number of tool interactions"; err.Error() != want {
		t.Errorf("err = %q, want %q", err, want)
	}
	if servers.invocations() != 2 {
		t.Errorf("tool invoked %d times, want 2", servers.invocations())
	}
	if len(c.requests) != 3 {
		t.Errorf("model called %d times, want 3", len(c.requests))
	}
}

func TestRun_DefaultStepBudget(t *testing.T) {
	c := &scriptedChat{replies: []string{`{"action":"call_tool","tool":"get_time"}`}}
	servers := timeServers()
	a := newTestAgent(c, timeTools(), servers)

	if _, err := a.Run(context.Background(), "loop", RunOptions{}); err == nil {
		t.Fatal("expected budget error")
	}
	if servers.invocations() != DefaultMaxSteps {
		t.Errorf("tool invoked %d times, want %d", servers.invocations(), DefaultMaxSteps)
	}
}

func TestRun_ConfiguredStepBudget(t *testing.T) {
	tests := []struct {
		name        string
		opts        RunOptions
		wantInvokes int
	}{
		{name: "agent budget", opts: RunOptions{}, wantInvokes: 1},
		{name: "request overrides", opts: RunOptions{MaxSteps: 3}, wantInvokes: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scriptedChat{replies: []string{`{"action":"call_tool","tool":"get_time"}`}}
			servers := timeServers()
			a := newTestAgent(c, timeTools(), servers, WithMaxSteps(1))

			_, err := a.Run(context.Background(), "loop", tt.opts)
			if err == nil || !strings.Contains(err.Error(), "maximum number of tool interactions") {
				t.Fatalf("err = %v, want budget error", err)
			}
			if servers.invocations() != tt.wantInvokes {
				t.Errorf("tool invoked %d times, want %d", servers.invocations(), tt.wantInvokes)
			}
		})
	}
}

func TestWithMaxSteps_IgnoresNonPositive(t *testing.T) {
	a := newTestAgent(&scriptedChat{}, nil, &stubServers{}, WithMaxSteps(0))
	if a.maxSteps != DefaultMaxSteps {
		t.Errorf("maxSteps = %d, want %d", a.maxSteps, DefaultMaxSteps)
	}
}

func TestRun_JSONRetryCeiling(t *testing.T) {
	c := &scriptedChat{replies: []string{"I think the answer is ten."}}
	a := newTestAgent(c, nil, &stubServers{})

	_, err := a.Run(context.Background(), "time?", RunOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Invalid JSON after 3 retry attempts") {
		t.Errorf("err = %v", err)
	}
	if len(c.requests) != 1+MaxJSONRetries {
		t.Fatalf("model called %d times, want %d", len(c.requests), 1+MaxJSONRetries)
	}
	for i, req := range c.requests[1:] {
		if !strings.HasPrefix(req.Prompt, config.DefaultJSONRetryMessage+"\n\nError details: ") {
			t.Errorf("correction %d prompt = %q", i+1, req.Prompt)
		}
		if req.SystemPrompt != "" {
			t.Errorf("correction %d carried a system prompt", i+1)
		}
		if req.SessionID != "session-1" {
			t.Errorf("correction %d session = %q", i+1, req.SessionID)
		}
	}
}

func TestRun_JSONRetryRecovers(t *testing.T) {
	c := &scriptedChat{replies: []string{
		"Sure! Let me check.",
		`{"action":"final","response":"fixed"}`,
	}}
	a := newTestAgent(c, nil, &stubServers{}, WithPrompts(config.PromptsConfig{JSONRetryMessage: "JSON please."}))

	out, err := a.Run(context.Background(), "hi", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Response != "fixed" {
		t.Errorf("Response = %q", out.Response)
	}
	if !strings.HasPrefix(c.requests[1].Prompt, "JSON please.\n\nError details: invalid agent response: expected JSON object") {
		t.Errorf("correction prompt = %q", c.requests[1].Prompt)
	}
	found := false
	for _, l := range out.Logs {
		if strings.HasPrefix(l, "JSON parse retry attempt 1/3:") {
			found = true
		}
	}
	if !found {
		t.Errorf("retry not logged: %v", out.Logs)
	}
}

func TestRun_CorrectionFails(t *testing.T) {
	c := &scriptedChat{replies: []string{"not json"}, failAt: 2}
	a := newTestAgent(c, nil, &stubServers{})

	_, err := a.Run(context.Background(), "hi", RunOptions{})
	if err == nil || !strings.Contains(err.Error(), "Failed to get correction after JSON parse error: model down") {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, errModelDown) {
		t.Errorf("cause not wrapped: %v", err)
	}
}

func TestRun_ModelFailure(t *testing.T) {
	c := &scriptedChat{replies: []string{"unused"}, failAt: 1}
	runs := &memoryRuns{}
	a := newTestAgent(c, nil, &stubServers{}, WithRunLog(runs))

	_, err := a.Run(context.Background(), "hi", RunOptions{})
	var agentErr *Error
	if !errors.As(err, &agentErr) || agentErr.Kind != KindModel {
		t.Fatalf("err = %v, want model error", err)
	}
	if len(runs.runs) != 1 || runs.runs[0].Success || runs.runs[0].Error == "" {
		t.Errorf("recorded runs = %+v", runs.runs)
	}
}

func TestRun_ToolFailures(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		tools    []ToolConfig
		servers  *stubServers
		wantKind ToolErrorKind
		wantText string
	}{
		{
			name:     "unknown",
			tool:     "weather",
			tools:    timeTools(),
			servers:  timeServers(),
			wantKind: ToolUnknown,
			wantText: "unknown tool requested: weather",
		},
		{
			name:     "unbound",
			tool:     "get_time",
			tools:    []ToolConfig{{Name: "get_time"}},
			servers:  timeServers(),
			wantKind: ToolUnbound,
			wantText: "tool 'get_time' is not bound to any MCP server",
		},
		{
			name:     "server not configured",
			tool:     "GET_TIME",
			tools:    timeTools(),
			servers:  &stubServers{invokeErr: &mcp.Error{Server: "time", Kind: mcp.KindNotConfigured}},
			wantKind: ToolUnbound,
			wantText: "tool 'get_time' is not bound to any MCP server",
		},
		{
			name:     "transport failure",
			tool:     "get_time",
			tools:    timeTools(),
			servers:  &stubServers{invokeErr: &mcp.Error{Server: "time", Kind: mcp.KindTerminated}},
			wantKind: ToolExecutionFailed,
			wantText: "failed to execute tool 'get_time': MCP server 'time' terminated unexpectedly",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &scriptedChat{replies: []string{`{"action":"call_tool","tool":"` + tt.tool + `"}`}}
			a := newTestAgent(c, tt.tools, tt.servers)

			_, err := a.Run(context.Background(), "go", RunOptions{})
			var agentErr *Error
			if !errors.As(err, &agentErr) || agentErr.Kind != KindTool {
				t.Fatalf("err = %v, want tool error", err)
			}
			var toolErr *ToolError
			if !errors.As(err, &toolErr) || toolErr.Kind != tt.wantKind {
				t.Fatalf("tool error = %v, want kind %d", toolErr, tt.wantKind)
			}
			if err.Error() != tt.wantText {
				t.Errorf("err = %q, want %q", err, tt.wantText)
			}
			if agentErr.UserMessage() == "" {
				t.Error("empty UserMessage")
			}
		})
	}
}

func TestRun_Events(t *testing.T) {
	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	c := &scriptedChat{replies: []string{
		`{"action":"call_tool","tool":"get_time"}`,
		`{"action":"final","response":"10:00"}`,
	}}
	a := newTestAgent(c, timeTools(), timeServers(), WithEvents(bus))
	if _, err := a.Run(context.Background(), "time?", RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var kinds []string
	for len(sub) > 0 {
		kinds = append(kinds, (<-sub).Kind)
	}
	want := []string{
		events.KindRequestStart,
		events.KindLLMCall,
		events.KindToolCall,
		events.KindToolDone,
		events.KindLLMCall,
		events.KindRequestComplete,
	}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", kinds, want)
	}
}

func TestRun_EmptyArgumentsBecomeObject(t *testing.T) {
	c := &scriptedChat{replies: []string{
		`{"action":"call_tool","tool":"get_time","input":null}`,
		`{"action":"final","response":"ok"}`,
	}}
	servers := timeServers()
	a := newTestAgent(c, timeTools(), servers)
	if _, err := a.Run(context.Background(), "x", RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(servers.args[0]) != "{}" {
		t.Errorf("arguments = %s, want {}", servers.args[0])
	}
}
