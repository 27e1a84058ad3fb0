package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// fakeServerEnv selects a fake MCP server mode when the test binary is
// re-executed as a child process.
const fakeServerEnv = "TETHER_FAKE_MCP_SERVER"

func TestMain(m *testing.M) {
	switch mode := os.Getenv(fakeServerEnv); mode {
	case "":
		os.Exit(m.Run())
	case "mcpgo":
		os.Exit(runLibraryServer())
	default:
		os.Exit(runFakeServer(mode, os.Stdin, os.Stdout))
	}
}

// fakeServer is a minimal line-oriented MCP server. Each request is
// handled on its own goroutine so replies can arrive out of order.
type fakeServer struct {
	mode string

	outMu sync.Mutex
	out   *bufio.Writer

	repliesMu sync.Mutex
	replies   map[string]chan json.RawMessage

	changed atomic.Bool
}

type fakeMessage struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

func runFakeServer(mode string, in io.Reader, out io.Writer) int {
	if mode == "exit_early" {
		return 3
	}

	s := &fakeServer{
		mode:    mode,
		out:     bufio.NewWriter(out),
		replies: make(map[string]chan json.RawMessage),
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		var msg fakeMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch {
		case msg.Method == "" && len(msg.ID) > 0:
			var id string
			_ = json.Unmarshal(msg.ID, &id)
			s.deliver(id, line)
		case len(msg.ID) > 0:
			go s.handle(msg)
		}
	}
	return 0
}

func (s *fakeServer) raw(line string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	s.out.WriteString(line)
	s.out.WriteByte('\n')
	s.out.Flush()
}

func (s *fakeServer) send(v any) {
	data, _ := json.Marshal(v)
	s.raw(string(data))
}

func (s *fakeServer) replyID(id json.RawMessage) json.RawMessage {
	if s.mode == "numeric" {
		return json.RawMessage(strings.Trim(string(id), `"`))
	}
	return id
}

func (s *fakeServer) reply(id json.RawMessage, result any) {
	s.send(map[string]any{"jsonrpc": "2.0", "id": s.replyID(id), "result": result})
}

func (s *fakeServer) replyError(id json.RawMessage, code int, message string) {
	s.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      s.replyID(id),
		"error":   map[string]any{"code": code, "message": message},
	})
}

// ask sends a request to the client and waits for its reply.
func (s *fakeServer) ask(id, method string, params any) json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	s.repliesMu.Lock()
	s.replies[id] = ch
	s.repliesMu.Unlock()

	s.send(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params})
	return <-ch
}

func (s *fakeServer) deliver(id string, line []byte) {
	s.repliesMu.Lock()
	ch, ok := s.replies[id]
	delete(s.replies, id)
	s.repliesMu.Unlock()
	if ok {
		ch <- line
	}
}

func textResult(text string) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	}
}

func (s *fakeServer) handle(msg fakeMessage) {
	switch msg.Method {
	case "initialize":
		if s.mode == "noisy" {
			s.raw("")
			s.raw("\x1b[32mINFO\x1b[0m server booting")
			s.raw("plain log output, not JSON")
			s.raw(`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info"}}`)
		}
		if s.mode == "stderr" {
			var params struct {
				ClientInfo ClientInfo `json:"clientInfo"`
			}
			_ = json.Unmarshal(msg.Params, &params)
			fmt.Fprintf(os.Stderr, "client %s/%s\n", params.ClientInfo.Name, params.ClientInfo.Version)
		}
		if s.mode == "init_error" {
			s.replyError(msg.ID, -32603, "init exploded")
			return
		}
		s.reply(msg.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]any{"name": "fake", "version": "1.0.0"},
			"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
			"instructions":    "Use get_time for clocks.",
		})

	case "tools/list":
		tools := []map[string]any{
			{
				"name":        "get_time",
				"description": "Current local time",
				"inputSchema": map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
			{"name": "echo", "description": "Echo the arguments"},
		}
		if s.changed.Load() {
			tools = append(tools, map[string]any{"name": "extra", "description": "Added later"})
		}
		s.reply(msg.ID, map[string]any{"tools": tools})

	case "tools/call":
		s.callTool(msg)

	default:
		s.replyError(msg.ID, -32601, "method not found")
	}
}

func (s *fakeServer) callTool(msg fakeMessage) {
	var p struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	_ = json.Unmarshal(msg.Params, &p)

	switch p.Name {
	case "get_time":
		s.reply(msg.ID, textResult("10:00"))
	case "echo":
		s.reply(msg.ID, textResult(string(p.Arguments)))
	case "slow":
		var a struct {
			Ms int `json:"ms"`
		}
		_ = json.Unmarshal(p.Arguments, &a)
		time.Sleep(time.Duration(a.Ms) * time.Millisecond)
		s.reply(msg.ID, textResult(fmt.Sprintf("slept %d", a.Ms)))
	case "fail":
		s.replyError(msg.ID, -32050, "boom")
	case "fail_bare":
		s.send(map[string]any{"jsonrpc": "2.0", "id": s.replyID(msg.ID), "error": map[string]any{}})
	case "tool_error":
		s.reply(msg.ID, map[string]any{
			"content":           []map[string]any{{"type": "text", "text": "  "}},
			"isError":           true,
			"structuredContent": map[string]any{"error": map[string]any{"message": "city not found"}},
		})
	case "env":
		wd, _ := os.Getwd()
		s.reply(msg.ID, textResult(os.Getenv("DEFAULT_CITY")+"|"+os.Getenv("DEFAULT_TIMEZONE")+"|"+wd))
	case "announce":
		s.changed.Store(true)
		s.send(map[string]any{"jsonrpc": "2.0", "method": "notifications/tools/list_changed"})
		s.reply(msg.ID, textResult("announced"))
	case "ask":
		replies := []json.RawMessage{
			s.ask("s0", "ping", map[string]any{}),
			s.ask("s1", "elicitation/create", map[string]any{"message": "  Confirm?  "}),
			s.ask("s2", "elicitation/create", map[string]any{}),
			s.ask("s3", "sampling/createMessage", map[string]any{}),
		}
		data, _ := json.Marshal(replies)
		s.reply(msg.ID, textResult(string(data)))
	case "oversized":
		s.raw(strings.Repeat("x", maxLineSize+1))
		s.reply(msg.ID, textResult("after"))
	case "crash":
		os.Exit(2)
	case "hang":
		// never answers
	default:
		s.replyError(msg.ID, -32602, "unknown tool "+p.Name)
	}
}

// runLibraryServer serves a small catalog with the mcp-go server so the
// engine is exercised against an independent implementation.
func runLibraryServer() int {
	s := server.NewMCPServer(
		"library-fake",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("Greets people by name."),
	)

	greet := mcpproto.NewTool("greet",
		mcpproto.WithDescription("Say hello"),
		mcpproto.WithString("name", mcpproto.Required(), mcpproto.Description("Who to greet")),
	)
	s.AddTool(greet, func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		name := req.GetString("name", "")
		if name == "" {
			return mcpproto.NewToolResultError("name is required"), nil
		}
		return mcpproto.NewToolResultText("Hello, " + name + "!"), nil
	})

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
