package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
)

// protocolVersion is the MCP protocol revision advertised during initialize.
const protocolVersion = "2025-06-18"

// maxLineSize bounds a single newline-delimited frame from a server.
const maxLineSize = 16 << 20

var errNotRunning = errors.New("process is not running")

// ToolInfo is live tool metadata as advertised by tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// result is what a pending slot receives: a raw result or an error.
type result struct {
	value json.RawMessage
	err   error
}

// Process owns one MCP server child process and multiplexes concurrent
// JSON-RPC requests over its stdin/stdout. The child is spawned lazily by
// EnsureStarted and torn down by Reset, after which the next
// EnsureStarted spawns a fresh one.
type Process struct {
	cfg  config.ServerConfig
	opts options

	logger *slog.Logger

	startMu sync.Mutex // serializes EnsureStarted
	writeMu sync.Mutex // one frame at a time on stdin

	mu           sync.Mutex
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	writer       *bufio.Writer
	generation   uint64
	pending      map[string]chan result
	tools        map[string]ToolInfo
	toolOrder    []string
	instructions string

	nextID atomic.Uint64
}

// NewProcess returns an idle process handle for cfg. Nothing is spawned
// until EnsureStarted.
func NewProcess(cfg config.ServerConfig, opts ...Option) *Process {
	o := newOptions(opts)
	return &Process{
		cfg:     cfg,
		opts:    o,
		logger:  o.logger.With("mcp_server", cfg.Name),
		pending: make(map[string]chan result),
		tools:   make(map[string]ToolInfo),
	}
}

// Name returns the configured server name.
func (p *Process) Name() string { return p.cfg.Name }

// Running reports whether a child process is currently attached.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cmd != nil
}

// PID returns the child's process id, or 0 when not running.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// PendingCount returns the number of requests awaiting a response.
func (p *Process) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Instructions returns the server guidance captured during initialize.
func (p *Process) Instructions() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instructions
}

// Tool returns cached metadata for one tool.
func (p *Process) Tool(name string) (ToolInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tools[name]
	return t, ok
}

// Tools returns the cached catalog in the order the server listed it.
func (p *Process) Tools() []ToolInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ToolInfo, 0, len(p.toolOrder))
	for _, name := range p.toolOrder {
		out = append(out, p.tools[name])
	}
	return out
}

// EnsureStarted spawns the child and performs the initialize handshake
// if no child is attached. Concurrent callers wait for a single start.
func (p *Process) EnsureStarted(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.Running() {
		return nil
	}
	return p.start(ctx)
}

// start spawns the child. The child is not bound to ctx: it outlives the
// request that caused it to start and only stops on Reset.
func (p *Process) start(ctx context.Context) error {
	p.logger.Info("starting MCP server",
		"command", p.cfg.Command,
		"args", p.cfg.Args,
	)

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Env = append(os.Environ(), envList(p.cfg.ProcessEnv())...)
	cmd.Dir = p.cfg.Workdir
	cmd.Stderr = p.opts.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return newError(p.cfg.Name, KindTransport, fmt.Errorf("failed to capture stdin: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return newError(p.cfg.Name, KindTransport, fmt.Errorf("failed to capture stdout: %w", err))
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return newError(p.cfg.Name, KindSpawn, err)
	}

	p.mu.Lock()
	p.generation++
	gen := p.generation
	p.cmd = cmd
	p.stdin = stdin
	p.writer = bufio.NewWriter(stdin)
	p.mu.Unlock()

	go p.readLoop(gen, stdout)

	if err := p.handshake(ctx, gen); err != nil {
		p.logger.Warn("MCP handshake failed", "error", err)
		p.resetIf(gen, "handshake failed")
		return err
	}

	tools := p.Tools()
	p.logger.Info("MCP server ready",
		"pid", cmd.Process.Pid,
		"tools", len(tools),
	)
	p.opts.metrics.MCPStarted(p.cfg.Name)
	p.opts.bus.Emit(events.SourceMCP, events.KindServerStarted, map[string]any{
		"server": p.cfg.Name,
		"tools":  len(tools),
		"pid":    cmd.Process.Pid,
	})
	return nil
}

// initializeResult is the subset of the initialize result we keep.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
	Instructions string `json:"instructions"`
}

func (p *Process) handshake(ctx context.Context, gen uint64) error {
	raw, err := p.call(ctx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"clientInfo":      p.opts.client,
		"capabilities":    map[string]any{},
	})
	if err != nil {
		return err
	}

	var init initializeResult
	if err := json.Unmarshal(raw, &init); err != nil {
		return newError(p.cfg.Name, KindInvalidJSON, err)
	}

	p.mu.Lock()
	if p.generation == gen {
		p.instructions = init.Instructions
	}
	p.mu.Unlock()

	p.logger.Debug("MCP initialize complete",
		"protocol_version", init.ProtocolVersion,
		"server_name", init.ServerInfo.Name,
		"server_version", init.ServerInfo.Version,
	)

	if err := p.notify(gen, "notifications/initialized", nil); err != nil {
		return err
	}

	_, err = p.RefreshTools(ctx)
	return err
}

// RefreshTools re-reads tools/list and replaces the cached catalog.
func (p *Process) RefreshTools(ctx context.Context) ([]ToolInfo, error) {
	p.mu.Lock()
	gen := p.generation
	p.mu.Unlock()

	raw, err := p.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	var list struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, newError(p.cfg.Name, KindInvalidJSON, err)
	}

	tools := make(map[string]ToolInfo, len(list.Tools))
	order := make([]string, 0, len(list.Tools))
	for _, t := range list.Tools {
		if t.Name == "" {
			continue
		}
		if _, dup := tools[t.Name]; !dup {
			order = append(order, t.Name)
		}
		tools[t.Name] = t
	}

	p.mu.Lock()
	if p.generation == gen {
		p.tools = tools
		p.toolOrder = order
	}
	p.mu.Unlock()

	p.logger.Debug("MCP tool catalog refreshed", "count", len(order))
	return list.Tools, nil
}

// CallTool invokes tools/call and returns the raw result object. Null or
// empty arguments are sent as an empty object.
func (p *Process) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		args = json.RawMessage("{}")
	}
	return p.call(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
}

// call sends one request and waits for its response. The slot is
// registered before the frame is written so a fast reply cannot race
// ahead of it.
func (p *Process) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	start := time.Now()
	id := strconv.FormatUint(p.nextID.Add(1), 10)
	slot := make(chan result, 1)

	p.mu.Lock()
	if p.writer == nil {
		p.mu.Unlock()
		err := newError(p.cfg.Name, KindTransport, errNotRunning)
		p.observe(method, err, start)
		return nil, err
	}
	gen := p.generation
	p.pending[id] = slot
	p.mu.Unlock()

	if err := p.write(gen, NewRequest(id, method, params)); err != nil {
		p.dropPending(id)
		p.observe(method, err, start)
		return nil, err
	}

	select {
	case res := <-slot:
		p.observe(method, res.err, start)
		return res.value, res.err
	case <-ctx.Done():
		p.dropPending(id)
		err := newError(p.cfg.Name, KindCancelled, ctx.Err())
		p.observe(method, err, start)
		return nil, err
	}
}

func (p *Process) notify(gen uint64, method string, params any) error {
	return p.write(gen, NewNotification(method, params))
}

// write encodes msg as one line on the child's stdin. Failing to write
// resets the generation it was aimed at.
func (p *Process) write(gen uint64, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return newError(p.cfg.Name, KindInvalidJSON, err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	w := p.writer
	current := p.generation
	p.mu.Unlock()
	if w == nil || current != gen {
		return newError(p.cfg.Name, KindTerminated, nil)
	}

	p.logger.Log(context.Background(), config.LevelTrace, "-> MCP frame", "frame", string(data))

	if _, err = w.Write(data); err == nil {
		if err = w.WriteByte('\n'); err == nil {
			err = w.Flush()
		}
	}
	if err != nil {
		go p.resetIf(gen, "write failed")
		return newError(p.cfg.Name, KindTransport, err)
	}
	return nil
}

func (p *Process) dropPending(id string) {
	p.mu.Lock()
	delete(p.pending, id)
	p.mu.Unlock()
}

func (p *Process) observe(method string, err error, start time.Time) {
	outcome := "ok"
	var e *Error
	if errors.As(err, &e) {
		outcome = e.Kind.String()
	} else if err != nil {
		outcome = "error"
	}
	p.opts.metrics.MCPRequest(p.cfg.Name, method, outcome, time.Since(start))
}

// readLoop consumes stdout for one generation. When stdout closes the
// generation is reset; a loop from an older generation never touches a
// newer child. Lines over maxLineSize are dropped without a reset.
func (p *Process) readLoop(gen uint64, r io.Reader) {
	br := bufio.NewReaderSize(r, 64*1024)
	reason := "stdout closed"
	for {
		line, err := readFrame(br, maxLineSize)
		if errors.Is(err, errFrameTooLarge) {
			p.logger.Warn("skipping oversized line from MCP server", "limit_bytes", maxLineSize)
			continue
		}
		if len(line) > 0 {
			p.handleLine(gen, line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				reason = "read error: " + err.Error()
			}
			break
		}
	}
	p.resetIf(gen, reason)
}

var errFrameTooLarge = errors.New("frame exceeds size limit")

// readFrame reads one newline-terminated line. A line longer than limit
// is consumed through its newline and reported as errFrameTooLarge.
func readFrame(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = br.ReadSlice('\n')
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, err
			}
			return nil, errFrameTooLarge
		}
		line = append(line, chunk...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return line, err
		}
	}
}

func (p *Process) handleLine(gen uint64, raw []byte) {
	line := bytes.TrimSpace(raw)
	if len(line) == 0 {
		return
	}
	if line[0] == 0x1b {
		p.logger.Debug("skipping terminal output from MCP server", "line", truncate(string(line), 200))
		return
	}

	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		p.logger.Warn("skipping non-JSON line from MCP server",
			"error", err,
			"line", truncate(string(line), 200),
		)
		return
	}

	p.logger.Log(context.Background(), config.LevelTrace, "<- MCP frame", "frame", string(line))

	switch {
	case msg.hasID() && msg.Method != "":
		p.handleServerRequest(gen, &msg)
	case msg.hasID():
		p.resolve(&msg)
	case msg.Method != "":
		p.handleNotification(&msg)
	default:
		p.logger.Debug("ignoring MCP message without id or method")
	}
}

func (p *Process) resolve(msg *inbound) {
	key, ok := idKey(msg.ID)
	if !ok {
		p.logger.Warn("MCP response with unusable id", "id", string(msg.ID))
		return
	}

	p.mu.Lock()
	slot, found := p.pending[key]
	if found {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	if !found {
		p.logger.Debug("MCP response for unknown request", "id", key)
		return
	}

	if msg.Error != nil {
		code := CodeServerError
		if msg.Error.Code != nil {
			code = *msg.Error.Code
		}
		message := msg.Error.Message
		if message == "" {
			message = "unknown error"
		}
		slot <- result{err: &Error{Server: p.cfg.Name, Kind: KindRPC, Code: code, Message: message}}
		return
	}

	value := msg.Result
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	slot <- result{value: value}
}

// handleServerRequest answers requests the server sends to us. It runs
// on the read loop so replies go out in arrival order.
func (p *Process) handleServerRequest(gen uint64, msg *inbound) {
	reply := Response{JSONRPC: jsonrpcVersion, ID: msg.ID}

	switch msg.Method {
	case "ping":
		reply.Result = map[string]any{"ok": true}
	case "elicitation/create":
		reply.Result = elicitationAck(msg.Params)
	default:
		p.logger.Warn("MCP server sent unsupported request", "method", msg.Method)
		reply.Error = &RPCError{
			Code:    CodeMethodNotFound,
			Message: fmt.Sprintf("client does not implement method '%s'", msg.Method),
		}
	}

	if err := p.write(gen, reply); err != nil {
		p.logger.Warn("failed to answer MCP server request",
			"method", msg.Method,
			"error", err,
		)
	}
}

// elicitationAck accepts every elicitation, echoing the trimmed message.
func elicitationAck(params json.RawMessage) map[string]any {
	var req struct {
		Message string `json:"message"`
	}
	if len(params) > 0 {
		_ = json.Unmarshal(params, &req)
	}

	content := map[string]any{}
	if m := strings.TrimSpace(req.Message); m != "" {
		content["message"] = m
	}
	return map[string]any{
		"action":  "accept",
		"content": content,
	}
}

func (p *Process) handleNotification(msg *inbound) {
	p.logger.Debug("MCP notification", "method", msg.Method)

	switch msg.Method {
	case "notifications/tools/list_changed", "tools/list_changed":
		go func() {
			tools, err := p.RefreshTools(context.Background())
			if err != nil {
				p.logger.Warn("failed to refresh MCP tool catalog", "error", err)
				return
			}
			p.opts.bus.Emit(events.SourceMCP, events.KindToolsChanged, map[string]any{
				"server": p.cfg.Name,
				"tools":  len(tools),
			})
		}()
	}
}

// Reset tears down the child, failing every pending request with a
// termination error and clearing cached tools and instructions. It is
// safe to call on a stopped process.
func (p *Process) Reset() {
	p.mu.Lock()
	if p.cmd == nil && len(p.pending) == 0 {
		p.mu.Unlock()
		return
	}
	p.teardown("reset requested")
}

// resetIf resets only if gen is still the current generation.
func (p *Process) resetIf(gen uint64, reason string) {
	p.mu.Lock()
	if p.generation != gen || p.cmd == nil {
		p.mu.Unlock()
		return
	}
	p.teardown(reason)
}

// teardown must be called with p.mu held; it releases it.
func (p *Process) teardown(reason string) {
	cmd, stdin := p.cmd, p.stdin
	pending := p.pending

	p.cmd = nil
	p.stdin = nil
	p.writer = nil
	p.pending = make(map[string]chan result)
	p.tools = make(map[string]ToolInfo)
	p.toolOrder = nil
	p.instructions = ""
	p.generation++
	p.mu.Unlock()

	p.logger.Info("resetting MCP server", "reason", reason, "pending", len(pending))

	if stdin != nil {
		stdin.Close()
	}
	if cmd != nil && cmd.Process != nil {
		if err := cmd.Process.Kill(); err != nil {
			p.logger.Debug("kill MCP server", "error", err)
		}
		if err := cmd.Wait(); err != nil {
			p.logger.Debug("MCP server exited", "error", err)
		}
	}

	for _, slot := range pending {
		slot <- result{err: newError(p.cfg.Name, KindTerminated, nil)}
	}

	p.opts.metrics.MCPReset(p.cfg.Name)
	p.opts.bus.Emit(events.SourceMCP, events.KindServerReset, map[string]any{
		"server":  p.cfg.Name,
		"reason":  reason,
		"pending": len(pending),
	})
}

// envList renders overrides as KEY=VALUE in a stable order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
