// Package stdio runs the interactive line-oriented front end. Each
// input line is either a slash command or a prompt for the agent (or,
// with agent mode off, a direct chat turn).
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/tether/internal/agent"
	"github.com/nugget/tether/internal/chat"
	"github.com/nugget/tether/internal/config"
)

// Runner runs the agent loop. *agent.Agent satisfies it.
type Runner interface {
	Run(ctx context.Context, prompt string, opts agent.RunOptions) (*agent.Outcome, error)
}

// Chatter sends direct chat turns. *chat.Client satisfies it.
type Chatter interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Result, error)
}

// Catalog builds the tool context. *agent.ToolRuntime satisfies it.
type Catalog interface {
	BuildContext(ctx context.Context) agent.ToolContext
}

// Option configures a REPL.
type Option func(*REPL)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *REPL) { r.logger = l }
}

// WithTools enables the /tools command.
func WithTools(c Catalog) Option {
	return func(r *REPL) { r.tools = c }
}

// WithConfig enables the /config command. path is shown as the source
// file and may be empty.
func WithConfig(cfg *config.Config, path string) Option {
	return func(r *REPL) {
		r.cfg = cfg
		r.configPath = path
	}
}

// REPL holds the state of one interactive session.
type REPL struct {
	agent      Runner
	chat       Chatter
	tools      Catalog
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	out        io.Writer

	sessionID string
	agentMode bool
	lastLogs  []string
	lastSteps []agent.Step
}

// New creates a REPL writing to out. Agent mode starts on.
func New(a Runner, c Chatter, out io.Writer, opts ...Option) *REPL {
	r := &REPL{
		agent:     a,
		chat:      c,
		out:       out,
		agentMode: true,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SessionID returns the active session, empty before the first reply.
func (r *REPL) SessionID() string { return r.sessionID }

// AgentMode reports whether plain input runs the agent.
func (r *REPL) AgentMode() bool { return r.agentMode }

// Run reads lines from in until EOF, /exit or ctx cancellation.
func (r *REPL) Run(ctx context.Context, in io.Reader) error {
	r.banner()
	r.help()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		r.prompt()
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			r.println("\nInput closed. Leaving interactive mode.")
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line[0] == '/' || line[0] == ':' {
			if exit := r.command(ctx, line); exit {
				return nil
			}
			continue
		}
		r.send(ctx, line)
	}
}

// command handles a slash command and reports whether to exit.
func (r *REPL) command(ctx context.Context, input string) bool {
	fields := strings.Fields(strings.TrimLeft(input, "/:"))
	if len(fields) == 0 {
		return false
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]
	r.logger.Debug("processing interactive command", "command", name)

	switch name {
	case "help", "?":
		r.help()
	case "exit", "quit", "q":
		r.println("Closing interactive mode.")
		return true
	case "reset", "clear":
		r.reset()
		r.println("Session history cleared. Starting a new session.")
	case "agent":
		r.setAgent(args)
	case "config":
		r.showConfig()
	case "log", "logs":
		if len(r.lastLogs) == 0 {
			r.println("No logs from the last interaction yet.")
		} else {
			r.printLogs()
		}
	case "steps", "toolsteps":
		if len(r.lastSteps) == 0 {
			r.println("No tool executions in the last interaction.")
		} else {
			r.printSteps()
		}
	case "tools":
		r.showTools(ctx)
	default:
		r.printf("Unknown command '%s'. Use /help for a list of commands.\n", name)
	}
	return false
}

func (r *REPL) setAgent(args []string) {
	mode := !r.agentMode
	if len(args) > 0 {
		switch strings.ToLower(args[0]) {
		case "on":
			mode = true
		case "off":
			mode = false
		case "toggle":
		default:
			r.printf("Unknown agent value '%s'. Use on, off or toggle.\n", args[0])
			return
		}
	}
	r.agentMode = mode
	if mode {
		r.println("Agent mode on. The next message runs the agent loop.")
	} else {
		r.println("Direct chat mode on. The next message goes straight to the model.")
	}
}

func (r *REPL) send(ctx context.Context, prompt string) {
	if r.agentMode {
		r.logger.Info("processing interactive request in agent mode")
		r.runAgent(ctx, prompt, r.sessionID)
		return
	}

	r.logger.Info("processing interactive chat request")
	res, err := r.chat.Chat(ctx, chat.Request{Prompt: prompt, SessionID: r.sessionID})
	if err != nil {
		r.logger.Error("interactive chat request failed", "error", err)
		r.println("\nRequest failed:")
		r.println(userMessage(err))
		r.lastLogs, r.lastSteps = nil, nil
		return
	}

	if agent.LooksLikeToolCall(res.Content) {
		r.println("\nThe model asked for a tool. Switching to the agent for this message.")
		r.reset()
		r.runAgent(ctx, prompt, "")
		return
	}

	r.announceSession(res.SessionID, "\nActive session: ")
	r.println("Assistant:")
	r.println(res.Content)
	r.lastSteps = nil
	r.lastLogs = res.Logs
	if len(res.Logs) > 0 {
		r.println("")
		r.println("(Use /log to see the latest logs.)")
	}
}

func (r *REPL) runAgent(ctx context.Context, prompt, sessionID string) {
	out, err := r.agent.Run(ctx, prompt, agent.RunOptions{SessionID: sessionID})
	if err != nil {
		r.logger.Error("agent processing failed", "error", err)
		r.println("\nThe agent failed:")
		r.println(userMessage(err))
		r.lastLogs, r.lastSteps = nil, nil
		return
	}

	r.announceSession(out.SessionID, "\nActive session updated: ")
	r.println("Agent:")
	r.println(out.Response)
	r.lastSteps = out.Steps
	r.lastLogs = out.Logs
}

// announceSession records id and prints it when it changed.
func (r *REPL) announceSession(id, label string) {
	if id != r.sessionID {
		r.sessionID = id
		r.println(label + id)
		return
	}
	r.println("")
}

func (r *REPL) reset() {
	r.sessionID = ""
	r.lastLogs = nil
	r.lastSteps = nil
}

func (r *REPL) printLogs() {
	r.println("")
	r.println("Log:")
	for _, l := range r.lastLogs {
		r.println("  - " + l)
	}
}

func (r *REPL) printSteps() {
	r.println("\nTool steps:")
	for i, s := range r.lastSteps {
		status := "ok"
		if !s.Success {
			status = "failed"
		}
		r.printf("  %d. %s [%s]\n", i+1, s.Tool, status)
		if s.Message != "" {
			r.println("     note: " + s.Message)
		}
		r.printJSON("     in : ", s.Input)
		r.printJSON("     out: ", s.Output)
	}
}

func (r *REPL) printJSON(prefix string, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	text := string(raw)
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		if pretty, err := json.MarshalIndent(v, "", "  "); err == nil {
			text = string(pretty)
		}
	}
	for _, line := range strings.Split(text, "\n") {
		r.println(prefix + line)
	}
}

func (r *REPL) showTools(ctx context.Context) {
	if r.tools == nil {
		r.println("Tool runtime is not available.")
		return
	}
	tc := r.tools.BuildContext(ctx)
	if len(tc.Tools) == 0 {
		r.println("No tools configured.")
		return
	}
	r.printf("\nConfigured tools (%d):\n", len(tc.Tools))
	for _, t := range tc.Tools {
		line := "  - " + t.Name
		if t.Description != "" {
			line += " - " + t.Description
		}
		if t.Server != "" {
			line += " [server: " + t.Server + "]"
		}
		r.println(line)
	}
}

func (r *REPL) showConfig() {
	if r.cfg == nil {
		r.println("Configuration is not available.")
		return
	}
	c := r.cfg
	r.println("\n=== Active configuration ===")
	r.println("- Default provider : " + c.DefaultProvider)
	r.println("- Model            : " + c.Model)
	r.println("- System prompt    : " + preview(c.SystemPrompt))
	r.println("- Prompt template  : " + preview(c.PromptTemplate))
	r.printf("- Max tool steps   : %d\n", c.Agent.MaxSteps)

	if len(c.Tools) == 0 {
		r.println("- Tools            : (none)")
	} else {
		r.println("- Tools:")
		for _, t := range c.Tools {
			line := "  - " + t.Name
			if t.Description != "" {
				line += " - " + t.Description
			}
			if t.Server != "" {
				line += " [server: " + t.Server + "]"
			}
			r.println(line)
		}
	}

	if len(c.Servers) == 0 {
		r.println("- MCP servers      : (none)")
	} else {
		r.println("- MCP servers:")
		for _, s := range c.Servers {
			line := "  - " + s.Name + " -> " + s.Command
			if len(s.Args) > 0 {
				line += " " + strings.Join(s.Args, " ")
			}
			r.println(line)
		}
	}

	if len(c.Providers) == 0 {
		r.println("- Providers        : (none)")
	} else {
		r.println("- Providers:")
		for _, p := range c.Providers {
			line := fmt.Sprintf("  - %s [%s] -> %s", p.ID, p.Type, p.Endpoint)
			if names := p.ModelNames(); len(names) > 0 {
				line += " (models: " + strings.Join(names, ", ") + ")"
			}
			r.println(line)
		}
	}

	if r.configPath != "" {
		r.println("\nLoaded from " + r.configPath)
	}
}

func (r *REPL) banner() {
	r.println("Interactive mode ready.")
	r.println("Agent mode is on by default so every answer is final.")
	r.println("Type a message and press Enter to send it.")
	r.println("Use /help for the list of commands.")
}

func (r *REPL) help() {
	r.println("\nAvailable commands:")
	r.println("  /help               Show this help")
	r.println("  /config             Show the active configuration")
	r.println("  /tools              List configured tools")
	r.println("  /log                Show logs from the last interaction")
	r.println("  /steps              Show tool steps from the last interaction")
	r.println("  /agent [on|off]     Turn agent mode on or off")
	r.println("  /reset              Clear the session and start over")
	r.println("  /exit               Leave interactive mode")
	r.println("Type a message without a leading / to send it to the model.")
}

func (r *REPL) prompt() {
	if r.agentMode {
		r.printf("agent> ")
	} else {
		r.printf("chat> ")
	}
}

func (r *REPL) println(s string) {
	fmt.Fprintln(r.out, s)
}

func (r *REPL) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

// preview shortens s to 120 characters for display.
func preview(s string) string {
	const limit = 120
	s = strings.TrimSpace(s)
	if s == "" {
		return "(empty)"
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}

func userMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return err.Error()
}
