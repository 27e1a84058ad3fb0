// Tether is an MCP client that lets a language model call tools served
// by local MCP servers over stdio.
//
// It exposes a REST and JSON-RPC API, an interactive terminal mode, and
// one-shot commands. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	tether serve              Start the API server
//	tether ask <prompt>       Run one prompt through the agent
//	tether chat               Start the interactive terminal mode
//	tether tools list         Show the tools the agent can call
//	tether tools sync         Discover tools and write them to the config
//	tether init [dir]         Write an example config
//	tether version            Print version and build information
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/tether/internal/agent"
	"github.com/nugget/tether/internal/api"
	"github.com/nugget/tether/internal/buildinfo"
	"github.com/nugget/tether/internal/chat"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/llm"
	"github.com/nugget/tether/internal/mcp"
	"github.com/nugget/tether/internal/metrics"
	"github.com/nugget/tether/internal/mqtt"
	"github.com/nugget/tether/internal/runlog"
	"github.com/nugget/tether/internal/sessions"
	"github.com/nugget/tether/internal/stdio"
)

// main builds the OS-level environment and delegates to [run] so the
// whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options holds the parsed global flags.
type options struct {
	configPath string
	outputFmt  string // "text" (default) or "json"
	verbose    bool
}

// run is the real entry point. Arguments are parsed by hand because the
// flag package relies on globals that get in the way of parallel tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			opts.configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			opts.configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			opts.outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			opts.outputFmt = strings.TrimPrefix(args[i], "-o=")
		case args[i] == "-v" || args[i] == "--verbose":
			opts.verbose = true
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: tether ask <prompt>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "tools":
		sub := ""
		if len(cmdArgs) > 0 {
			sub = cmdArgs[0]
		}
		switch sub {
		case "list":
			return runToolsList(ctx, stdout, stderr, opts)
		case "sync":
			return runToolsSync(ctx, stdout, stderr, opts)
		}
		return fmt.Errorf("usage: tether tools <list|sync>")
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.RuntimeInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Tether - MCP client for language models")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: tether [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve         Start the API server")
	fmt.Fprintln(w, "  ask <prompt>  Run one prompt through the agent")
	fmt.Fprintln(w, "  chat          Interactive terminal mode")
	fmt.Fprintln(w, "  tools list    Show the tools the agent can call")
	fmt.Fprintln(w, "  tools sync    Discover tools from MCP servers and save them to the config")
	fmt.Fprintln(w, "  init [dir]    Write an example config (default: .)")
	fmt.Fprintln(w, "  version       Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w, "  -v, --verbose     Debug logging")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe starts the API server and, when configured, the MQTT
// publisher. It blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Tether", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger = configuredLogger(stdout, cfg, opts)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"provider", cfg.DefaultProvider,
		"model", cfg.Model,
		"servers", len(cfg.Servers),
		"tools", len(cfg.Tools),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(cfg, logger, reg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	deps := api.Deps{
		Agent:    a.agent,
		Chat:     a.chat,
		Tools:    a.runtime,
		Servers:  a.servers,
		Sessions: a.sessions,
		Config:   cfg,
		Events:   a.bus,
	}
	if a.runs != nil {
		deps.Runs = a.runs
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
		deps.Gatherer = reg
	}
	server := api.NewServer(cfg.Listen, metricsPath, deps, logger)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, a.bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		if mqttPub != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mqttPub.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
	}()

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info("Tether stopped")
	return nil
}

// runAsk runs a single prompt through the agent and prints the answer.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, prompt string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg, opts)

	a, err := newApp(cfg, logger, nil, false)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.agent.Run(ctx, prompt, agent.RunOptions{})
	if err != nil {
		logger.Error("agent run failed", "error", err)
		return fmt.Errorf("ask: %s", userMessage(err))
	}

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	fmt.Fprintln(stdout, out.Response)
	return nil
}

// runChat starts the interactive terminal mode. Logs go to stderr so
// they do not interleave with the conversation.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg, opts)

	a, err := newApp(cfg, logger, nil, false)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repl := stdio.New(a.agent, a.chat, stdout,
		stdio.WithLogger(logger),
		stdio.WithTools(a.runtime),
		stdio.WithConfig(cfg, cfgPath),
	)
	return repl.Run(ctx, stdin)
}

// runToolsList prints the tool catalog with server metadata merged in.
func runToolsList(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg, opts)

	servers := mcp.NewRegistry(cfg.Servers, mcp.WithLogger(logger))
	defer servers.Close()

	runtime := agent.NewToolRuntime(agent.ToolsFromConfig(cfg.Tools), servers, logger)
	tc := runtime.BuildContext(ctx)

	if opts.outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tc)
	}
	if len(tc.Tools) == 0 {
		fmt.Fprintln(stdout, "No tools configured.")
		return nil
	}
	for _, t := range tc.Tools {
		line := t.Name
		if t.Server != "" {
			line += " (server: " + t.Server + ")"
		}
		if t.Description != "" {
			line += ": " + t.Description
		}
		fmt.Fprintln(stdout, line)
	}
	for _, g := range tc.Servers {
		fmt.Fprintf(stdout, "\nServer '%s' guidance: %s\n", g.Name, g.Instruction)
	}
	return nil
}

// runToolsSync starts every configured server, lists its tools and
// merges them into the tools section of the config file.
func runToolsSync(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg, opts)

	servers := mcp.NewRegistry(cfg.Servers, mcp.WithLogger(logger))
	defer servers.Close()

	results := mcp.Discover(ctx, servers)
	failed := 0
	for _, res := range results {
		if res.Status == mcp.StatusFailed {
			failed++
			fmt.Fprintf(stdout, "  ✗ %s: %s\n", res.Server, res.Error)
			continue
		}
		fmt.Fprintf(stdout, "  ✓ %s: %d tool(s)\n", res.Server, len(res.Tools))
	}

	discovered := mcp.ToolConfigs(results)
	merged := config.MergeTools(cfg.Tools, discovered)
	if err := config.SaveTools(cfgPath, merged); err != nil {
		return fmt.Errorf("save tools to %s: %w", cfgPath, err)
	}
	fmt.Fprintf(stdout, "Saved %d tool(s) to %s\n", len(merged), cfgPath)

	if failed > 0 {
		return fmt.Errorf("%d of %d server(s) failed discovery", failed, len(results))
	}
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger builds the logger from the config's level and
// format. -v forces debug.
func configuredLogger(w io.Writer, cfg *config.Config, opts options) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		// Already checked by config.Validate.
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	if opts.verbose && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// app is the wired component graph shared by serve, ask and chat.
type app struct {
	bus       *events.Bus
	providers *llm.Registry
	servers   *mcp.Registry
	sessions  sessions.Store
	runs      *runlog.Store
	runtime   *agent.ToolRuntime
	chat      *chat.Client
	agent     *agent.Agent
	closers   []func() error
}

// newApp wires providers, stores, MCP servers, the chat client and the
// agent. reg may be nil, in which case no metrics are recorded. With
// persist false, sessions live in memory and runs are not recorded.
func newApp(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer, persist bool) (*app, error) {
	a := &app{bus: events.New()}

	var rec *metrics.Recorder
	if reg != nil {
		rec = metrics.New(reg)
	}

	providers, err := llm.NewRegistryFromConfig(cfg.Providers, llm.WithLogger(logger), llm.WithMetrics(rec))
	if err != nil {
		return nil, fmt.Errorf("create model providers: %w", err)
	}
	a.providers = providers
	a.closers = append(a.closers, providers.Close)

	if persist {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			a.Close()
			return nil, fmt.Errorf("create data directory: %w", err)
		}

		store, err := sessions.OpenSQLite(filepath.Join(cfg.DataDir, "sessions.db"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open session store: %w", err)
		}
		a.sessions = store
		a.closers = append(a.closers, store.Close)

		runs, err := runlog.NewStore(filepath.Join(cfg.DataDir, "runs.db"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open run log: %w", err)
		}
		a.runs = runs
		a.closers = append(a.closers, runs.Close)
		logger.Info("persistence enabled", "data_dir", cfg.DataDir)
	} else {
		a.sessions = sessions.NewMemory()
	}

	a.servers = mcp.NewRegistry(cfg.Servers,
		mcp.WithLogger(logger),
		mcp.WithEvents(a.bus),
		mcp.WithMetrics(rec),
	)
	a.closers = append(a.closers, func() error { a.servers.Close(); return nil })

	a.runtime = agent.NewToolRuntime(agent.ToolsFromConfig(cfg.Tools), a.servers, logger)
	a.chat = chat.New(providers, a.sessions, chat.ConfigFrom(cfg), logger)

	agentOpts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithEvents(a.bus),
		agent.WithMetrics(rec),
		agent.WithPrompts(cfg.Prompts),
		agent.WithMaxSteps(cfg.Agent.MaxSteps),
	}
	if a.runs != nil {
		agentOpts = append(agentOpts, agent.WithRunLog(a.runs))
	}
	a.agent = agent.New(a.chat, a.runtime, agentOpts...)
	return a, nil
}

// Close releases resources in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

func userMessage(err error) string {
	var um interface{ UserMessage() string }
	if errors.As(err, &um) {
		return um.UserMessage()
	}
	return err.Error()
}
