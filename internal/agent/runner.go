package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/tether/internal/chat"
	"github.com/nugget/tether/internal/config"
	"github.com/nugget/tether/internal/events"
	"github.com/nugget/tether/internal/metrics"
	"github.com/nugget/tether/internal/runlog"
)

// ChatClient sends one conversational turn. *chat.Client satisfies it.
type ChatClient interface {
	Chat(ctx context.Context, req chat.Request) (*chat.Result, error)
	DefaultProvider() string
	DefaultModel() string
}

// RunRecorder persists a summary of each run. *runlog.Store satisfies it.
type RunRecorder interface {
	Record(ctx context.Context, run runlog.Run) (string, error)
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithEvents publishes run progress on bus.
func WithEvents(bus *events.Bus) Option {
	return func(a *Agent) { a.bus = bus }
}

// WithMetrics records run and tool counters.
func WithMetrics(m *metrics.Recorder) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithRunLog records every finished run.
func WithRunLog(r RunRecorder) Option {
	return func(a *Agent) { a.runs = r }
}

// WithPrompts overrides the JSON retry and tool result prompt fragments.
func WithPrompts(p config.PromptsConfig) Option {
	return func(a *Agent) {
		if p.JSONRetryMessage != "" {
			a.prompts.JSONRetryMessage = p.JSONRetryMessage
		}
		if p.ToolResultInstruction != "" {
			a.prompts.ToolResultInstruction = p.ToolResultInstruction
		}
	}
}

// WithMaxSteps sets the step budget used when RunOptions.MaxSteps is
// unset. n <= 0 keeps DefaultMaxSteps.
func WithMaxSteps(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.maxSteps = n
		}
	}
}

// Agent drives the tool-calling loop. It is safe for concurrent runs.
type Agent struct {
	chat     ChatClient
	runtime  *ToolRuntime
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *metrics.Recorder
	runs     RunRecorder
	prompts  config.PromptsConfig
	maxSteps int
}

// New creates an agent that talks to the model through c and executes
// tools through runtime.
func New(c ChatClient, runtime *ToolRuntime, opts ...Option) *Agent {
	a := &Agent{
		chat:     c,
		runtime:  runtime,
		logger:   slog.Default(),
		maxSteps: DefaultMaxSteps,
		prompts: config.PromptsConfig{
			JSONRetryMessage:      config.DefaultJSONRetryMessage,
			ToolResultInstruction: config.DefaultToolResultInstruction,
		},
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.With("component", "agent")
	return a
}

// Runtime returns the tool runtime.
func (a *Agent) Runtime() *ToolRuntime {
	return a.runtime
}

// run carries the mutable state of one Run call.
type run struct {
	opts      RunOptions
	provider  string
	model     string
	sessionID string
	steps     []Step
	logs      []string
}

// Run answers prompt, calling tools as the model directs until it
// returns a final response or a limit is hit.
func (a *Agent) Run(ctx context.Context, prompt string, opts RunOptions) (*Outcome, error) {
	start := time.Now()
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = a.maxSteps
	}

	r := &run{
		opts:      opts,
		provider:  opts.Provider,
		model:     opts.Model,
		sessionID: opts.SessionID,
	}
	if r.provider == "" {
		r.provider = a.chat.DefaultProvider()
	}
	if r.model == "" {
		r.model = a.chat.DefaultModel()
	}

	a.logger.Info("agent run started", "session_id", r.sessionID, "max_steps", opts.MaxSteps)
	a.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"session_id": r.sessionID,
		"prompt":     chat.Summarise(prompt),
	})

	outcome, err := a.loop(ctx, r, prompt)
	a.finish(ctx, r, prompt, outcome, err, time.Since(start))
	return outcome, err
}

func (a *Agent) loop(ctx context.Context, r *run, prompt string) (*Outcome, error) {
	tc := a.runtime.BuildContext(ctx)
	systemPrompt := ComposeSystemInstructions(tc)
	if strings.TrimSpace(r.opts.SystemPrompt) != "" {
		systemPrompt = r.opts.SystemPrompt + "\n\n" + systemPrompt
	}

	next := InitialUserPrompt(prompt, tc)
	r.logs = append(r.logs,
		"Initial agent request: "+chat.Summarise(prompt),
		fmt.Sprintf("Active provider: '%s' | Model: '%s'", r.provider, r.model),
	)

	remaining := r.opts.MaxSteps
	first := true
	for {
		a.logger.Debug("submitting agent turn to model provider",
			"session_id", r.sessionID,
			"remaining_steps", remaining,
		)

		req := chat.Request{
			Prompt:    next,
			Provider:  r.opts.Provider,
			Model:     r.opts.Model,
			SessionID: r.sessionID,
		}
		if first {
			req.SystemPrompt = systemPrompt
			first = false
		}

		result, err := a.send(ctx, r, req)
		if err != nil {
			return nil, &Error{Kind: KindModel, Err: err}
		}

		directive, err := a.parseWithRetry(ctx, r, result.Content)
		if err != nil {
			return nil, err
		}

		if directive.Action == ActionFinal {
			a.logger.Info("agent returned final response", "session_id", r.sessionID, "steps", len(r.steps))
			r.logs = append(r.logs, "Agent final answer: "+chat.Summarise(directive.Response))
			return &Outcome{
				SessionID: r.sessionID,
				Response:  directive.Response,
				Steps:     r.steps,
				Logs:      r.logs,
			}, nil
		}

		if remaining == 0 {
			a.logger.Warn("agent exceeded max tool interactions", "session_id", r.sessionID)
			return nil, invalidResponse("agent exceeded the maximum number of tool interactions")
		}
		remaining--

		exec, err := a.execute(ctx, r, directive)
		if err != nil {
			return nil, &Error{Kind: KindTool, Err: err}
		}
		next = toolResultMessage(exec, a.prompts.ToolResultInstruction)
	}
}

// send performs one model call and folds its logs and session id into r.
func (a *Agent) send(ctx context.Context, r *run, req chat.Request) (*chat.Result, error) {
	a.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
		"session_id": r.sessionID,
		"provider":   r.provider,
		"model":      r.model,
	})

	result, err := a.chat.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	r.logs = append(r.logs, result.Logs...)
	r.sessionID = result.SessionID
	return result, nil
}

func (a *Agent) execute(ctx context.Context, r *run, d Directive) (*ToolExecution, error) {
	a.logger.Info("agent requested tool execution", "tool", d.Tool)
	a.bus.Emit(events.SourceAgent, events.KindToolCall, map[string]any{
		"session_id": r.sessionID,
		"tool":       d.Tool,
		"input":      string(rawOrNull(d.Input)),
	})

	exec, err := a.runtime.Execute(ctx, d.Tool, d.Input)
	if err != nil {
		a.metrics.ToolCall(d.Tool, false)
		a.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
			"session_id": r.sessionID,
			"tool":       d.Tool,
			"success":    false,
			"error":      err.Error(),
		})
		return nil, err
	}

	a.metrics.ToolCall(exec.Tool, exec.Success)
	a.bus.Emit(events.SourceAgent, events.KindToolDone, map[string]any{
		"session_id": r.sessionID,
		"tool":       exec.Tool,
		"success":    exec.Success,
		"message":    exec.Message,
	})

	r.logs = append(r.logs, fmt.Sprintf("Tool '%s' executed (success: %t)", exec.Tool, exec.Success))
	if exec.Message != "" {
		r.logs = append(r.logs, "Tool message: "+chat.Summarise(exec.Message))
	}
	r.steps = append(r.steps, Step{
		Tool:    exec.Tool,
		Input:   rawOrNull(exec.Input),
		Success: exec.Success,
		Output:  rawOrNull(exec.Output),
		Message: exec.Message,
	})
	return exec, nil
}

// parseWithRetry parses content, asking the model to correct itself up
// to MaxJSONRetries times in the same session.
func (a *Agent) parseWithRetry(ctx context.Context, r *run, content string) (Directive, error) {
	for attempt := 0; ; attempt++ {
		directive, err := ParseDirective(content)
		if err == nil {
			return directive, nil
		}

		if attempt >= MaxJSONRetries {
			a.logger.Warn("JSON parse failed after max retries", "attempts", attempt)
			return Directive{}, invalidResponse("Invalid JSON after %d retry attempts: %v", MaxJSONRetries, err)
		}

		a.logger.Warn("JSON parse failed, requesting correction from model",
			"attempt", attempt+1,
			"max_attempts", MaxJSONRetries,
			"error", err,
		)
		r.logs = append(r.logs, fmt.Sprintf("JSON parse retry attempt %d/%d: %v", attempt+1, MaxJSONRetries, err))

		result, chatErr := a.send(ctx, r, chat.Request{
			Prompt:    a.prompts.JSONRetryMessage + "\n\nError details: " + err.Error(),
			Provider:  r.opts.Provider,
			Model:     r.opts.Model,
			SessionID: r.sessionID,
		})
		if chatErr != nil {
			a.logger.Warn("retry chat request failed", "error", chatErr)
			e := invalidResponse("Failed to get correction after JSON parse error: %v", chatErr)
			e.Err = chatErr
			return Directive{}, e
		}
		content = result.Content
	}
}

func (a *Agent) finish(ctx context.Context, r *run, prompt string, outcome *Outcome, err error, elapsed time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.AgentRun(status, elapsed)

	data := map[string]any{
		"session_id":  r.sessionID,
		"steps":       len(r.steps),
		"success":     err == nil,
		"duration_ms": elapsed.Milliseconds(),
	}
	if err != nil {
		data["error"] = err.Error()
		a.logger.Warn("agent run failed", "session_id", r.sessionID, "error", err, "elapsed", elapsed)
	} else {
		a.logger.Info("agent run completed", "session_id", r.sessionID, "steps", len(r.steps), "elapsed", elapsed)
	}
	a.bus.Emit(events.SourceAgent, events.KindRequestComplete, data)

	if a.runs == nil {
		return
	}
	rec := runlog.Run{
		SessionID: r.sessionID,
		Provider:  r.provider,
		Model:     r.model,
		Prompt:    prompt,
		Steps:     len(r.steps),
		Success:   err == nil,
		Duration:  elapsed,
	}
	if outcome != nil {
		rec.Response = outcome.Response
	}
	if err != nil {
		rec.Error = err.Error()
	}
	// The ledger is best effort; a cancelled run is still recorded.
	if _, recErr := a.runs.Record(context.WithoutCancel(ctx), rec); recErr != nil {
		a.logger.Warn("failed to record agent run", "error", recErr)
	}
}
