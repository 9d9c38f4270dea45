package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/time/rate"
)

// Loop bounds.
const (
	DefaultMaxTurns     = 5
	DefaultMaxPlanSteps = 8
)

// defaultSystemPrompt is used when a run carries no agent config prompt.
const defaultSystemPrompt = `You are a research assistant answering questions about an ingested
document corpus. Use the available tools to gather context before
answering. Cite the source paths of chunks you relied on. If the corpus
has no relevant material, say so instead of guessing.`

// Orchestrator runs agent queries against a registered tool set.
//
// Orchestrator is safe for concurrent use; runs share the rate limiter
// but carry no other mutable state.
type Orchestrator struct {
	llm          LLM
	tools        map[string]Tool
	toolOrder    []string
	maxTurns     int
	maxPlanSteps int
	retry        RetryConfig
	limiter      *rate.Limiter
	logger       *slog.Logger
}

// Config configures an Orchestrator.
type Config struct {
	LLM   LLM
	Tools []Tool

	// MaxTurns bounds the direct tool loop. Zero means DefaultMaxTurns.
	MaxTurns int

	// MaxPlanSteps bounds accepted plan lengths. Zero means
	// DefaultMaxPlanSteps.
	MaxPlanSteps int

	// Retry overrides the LLM retry policy when non-zero.
	Retry RetryConfig

	// RequestsPerSecond throttles model calls across runs. Zero
	// disables throttling.
	RequestsPerSecond float64

	Logger *slog.Logger
}

// New creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.LLM == nil {
		return nil, fmt.Errorf("llm is required")
	}
	if len(cfg.Tools) == 0 {
		return nil, fmt.Errorf("at least one tool is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.MaxPlanSteps <= 0 {
		cfg.MaxPlanSteps = DefaultMaxPlanSteps
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}

	tools := make(map[string]Tool, len(cfg.Tools))
	order := make([]string, 0, len(cfg.Tools))
	for _, t := range cfg.Tools {
		if _, dup := tools[t.Name()]; dup {
			return nil, fmt.Errorf("duplicate tool name %q", t.Name())
		}
		tools[t.Name()] = t
		order = append(order, t.Name())
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Orchestrator{
		llm:          cfg.LLM,
		tools:        tools,
		toolOrder:    order,
		maxTurns:     cfg.MaxTurns,
		maxPlanSteps: cfg.MaxPlanSteps,
		retry:        cfg.Retry,
		limiter:      limiter,
		logger:       cfg.Logger,
	}, nil
}

// Run answers one query. Planning runs build and execute a plan; other
// runs use the direct tool loop. Either way the run terminates in a
// RunResult with the full transcript; the only error paths out are
// context cancellation and persistent model failures (ErrRetryLater).
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	toolNames, err := o.selectTools(req.ToolNames)
	if err != nil {
		return nil, err
	}
	system := req.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = defaultSystemPrompt
	}

	if req.Planning {
		res, err := o.runPlanned(ctx, req, system, toolNames)
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrRetryLater) {
			return res, err
		}
		// A broken planner degrades to the direct loop rather than
		// failing the run.
		o.logger.Warn("planning failed, falling back to tool loop", "error", err)
	}

	return o.runLoop(ctx, req, system, toolNames)
}

// selectTools resolves the requested subset against registered tools.
// An empty request allows every tool; unknown names fail fast, before
// any model call.
func (o *Orchestrator) selectTools(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return o.toolOrder, nil
	}
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		if _, ok := o.tools[name]; !ok {
			return nil, fmt.Errorf("unknown tool %q", name)
		}
		out = append(out, name)
	}
	return out, nil
}

// execute dispatches one tool call. Unknown tools and panics become
// error Results so a single bad call never aborts the run.
func (o *Orchestrator) execute(ctx context.Context, call ToolCall) (res Result) {
	tool, ok := o.tools[call.Name]
	if !ok {
		return Failuref("unknown_tool", "tool %q is not registered", call.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("tool panicked", "tool", call.Name, "panic", r)
			res = Failuref("tool_panic", "tool %q panicked: %v", call.Name, r)
		}
	}()
	return tool.Execute(ctx, call.Input)
}
