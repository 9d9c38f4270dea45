// Package agent implements the orchestrator that answers queries by
// calling tools, either through a direct tool-calling loop or an
// up-front JSON plan, with a single-shot retrieval fallback.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message roles in an LLM conversation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Result statuses for tool executions.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ToolError describes a tool failure inside a Result. Tool failures are
// data, not control flow: the orchestrator records them and continues.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Result is the fail-soft outcome of one tool execution.
type Result struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *ToolError `json:"error,omitempty"`
}

// Success builds a success Result.
func Success(data any) Result {
	return Result{Status: StatusSuccess, Data: data}
}

// Failure builds an error Result.
func Failure(code, message string) Result {
	return Result{Status: StatusError, Error: &ToolError{Code: code, Message: message}}
}

// Failuref builds an error Result with a formatted message.
func Failuref(code, format string, args ...any) Result {
	return Failure(code, fmt.Sprintf(format, args...))
}

// Tool is one capability the orchestrator can invoke. Execute never
// returns a Go error; failures travel inside the Result.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, input map[string]any) Result
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	// Ref correlates the call with its response when a model issues
	// several calls in one turn.
	Ref   string
	Name  string
	Input map[string]any
}

// Completion is one model response: free text, tool calls, or both.
type Completion struct {
	Text      string
	ToolCalls []ToolCall
}

// Message is one conversation entry sent to the model.
type Message struct {
	Role string
	Text string

	// ToolCall echoes an assistant-issued call back into history.
	ToolCall *ToolCall

	// ToolResult carries a tool's output back to the model. Ref and
	// Name mirror the originating call.
	ToolResult *ToolResult
}

// ToolResult is the serialized outcome of a ToolCall.
type ToolResult struct {
	Ref    string
	Name   string
	Output Result
}

// Request configures one model call.
type Request struct {
	System   string
	Messages []Message

	// Tools lists the tool names the model may call; empty disables
	// tool calling for this request.
	Tools []string

	// JSONOnly asks the model for a bare JSON response (planning).
	JSONOnly bool
}

// LLM abstracts the language model. The production implementation wraps
// genkit; tests substitute a scripted fake.
type LLM interface {
	Generate(ctx context.Context, req Request) (Completion, error)
}

// Step types recorded in a run transcript.
const (
	StepPlan       = "plan"
	StepToolCall   = "tool_call"
	StepToolResult = "tool_result"
	StepAnswer     = "answer"
	StepNote       = "note"
)

// Step is one transcript entry of a run.
type Step struct {
	Type string `json:"type"`

	// ID is the plan step id, when the step came from a plan.
	ID string `json:"id,omitempty"`

	Tool   string         `json:"tool,omitempty"`
	Input  map[string]any `json:"input,omitempty"`
	Result *Result        `json:"result,omitempty"`
	Text   string         `json:"text,omitempty"`
}

// RunRequest is one orchestrator invocation.
type RunRequest struct {
	Query     string
	ProjectID string

	// SystemPrompt overrides the default system prompt.
	SystemPrompt string

	// ToolNames restricts the run to a subset of registered tools;
	// empty allows all.
	ToolNames []string

	// Planning selects the plan-then-execute mode instead of the
	// direct tool loop.
	Planning bool

	// MaxTurns overrides the configured direct-loop bound when > 0.
	MaxTurns int
}

// RunResult is the terminal state of a run: an answer plus the full
// transcript. Every mode, including all fallbacks, terminates here.
type RunResult struct {
	Answer string `json:"answer"`
	Steps  []Step `json:"steps"`
}

// resultJSON renders a Result for the model. Marshal failures degrade to
// a plain string so a weird Data value never aborts the run.
func resultJSON(res Result) string {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Sprintf(`{"status":%q,"data":"unserializable result"}`, res.Status)
	}
	return string(data)
}
