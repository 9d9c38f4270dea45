package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/log"
)

// scriptedLLM returns canned completions in order; extra calls repeat
// the last one. Requests are recorded for assertion.
type scriptedLLM struct {
	completions []Completion
	errs        []error
	requests    []Request
}

func (s *scriptedLLM) Generate(_ context.Context, req Request) (Completion, error) {
	s.requests = append(s.requests, req)
	i := len(s.requests) - 1
	if i < len(s.errs) && s.errs[i] != nil {
		return Completion{}, s.errs[i]
	}
	if len(s.completions) == 0 {
		return Completion{}, nil
	}
	if i >= len(s.completions) {
		i = len(s.completions) - 1
	}
	return s.completions[i], nil
}

// recordingTool records its inputs and returns a fixed Result.
type recordingTool struct {
	name   string
	result Result
	inputs []map[string]any
}

func (t *recordingTool) Name() string        { return t.name }
func (t *recordingTool) Description() string { return "test tool " + t.name }
func (t *recordingTool) Execute(_ context.Context, input map[string]any) Result {
	t.inputs = append(t.inputs, input)
	return t.result
}

func newOrchestrator(t *testing.T, llm LLM, tools ...Tool) *Orchestrator {
	t.Helper()
	o, err := New(Config{
		LLM:    llm,
		Tools:  tools,
		Logger: log.NewNop(),
		Retry:  RetryConfig{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func searchTool(result Result) *recordingTool {
	return &recordingTool{name: searchToolName, result: result}
}

func TestRunDirectAnswer(t *testing.T) {
	llm := &scriptedLLM{completions: []Completion{{Text: "direct answer"}}}
	o := newOrchestrator(t, llm, searchTool(Success("ctx")))

	res, err := o.Run(context.Background(), RunRequest{Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "direct answer" {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(res.Steps) != 1 || res.Steps[0].Type != StepAnswer {
		t.Errorf("steps = %+v", res.Steps)
	}
}

func TestRunToolLoop(t *testing.T) {
	search := searchTool(Success(map[string]any{"chunks": []string{"found"}}))
	llm := &scriptedLLM{completions: []Completion{
		{ToolCalls: []ToolCall{{Ref: "1", Name: searchToolName, Input: map[string]any{"query": "q"}}}},
		{Text: "answer from context"},
	}}
	o := newOrchestrator(t, llm, search)

	res, err := o.Run(context.Background(), RunRequest{Query: "q", ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "answer from context" {
		t.Errorf("answer = %q", res.Answer)
	}
	if len(search.inputs) != 1 {
		t.Fatalf("tool executed %d times, want 1", len(search.inputs))
	}

	// Transcript: call, result, answer.
	types := stepTypes(res.Steps)
	want := []string{StepToolCall, StepToolResult, StepAnswer}
	if !equalStrings(types, want) {
		t.Errorf("step types = %v, want %v", types, want)
	}

	// The tool result went back to the model as a tool message.
	second := llm.requests[1]
	foundToolMsg := false
	for _, m := range second.Messages {
		if m.Role == RoleTool && m.ToolResult != nil && m.ToolResult.Name == searchToolName {
			foundToolMsg = true
		}
	}
	if !foundToolMsg {
		t.Error("tool result not appended to the conversation")
	}
}

func TestRunToolFailureIsFailSoft(t *testing.T) {
	failing := &recordingTool{name: searchToolName, result: Failure("boom", "it broke")}
	llm := &scriptedLLM{completions: []Completion{
		{ToolCalls: []ToolCall{{Name: searchToolName, Input: map[string]any{"query": "q"}}}},
		{Text: "answered despite failure"},
	}}
	o := newOrchestrator(t, llm, failing)

	res, err := o.Run(context.Background(), RunRequest{Query: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "answered despite failure" {
		t.Errorf("answer = %q", res.Answer)
	}
	var sawError bool
	for _, s := range res.Steps {
		if s.Type == StepToolResult && s.Result != nil && s.Result.Status == StatusError {
			sawError = true
		}
	}
	if !sawError {
		t.Error("error result missing from transcript")
	}
}

func TestRunUnknownRequestedToolFailsFast(t *testing.T) {
	llm := &scriptedLLM{}
	o := newOrchestrator(t, llm, searchTool(Success(nil)))

	_, err := o.Run(context.Background(), RunRequest{Query: "q", ToolNames: []string{"nope"}})
	if err == nil {
		t.Fatal("unknown tool accepted")
	}
	if len(llm.requests) != 0 {
		t.Error("model called despite invalid tool selection")
	}
}

func TestRunLoopExhaustionFallsBackToSingleShot(t *testing.T) {
	search := searchTool(Success("some context"))
	// The model keeps calling tools forever; after the bound the
	// orchestrator must answer from one retrieval pass.
	llm := &scriptedLLM{completions: []Completion{
		{ToolCalls: []ToolCall{{Name: searchToolName, Input: map[string]any{"query": "q"}}}},
		{ToolCalls: []ToolCall{{Name: searchToolName, Input: map[string]any{"query": "q"}}}},
		{Text: "fallback answer"},
	}}
	o, err := New(Config{
		LLM:      llm,
		Tools:    []Tool{search},
		MaxTurns: 2,
		Logger:   log.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := o.Run(context.Background(), RunRequest{Query: "q", ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "fallback answer" {
		t.Errorf("answer = %q", res.Answer)
	}

	// 2 loop turns + 1 direct fallback search.
	if len(search.inputs) != 3 {
		t.Errorf("search executed %d times, want 3", len(search.inputs))
	}
	// The fallback search is scoped to the run's project.
	last := search.inputs[len(search.inputs)-1]
	if last["project_id"] != "p" {
		t.Errorf("fallback search input = %v", last)
	}

	var sawNote bool
	for _, s := range res.Steps {
		if s.Type == StepNote {
			sawNote = true
		}
	}
	if !sawNote {
		t.Error("degradation note missing from transcript")
	}
}

func TestRunPlannedExecutesWithSubstitution(t *testing.T) {
	search := searchTool(Success("retrieved context"))
	email := &recordingTool{name: "send_email", result: Success("sent")}

	planJSON := `{"steps":[
		{"id":"s1","action":"search_context","args":{"query":"topic"}},
		{"id":"s2","action":"send_email","args":{"body":"{{step:s1}}"}}
	]}`
	llm := &scriptedLLM{completions: []Completion{
		{Text: "```json\n" + planJSON + "\n```"},
		{Text: "synthesized answer"},
	}}
	o := newOrchestrator(t, llm, search, email)

	res, err := o.Run(context.Background(), RunRequest{Query: "q", Planning: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "synthesized answer" {
		t.Errorf("answer = %q", res.Answer)
	}
	if res.Steps[0].Type != StepPlan {
		t.Errorf("first step = %q, want plan", res.Steps[0].Type)
	}
	if len(email.inputs) != 1 {
		t.Fatalf("email executed %d times", len(email.inputs))
	}
	if email.inputs[0]["body"] != "retrieved context" {
		t.Errorf("substituted body = %v", email.inputs[0]["body"])
	}
	// Plan request asked for JSON only.
	if !llm.requests[0].JSONOnly {
		t.Error("plan request not marked JSON-only")
	}
}

func TestRunPlannedStepFailureContinues(t *testing.T) {
	failing := &recordingTool{name: searchToolName, result: Failure("down", "backend down")}
	email := &recordingTool{name: "send_email", result: Success("sent")}

	planJSON := `{"steps":[
		{"id":"s1","action":"search_context","args":{"query":"x"}},
		{"id":"s2","action":"send_email","args":{"body":"pre {{step:s1}} post"}}
	]}`
	llm := &scriptedLLM{completions: []Completion{
		{Text: planJSON},
		{Text: "final"},
	}}
	o := newOrchestrator(t, llm, failing, email)

	res, err := o.Run(context.Background(), RunRequest{Query: "q", Planning: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "final" {
		t.Errorf("answer = %q", res.Answer)
	}
	// Failed step output substitutes as empty.
	if email.inputs[0]["body"] != "pre  post" {
		t.Errorf("body = %q", email.inputs[0]["body"])
	}
}

func TestRunPlannedInvalidPlanFallsBackToLoop(t *testing.T) {
	search := searchTool(Success("ctx"))
	llm := &scriptedLLM{completions: []Completion{
		{Text: "this is not json"},
		{Text: "loop answer"},
	}}
	o := newOrchestrator(t, llm, search)

	res, err := o.Run(context.Background(), RunRequest{Query: "q", Planning: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Answer != "loop answer" {
		t.Errorf("answer = %q", res.Answer)
	}
}

func TestRunPlanTooLongRejected(t *testing.T) {
	search := searchTool(Success("ctx"))
	var steps []string
	for i := 0; i < 12; i++ {
		steps = append(steps, fmt.Sprintf(`{"id":"s%d","action":"search_context","args":{}}`, i))
	}
	planJSON := `{"steps":[` + strings.Join(steps, ",") + `]}`
	llm := &scriptedLLM{completions: []Completion{
		{Text: planJSON},
		{Text: "loop answer"},
	}}
	o := newOrchestrator(t, llm, search)

	res, err := o.Run(context.Background(), RunRequest{Query: "q", Planning: true})
	if err != nil {
		t.Fatal(err)
	}
	// The oversized plan is rejected without executing any step.
	if len(search.inputs) != 0 {
		t.Errorf("plan steps executed despite rejection: %d", len(search.inputs))
	}
	if res.Answer != "loop answer" {
		t.Errorf("answer = %q", res.Answer)
	}
}

func TestPersistentRateLimitSurfacesErrRetryLater(t *testing.T) {
	rateErr := errors.New("googleapi: Error 429: rate limit exceeded")
	llm := &scriptedLLM{errs: []error{rateErr, rateErr, rateErr, rateErr}}
	o := newOrchestrator(t, llm, searchTool(Success(nil)))

	_, err := o.Run(context.Background(), RunRequest{Query: "q"})
	if !errors.Is(err, ErrRetryLater) {
		t.Errorf("err = %v, want ErrRetryLater", err)
	}
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	fatal := errors.New("invalid api key")
	llm := &scriptedLLM{errs: []error{fatal}}
	o := newOrchestrator(t, llm, searchTool(Success(nil)))

	_, err := o.Run(context.Background(), RunRequest{Query: "q"})
	if err == nil || errors.Is(err, ErrRetryLater) {
		t.Errorf("err = %v, want immediate non-retryable failure", err)
	}
	if len(llm.requests) != 1 {
		t.Errorf("model called %d times, want 1", len(llm.requests))
	}
}

func stepTypes(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Type
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
