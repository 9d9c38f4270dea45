package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// planPrompt asks the model for a bare JSON plan over the available
// tools.
const planPrompt = `Produce a JSON execution plan for the user's request using only the
tools listed below. Respond with exactly one JSON object of the form
{"steps": [{"id": "s1", "action": "<tool name>", "args": {...}}]}
and nothing else. A step's args values may reference an earlier step's
output with the placeholder "{{step:<id>}}". Use as few steps as the
request allows.`

// plan is the parsed model plan.
type plan struct {
	Steps []planStep `json:"steps"`
}

type planStep struct {
	ID     string         `json:"id"`
	Action string         `json:"action"`
	Args   map[string]any `json:"args"`
}

// runPlanned is the plan-then-execute mode: one model call produces a
// JSON plan, the orchestrator executes it step by step with placeholder
// substitution, and a final model call synthesizes the answer from the
// transcript. Step failures are recorded and execution continues; only
// an unusable plan is an error (the caller then degrades to the loop).
func (o *Orchestrator) runPlanned(ctx context.Context, req RunRequest, system string, toolNames []string) (*RunResult, error) {
	p, raw, err := o.buildPlan(ctx, req, system, toolNames)
	if err != nil {
		return nil, err
	}

	steps := []Step{{Type: StepPlan, Text: raw}}
	outputs := make(map[string]string, len(p.Steps))

	for _, ps := range p.Steps {
		input := substituteInput(ps.Args, outputs)

		steps = append(steps, Step{
			Type:  StepToolCall,
			ID:    ps.ID,
			Tool:  ps.Action,
			Input: input,
		})
		res := o.execute(ctx, ToolCall{Name: ps.Action, Input: input})
		steps = append(steps, Step{
			Type:   StepToolResult,
			ID:     ps.ID,
			Tool:   ps.Action,
			Result: &res,
		})
		if res.Status == StatusError {
			o.logger.Warn("plan step failed, continuing",
				"step", ps.ID, "tool", ps.Action, "error", res.Error)
		}

		outputs[ps.ID] = stepOutput(res)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	answer, err := o.synthesize(ctx, req, system, steps)
	if err != nil {
		return nil, err
	}
	steps = append(steps, Step{Type: StepAnswer, Text: answer})
	return &RunResult{Answer: answer, Steps: steps}, nil
}

// buildPlan asks the model for a plan and validates it.
func (o *Orchestrator) buildPlan(ctx context.Context, req RunRequest, system string, toolNames []string) (*plan, string, error) {
	var tools strings.Builder
	for _, name := range toolNames {
		fmt.Fprintf(&tools, "- %s: %s\n", name, o.tools[name].Description())
	}

	comp, err := o.generateWithRetry(ctx, Request{
		System: system,
		Messages: []Message{{
			Role: RoleUser,
			Text: fmt.Sprintf("%s\n\nTools:\n%s\nRequest: %s", planPrompt, tools.String(), userPrompt(req)),
		}},
		JSONOnly: true,
	})
	if err != nil {
		return nil, "", err
	}

	raw := stripFences(comp.Text)
	var p plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, "", fmt.Errorf("parsing plan: %w", err)
	}
	if len(p.Steps) == 0 {
		return nil, "", fmt.Errorf("plan has no steps")
	}
	if len(p.Steps) > o.maxPlanSteps {
		return nil, "", fmt.Errorf("plan has %d steps, limit is %d", len(p.Steps), o.maxPlanSteps)
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = fmt.Sprintf("s%d", i+1)
		}
		if _, dup := seen[p.Steps[i].ID]; dup {
			return nil, "", fmt.Errorf("duplicate plan step id %q", p.Steps[i].ID)
		}
		seen[p.Steps[i].ID] = struct{}{}
	}
	return &p, raw, nil
}

// synthesize produces the final answer from the executed transcript.
func (o *Orchestrator) synthesize(ctx context.Context, req RunRequest, system string, steps []Step) (string, error) {
	transcript, err := json.Marshal(steps)
	if err != nil {
		return "", fmt.Errorf("marshaling transcript: %w", err)
	}

	comp, err := o.generateWithRetry(ctx, Request{
		System: system,
		Messages: []Message{{
			Role: RoleUser,
			Text: fmt.Sprintf(
				"The following plan was executed for the request %q. Using the step results (including any failures), write the final answer for the user.\n\nTranscript:\n%s",
				req.Query, transcript),
		}},
	})
	if err != nil {
		return "", err
	}

	answer := strings.TrimSpace(comp.Text)
	if answer == "" {
		answer = "The plan executed but no answer could be produced."
	}
	return answer, nil
}

// stepOutput renders a step result for placeholder substitution.
// Failed steps substitute as empty strings, matching unresolved
// references.
func stepOutput(res Result) string {
	if res.Status != StatusSuccess || res.Data == nil {
		return ""
	}
	if s, ok := res.Data.(string); ok {
		return s
	}
	data, err := json.Marshal(res.Data)
	if err != nil {
		return ""
	}
	return string(data)
}

// stripFences removes a markdown code fence around a JSON payload.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
