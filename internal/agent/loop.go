package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// searchToolName is the retrieval tool used by the single-shot fallback.
const searchToolName = "search_context"

// runLoop is the direct tool-calling mode: the model sees the
// conversation plus tool results and decides each turn whether to call
// more tools or answer. The loop is bounded; exhausting it degrades to
// the single-shot retrieval pass.
func (o *Orchestrator) runLoop(ctx context.Context, req RunRequest, system string, toolNames []string) (*RunResult, error) {
	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = o.maxTurns
	}

	var steps []Step
	messages := []Message{{Role: RoleUser, Text: userPrompt(req)}}

	for turn := 0; turn < maxTurns; turn++ {
		comp, err := o.generateWithRetry(ctx, Request{
			System:   system,
			Messages: messages,
			Tools:    toolNames,
		})
		if err != nil {
			return nil, err
		}

		if len(comp.ToolCalls) == 0 {
			answer := strings.TrimSpace(comp.Text)
			if answer == "" {
				break
			}
			steps = append(steps, Step{Type: StepAnswer, Text: answer})
			return &RunResult{Answer: answer, Steps: steps}, nil
		}

		// Execute every requested call this turn; results go back into
		// the conversation in request order.
		if comp.Text != "" {
			messages = append(messages, Message{Role: RoleAssistant, Text: comp.Text})
		}
		for i := range comp.ToolCalls {
			call := comp.ToolCalls[i]
			o.logger.Debug("executing tool", "turn", turn, "tool", call.Name)

			steps = append(steps, Step{
				Type:  StepToolCall,
				Tool:  call.Name,
				Input: call.Input,
			})
			res := o.execute(ctx, call)
			steps = append(steps, Step{
				Type:   StepToolResult,
				Tool:   call.Name,
				Result: &res,
			})

			messages = append(messages,
				Message{Role: RoleAssistant, ToolCall: &call},
				Message{Role: RoleTool, ToolResult: &ToolResult{
					Ref:    call.Ref,
					Name:   call.Name,
					Output: res,
				}})
		}
	}

	o.logger.Info("tool loop ended without an answer, degrading to single-shot retrieval",
		"max_turns", maxTurns)
	steps = append(steps, Step{
		Type: StepNote,
		Text: "tool loop ended without an answer; answering from a single retrieval pass",
	})
	return o.runSingleShot(ctx, req, system, steps)
}

// runSingleShot is the last-resort mode: exactly one retrieval call,
// then one answer generation grounded in whatever came back. It is also
// the terminal fallback for an exhausted loop, so it never calls tools
// through the model.
func (o *Orchestrator) runSingleShot(ctx context.Context, req RunRequest, system string, steps []Step) (*RunResult, error) {
	input := map[string]any{"query": req.Query}
	if req.ProjectID != "" {
		input["project_id"] = req.ProjectID
	}

	var contextBlock string
	if _, ok := o.tools[searchToolName]; ok {
		steps = append(steps, Step{Type: StepToolCall, Tool: searchToolName, Input: input})
		res := o.execute(ctx, ToolCall{Name: searchToolName, Input: input})
		steps = append(steps, Step{Type: StepToolResult, Tool: searchToolName, Result: &res})

		if res.Status == StatusSuccess && res.Data != nil {
			if data, err := json.Marshal(res.Data); err == nil {
				contextBlock = string(data)
			}
		}
	}

	prompt := userPrompt(req)
	if contextBlock != "" {
		prompt = fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextBlock, req.Query)
	}

	comp, err := o.generateWithRetry(ctx, Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Text: prompt}},
	})
	if err != nil {
		return nil, err
	}

	answer := strings.TrimSpace(comp.Text)
	if answer == "" {
		answer = "I could not produce an answer for this query."
	}
	steps = append(steps, Step{Type: StepAnswer, Text: answer})
	return &RunResult{Answer: answer, Steps: steps}, nil
}

// userPrompt renders the query with its project scope so the model
// passes the right partition to tools.
func userPrompt(req RunRequest) string {
	if req.ProjectID == "" {
		return req.Query
	}
	return fmt.Sprintf("%s\n\n(project_id: %s; pass this to tools that accept it)", req.Query, req.ProjectID)
}
