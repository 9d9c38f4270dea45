package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// GenkitLLM implements LLM on top of genkit. Tool calls are returned to
// the caller instead of being executed inside genkit, so the
// orchestrator keeps control of the loop and its transcript.
type GenkitLLM struct {
	g      *genkit.Genkit
	model  string
	tools  map[string]ai.ToolRef
	logger *slog.Logger
}

// NewGenkitLLM registers the given tools with genkit and returns the
// adapter. The model name is the fully qualified genkit name, e.g.
// "googleai/gemini-2.5-flash".
func NewGenkitLLM(g *genkit.Genkit, modelName string, tools []Tool, logger *slog.Logger) (*GenkitLLM, error) {
	if g == nil {
		return nil, fmt.Errorf("genkit instance is required")
	}
	if modelName == "" {
		return nil, fmt.Errorf("model name is required")
	}

	refs := make(map[string]ai.ToolRef, len(tools))
	for _, t := range tools {
		tool := t
		// The executor only runs if genkit ever invokes the tool itself;
		// with tool requests returned to the orchestrator it is the
		// schema registration that matters.
		ref := genkit.DefineTool(g, tool.Name(), tool.Description(),
			func(toolCtx *ai.ToolContext, input map[string]any) (Result, error) {
				return tool.Execute(toolCtx.Context, input), nil
			})
		refs[tool.Name()] = ref
	}

	return &GenkitLLM{g: g, model: modelName, tools: refs, logger: logger}, nil
}

// Generate runs one model call and maps the response back to the
// orchestrator's types.
func (l *GenkitLLM) Generate(ctx context.Context, req Request) (Completion, error) {
	opts := []ai.GenerateOption{
		ai.WithModelName(l.model),
		ai.WithMessages(l.buildMessages(req.Messages)...),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}
	if len(req.Tools) > 0 {
		refs := make([]ai.ToolRef, 0, len(req.Tools))
		for _, name := range req.Tools {
			ref, ok := l.tools[name]
			if !ok {
				return Completion{}, fmt.Errorf("tool %q is not registered", name)
			}
			refs = append(refs, ref)
		}
		opts = append(opts, ai.WithTools(refs...), ai.WithReturnToolRequests(true))
	}
	if req.JSONOnly {
		opts = append(opts, ai.WithOutputFormat(ai.OutputFormatJSON))
	}

	resp, err := genkit.Generate(ctx, l.g, opts...)
	if err != nil {
		return Completion{}, fmt.Errorf("generating response: %w", err)
	}

	completion := Completion{Text: resp.Text()}
	for _, tr := range resp.ToolRequests() {
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			Ref:   tr.Ref,
			Name:  tr.Name,
			Input: toInputMap(tr.Input),
		})
	}
	return completion, nil
}

// buildMessages converts the orchestrator's history into genkit messages.
func (l *GenkitLLM) buildMessages(messages []Message) []*ai.Message {
	out := make([]*ai.Message, 0, len(messages))
	for _, msg := range messages {
		switch {
		case msg.ToolResult != nil:
			out = append(out, ai.NewMessage(ai.RoleTool, nil, ai.NewToolResponsePart(&ai.ToolResponse{
				Ref:    msg.ToolResult.Ref,
				Name:   msg.ToolResult.Name,
				Output: msg.ToolResult.Output,
			})))
		case msg.ToolCall != nil:
			out = append(out, ai.NewMessage(ai.RoleModel, nil, ai.NewToolRequestPart(&ai.ToolRequest{
				Ref:   msg.ToolCall.Ref,
				Name:  msg.ToolCall.Name,
				Input: msg.ToolCall.Input,
			})))
		case msg.Role == RoleAssistant:
			out = append(out, ai.NewModelMessage(ai.NewTextPart(msg.Text)))
		default:
			out = append(out, ai.NewUserMessage(ai.NewTextPart(msg.Text)))
		}
	}
	return out
}

// toInputMap normalizes a tool request input to the map form tools
// consume. Non-map inputs are round-tripped through JSON.
func toInputMap(input any) map[string]any {
	if input == nil {
		return map[string]any{}
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(input)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{}
	}
	return m
}
