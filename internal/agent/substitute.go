package agent

import (
	"regexp"
	"strings"
)

// stepRef matches "{{step:<id>}}" placeholders in plan inputs.
var stepRef = regexp.MustCompile(`\{\{step:([^}]+)\}\}`)

// substituteInput resolves step placeholders throughout a plan step's
// input, walking nested maps and lists. The original input is never
// mutated; plans stay inspectable in the transcript.
func substituteInput(input map[string]any, outputs map[string]string) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		out[k] = substituteValue(v, outputs)
	}
	return out
}

// substituteValue resolves placeholders in one value. Strings get
// placeholder expansion, maps and lists recurse, and every other type
// passes through untouched. References to unknown or failed steps
// resolve to the empty string.
func substituteValue(v any, outputs map[string]string) any {
	switch val := v.(type) {
	case string:
		return stepRef.ReplaceAllStringFunc(val, func(m string) string {
			id := strings.TrimSuffix(strings.TrimPrefix(m, "{{step:"), "}}")
			return outputs[id]
		})
	case map[string]any:
		return substituteInput(val, outputs)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, outputs)
		}
		return out
	default:
		return v
	}
}
