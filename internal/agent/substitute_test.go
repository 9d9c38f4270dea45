package agent

import (
	"reflect"
	"testing"
)

func TestSubstituteValueKinds(t *testing.T) {
	outputs := map[string]string{"s1": "hello", "s2": "world"}

	tests := []struct {
		name string
		in   any
		want any
	}{
		{
			name: "plain string untouched",
			in:   "no placeholders",
			want: "no placeholders",
		},
		{
			name: "single reference",
			in:   "{{step:s1}}",
			want: "hello",
		},
		{
			name: "embedded reference",
			in:   "say {{step:s1}} {{step:s2}}!",
			want: "say hello world!",
		},
		{
			name: "unresolved reference becomes empty",
			in:   "value: {{step:missing}}",
			want: "value: ",
		},
		{
			name: "nested map",
			in:   map[string]any{"outer": map[string]any{"inner": "{{step:s2}}"}},
			want: map[string]any{"outer": map[string]any{"inner": "world"}},
		},
		{
			name: "list elements",
			in:   []any{"{{step:s1}}", 42, true},
			want: []any{"hello", 42, true},
		},
		{
			name: "non-string scalars pass through",
			in:   3.14,
			want: 3.14,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := substituteValue(tt.in, outputs)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubstituteInputDoesNotMutate(t *testing.T) {
	in := map[string]any{"q": "{{step:s1}}"}
	got := substituteInput(in, map[string]string{"s1": "resolved"})
	if in["q"] != "{{step:s1}}" {
		t.Error("original input mutated")
	}
	if got["q"] != "resolved" {
		t.Errorf("got %v", got["q"])
	}
}
