package token

import (
	"strings"
	"testing"
)

func TestCountEmpty(t *testing.T) {
	c := NewHeuristicCounter()
	if got := c.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
}

func TestCountGrowsWithText(t *testing.T) {
	c := NewHeuristicCounter()
	short := c.Count("hello world")
	long := c.Count(strings.Repeat("hello world ", 50))
	if short <= 0 {
		t.Fatalf("short count = %d, want > 0", short)
	}
	if long <= short {
		t.Errorf("long count %d not greater than short count %d", long, short)
	}
}

func TestSplitShortTextUnchanged(t *testing.T) {
	c := NewHeuristicCounter()
	text := "a short paragraph"
	got := c.Split(text, 100, 10)
	if len(got) != 1 || got[0] != text {
		t.Errorf("Split returned %v, want the input unchanged", got)
	}
}

func TestSplitRespectsMaxTokens(t *testing.T) {
	c := NewHeuristicCounter()
	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("The quick brown fox jumps over the lazy dog.\n\n")
	}
	const maxTokens = 50
	parts := c.Split(sb.String(), maxTokens, 10)
	if len(parts) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(parts))
	}
	for i, p := range parts {
		if n := c.Count(p); n > maxTokens {
			t.Errorf("window %d counts %d tokens, exceeds %d", i, n, maxTokens)
		}
	}
}

func TestSplitCoversInput(t *testing.T) {
	c := NewHeuristicCounter()
	var paras []string
	for i := 0; i < 20; i++ {
		paras = append(paras, "paragraph number "+strings.Repeat("x ", i+1)+"end")
	}
	text := strings.Join(paras, "\n\n")
	parts := c.Split(text, 40, 8)
	joined := strings.Join(parts, "\n")
	for _, p := range paras {
		if !strings.Contains(joined, strings.TrimSpace(p)) {
			t.Errorf("paragraph %q missing from split output", p[:20])
		}
	}
}

func TestSplitOverlap(t *testing.T) {
	c := NewHeuristicCounter()
	var sb strings.Builder
	for i := 0; i < 60; i++ {
		sb.WriteString("Sentence with several plain words inside it.\n\n")
	}
	parts := c.Split(sb.String(), 60, 20)
	if len(parts) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(parts))
	}
	// Consecutive windows of homogeneous paragraphs must share material.
	for i := 1; i < len(parts); i++ {
		prevTail := lastLine(parts[i-1])
		if !strings.Contains(parts[i], prevTail) {
			t.Errorf("window %d does not carry overlap from window %d", i, i-1)
		}
	}
}

func TestSplitForcedProgressOnAtomicText(t *testing.T) {
	c := NewHeuristicCounter()
	// One giant "word soup" line with no paragraph or sentence breaks.
	text := strings.Repeat("tokenword ", 500)
	parts := c.Split(text, 30, 29) // overlap nearly equal to max
	if len(parts) < 2 {
		t.Fatalf("expected multiple windows, got %d", len(parts))
	}
	for i, p := range parts {
		if n := c.Count(p); n > 31 {
			t.Errorf("window %d counts %d tokens", i, n)
		}
	}
}

func TestSplitZeroMaxReturnsWhole(t *testing.T) {
	c := NewHeuristicCounter()
	text := strings.Repeat("word ", 100)
	parts := c.Split(text, 0, 0)
	if len(parts) != 1 {
		t.Errorf("Split with maxTokens=0 returned %d parts, want 1", len(parts))
	}
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
