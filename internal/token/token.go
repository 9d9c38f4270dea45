// Package token provides token counting and token-bounded text splitting.
//
// Counting prefers an exact subword encoding (cl100k_base); when the
// encoding cannot be loaded the counter falls back to a word-based
// heuristic. Callers see the same Counter surface either way, so retrieval
// budgets and chunk limits behave consistently regardless of which path is
// active.
package token

import (
	"math"
	"strings"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
)

// tokensPerWord approximates subword inflation for English-like text and
// source code when no exact encoding is available.
const tokensPerWord = 1.3

// Counter counts tokens and splits text into token-bounded windows.
type Counter struct {
	enc *tiktoken.Tiktoken // nil when the heuristic is active
}

// NewCounter creates a Counter. It attempts to load the cl100k_base
// encoding; on failure (offline environments without the cached BPE data)
// it silently degrades to the heuristic.
func NewCounter() *Counter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// NewHeuristicCounter creates a Counter that always uses the word-based
// estimate. Used in tests for deterministic counts.
func NewHeuristicCounter() *Counter {
	return &Counter{}
}

// Count returns the token count of text. Empty text counts as zero.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.enc != nil {
		return len(c.enc.Encode(text, nil, nil))
	}
	return estimateTokens(text)
}

// estimateTokens approximates the token count from word and punctuation
// counts. It intentionally over-counts slightly so budget checks stay
// conservative.
func estimateTokens(text string) int {
	words := 0
	punct := 0
	inWord := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			inWord = false
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			punct++
			inWord = false
		default:
			if !inWord {
				words++
				inWord = true
			}
		}
	}
	n := int(math.Ceil(float64(words)*tokensPerWord)) + punct/2
	if n == 0 && len(text) > 0 {
		n = 1
	}
	return n
}

// Split divides text into windows of at most maxTokens tokens with roughly
// overlap tokens shared between consecutive windows.
//
// Guarantees:
//   - every returned window counts ≤ maxTokens (except a single atomic
//     unit that cannot be divided further, which is force-windowed by
//     words and may round over by a token on the heuristic path);
//   - the windows concatenated in order cover the whole input;
//   - consecutive windows share material so no boundary sentence is lost;
//   - the split always makes forward progress: the effective step is
//     max(maxTokens-overlap, maxTokens/2, 1).
//
// Boundaries are chosen at paragraph breaks first, then sentence ends,
// then forced word windows for a single oversize unit.
func (c *Counter) Split(text string, maxTokens, overlap int) []string {
	if text == "" {
		return nil
	}
	if maxTokens <= 0 {
		return []string{text}
	}
	if c.Count(text) <= maxTokens {
		return []string{text}
	}

	units := splitParagraphs(text)
	if len(units) <= 1 {
		units = splitSentences(text)
	}

	// Break any unit that alone exceeds the limit into forced word windows
	// before packing, so packing never emits an oversize window.
	var atoms []string
	for _, u := range units {
		if c.Count(u) > maxTokens {
			atoms = append(atoms, c.forceWindows(u, maxTokens)...)
		} else {
			atoms = append(atoms, u)
		}
	}

	return c.pack(atoms, maxTokens, overlap)
}

// pack greedily fills windows from atoms and steps back by overlap tokens
// between windows.
func (c *Counter) pack(atoms []string, maxTokens, overlap int) []string {
	step := maxTokens - overlap
	if half := maxTokens / 2; step < half {
		step = half
	}
	if step < 1 {
		step = 1
	}

	counts := make([]int, len(atoms))
	for i, a := range atoms {
		counts[i] = c.Count(a)
	}

	var out []string
	start := 0
	for start < len(atoms) {
		total := 0
		end := start
		for end < len(atoms) {
			next := total + counts[end]
			if end > start && next > maxTokens {
				break
			}
			total = next
			end++
		}

		out = append(out, strings.TrimSpace(strings.Join(atoms[start:end], "\n\n")))

		if end >= len(atoms) {
			break
		}

		// Walk the window start forward by at least step tokens, then pull
		// it back while the retained tail stays within the overlap budget.
		advanced := 0
		ns := start
		for ns < end && advanced < step {
			advanced += counts[ns]
			ns++
		}
		for ns > start+1 {
			tail := 0
			for i := ns; i < end; i++ {
				tail += counts[i]
			}
			if tail+counts[ns-1] > overlap {
				break
			}
			ns--
		}
		if ns <= start {
			ns = start + 1
		}
		start = ns
	}
	return out
}

// forceWindows splits a single atomic unit by words into windows of at
// most maxTokens tokens. Used when no paragraph or sentence boundary
// exists inside the limit (minified code, base64 blobs).
func (c *Counter) forceWindows(text string, maxTokens int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{text}
	}

	var out []string
	var cur []string
	total := 0
	for _, w := range words {
		n := c.Count(w)
		if len(cur) > 0 && total+n > maxTokens {
			out = append(out, strings.Join(cur, " "))
			cur = cur[:0]
			total = 0
		}
		cur = append(cur, w)
		total += n
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// splitParagraphs splits on blank lines, keeping paragraph order.
func splitParagraphs(text string) []string {
	parts := strings.Split(text, "\n\n")
	var out []string
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// sentence terminators considered by splitSentences.
func isSentenceEnd(r rune) bool {
	return r == '.' || r == '!' || r == '?' || r == '\n'
}

// splitSentences splits on sentence terminators followed by whitespace.
// Terminators stay attached to their sentence.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		b.WriteRune(r)
		if isSentenceEnd(r) {
			atEnd := i == len(runes)-1
			followedBySpace := !atEnd && unicode.IsSpace(runes[i+1])
			if (atEnd || followedBySpace) && strings.TrimSpace(b.String()) != "" {
				out = append(out, b.String())
				b.Reset()
			}
		}
	}
	if strings.TrimSpace(b.String()) != "" {
		out = append(out, b.String())
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}
