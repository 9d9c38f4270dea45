// Package chunker splits source files and documents into retrieval chunks.
//
// The strategy is chosen from the file extension: Go sources are chunked
// per top-level declaration via the AST, other code files via language
// keyword scanning, and prose documents (txt, md, extracted PDF text) via
// heading and page structure. A post-pass splits any chunk over the token
// ceiling into overlapping parts, and a file that yields no chunks becomes
// a single whole-document chunk so ingestion never silently drops content.
package chunker

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/quarrylabs/quarry/internal/token"
)

// Default chunk budget. Chunks above MaxTokens are split with Overlap
// tokens shared between consecutive parts.
const (
	DefaultMaxTokens = 1500
	DefaultOverlap   = 200
)

// Chunk is one retrievable unit extracted from a file.
type Chunk struct {
	// Content is the chunk text, including any context header the
	// strategy prepends (imports, breadcrumb trail, part markers).
	Content string

	// TokenCount is the token count of Content.
	TokenCount int

	// FileExt is the source file extension including the dot, lowercased.
	FileExt string

	// Language is the detected language name, empty for prose.
	Language string

	// Symbol is the declaration name for code chunks, empty otherwise.
	Symbol string

	// Section is the heading breadcrumb for document chunks.
	Section string

	// Page is the 1-based page number for paginated documents, 0 when
	// the source has no page structure.
	Page int

	// PartIndex and PartTotal identify oversize-split parts (1-based).
	// Both are 0 for chunks that were not split.
	PartIndex int
	PartTotal int
}

// Chunker turns file contents into chunks.
type Chunker struct {
	counter   *token.Counter
	maxTokens int
	overlap   int
	logger    *slog.Logger
}

// Option customizes a Chunker.
type Option func(*Chunker)

// WithBudget overrides the chunk token ceiling and split overlap.
func WithBudget(maxTokens, overlap int) Option {
	return func(c *Chunker) {
		if maxTokens > 0 {
			c.maxTokens = maxTokens
		}
		if overlap >= 0 {
			c.overlap = overlap
		}
	}
}

// New creates a Chunker using counter for all token accounting.
func New(counter *token.Counter, logger *slog.Logger, opts ...Option) *Chunker {
	c := &Chunker{
		counter:   counter,
		maxTokens: DefaultMaxTokens,
		overlap:   DefaultOverlap,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// codeLanguages maps code extensions to language names for the regex
// strategy. Go is absent on purpose; it has its own AST strategy.
var codeLanguages = map[string]string{
	".py":    "python",
	".js":    "javascript",
	".jsx":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".java":  "java",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rs":    "rust",
	".rb":    "ruby",
	".php":   "php",
	".sh":    "shell",
	".bash":  "shell",
	".swift": "swift",
	".kt":    "kotlin",
	".scala": "scala",
}

// ChunkFile chunks the given file content. path is used only for strategy
// selection and metadata; the content must already be text (PDF callers
// extract text first, with form-feed page separators).
func (c *Chunker) ChunkFile(path, content string) []Chunk {
	ext := strings.ToLower(filepath.Ext(path))

	var chunks []Chunk
	switch {
	case ext == ".go":
		chunks = c.chunkGo(content)
		if chunks == nil {
			// Unparseable Go still has line structure worth scanning.
			chunks = c.chunkCode(content, "go")
		}
	case codeLanguages[ext] != "":
		chunks = c.chunkCode(content, codeLanguages[ext])
	default:
		chunks = c.chunkDocument(content)
	}

	if len(chunks) == 0 && strings.TrimSpace(content) != "" {
		chunks = []Chunk{{Content: content}}
	}

	for i := range chunks {
		chunks[i].FileExt = ext
	}

	return c.splitOversize(chunks)
}

// splitOversize replaces every chunk above the token ceiling with
// overlapping parts carrying "Part i/N" markers. Metadata is inherited by
// every part.
func (c *Chunker) splitOversize(chunks []Chunk) []Chunk {
	out := make([]Chunk, 0, len(chunks))
	for _, ch := range chunks {
		n := c.counter.Count(ch.Content)
		if n <= c.maxTokens {
			ch.TokenCount = n
			out = append(out, ch)
			continue
		}

		parts := c.counter.Split(ch.Content, c.maxTokens-partHeaderTokens, c.overlap)
		if len(parts) <= 1 {
			ch.TokenCount = n
			out = append(out, ch)
			continue
		}
		c.logger.Debug("splitting oversize chunk",
			"tokens", n, "parts", len(parts), "symbol", ch.Symbol)
		for i, p := range parts {
			part := ch
			part.Content = fmt.Sprintf("[Part %d/%d]\n%s", i+1, len(parts), p)
			part.TokenCount = c.counter.Count(part.Content)
			part.PartIndex = i + 1
			part.PartTotal = len(parts)
			out = append(out, part)
		}
	}
	return out
}

// partHeaderTokens reserves room for the "[Part i/N]" marker line so the
// final part content stays under the ceiling.
const partHeaderTokens = 8
