package chunker

import (
	"regexp"
	"strings"
)

// declPatterns matches top-level declaration keywords per language. The
// patterns are anchored at line start (allowing indentation for languages
// where class members matter) and capture the declared name.
var declPatterns = map[string]*regexp.Regexp{
	"python":     regexp.MustCompile(`^(?:async\s+)?(?:def|class)\s+(\w+)`),
	"javascript": regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:async\s+)?(?:function\s*\*?\s*|class\s+|const\s+|let\s+|var\s+)(\w+)`),
	"typescript": regexp.MustCompile(`^(?:export\s+)?(?:default\s+)?(?:abstract\s+)?(?:async\s+)?(?:function\s*\*?\s*|class\s+|interface\s+|type\s+|enum\s+|const\s+|let\s+)(\w+)`),
	"java":       regexp.MustCompile(`^\s*(?:public|protected|private)\s+(?:static\s+)?(?:final\s+)?(?:abstract\s+)?(?:class|interface|enum|record|[\w<>\[\],\s]+?)\s+(\w+)\s*[({]`),
	"c":          regexp.MustCompile(`^(?:static\s+|inline\s+|extern\s+)*[\w*]+[\s*]+(\w+)\s*\(`),
	"cpp":        regexp.MustCompile(`^(?:template\s*<[^>]*>\s*)?(?:class|struct|namespace)\s+(\w+)|^(?:static\s+|inline\s+|virtual\s+)*[\w:<>*&]+[\s*&]+(\w+)\s*\(`),
	"csharp":     regexp.MustCompile(`^\s*(?:public|protected|private|internal)\s+(?:static\s+)?(?:sealed\s+)?(?:abstract\s+)?(?:partial\s+)?(?:class|interface|struct|enum|record|[\w<>\[\],\s]+?)\s+(\w+)`),
	"rust":       regexp.MustCompile(`^(?:pub(?:\([\w:]+\))?\s+)?(?:async\s+)?(?:fn|struct|enum|trait|impl|mod|macro_rules!)\s+(\w+)`),
	"ruby":       regexp.MustCompile(`^\s*(?:def|class|module)\s+([\w.?!]+)`),
	"php":        regexp.MustCompile(`^\s*(?:public\s+|protected\s+|private\s+|static\s+|abstract\s+|final\s+)*(?:function|class|interface|trait)\s+(\w+)`),
	"shell":      regexp.MustCompile(`^(?:function\s+)?([\w-]+)\s*\(\)\s*\{|^function\s+([\w-]+)`),
	"swift":      regexp.MustCompile(`^\s*(?:public\s+|private\s+|internal\s+|open\s+)?(?:final\s+)?(?:func|class|struct|enum|protocol|extension)\s+(\w+)`),
	"kotlin":     regexp.MustCompile(`^\s*(?:public\s+|private\s+|internal\s+)?(?:suspend\s+)?(?:fun|class|interface|object|data\s+class)\s+(\w+)`),
	"scala":      regexp.MustCompile(`^\s*(?:private\s+|protected\s+)?(?:def|class|object|trait|case\s+class)\s+(\w+)`),
	"go":         regexp.MustCompile(`^(?:func|type|var|const)\s+(?:\([^)]*\)\s*)?(\w+)`),
}

// importPrefixes marks lines collected into the shared import header.
var importPrefixes = []string{
	"import ", "from ", "#include", "using ", "require ", "require(",
	"use ", "package ", "source ",
}

// importScanLines bounds the import header scan to the top of the file.
const importScanLines = 50

// contextLines is how many preceding non-import lines precede each chunk.
const contextLines = 3

// chunkCode chunks a non-Go source file by scanning for top-level
// declaration keywords. Each chunk runs from one declaration to the next,
// prefixed by the file's import header and a few preceding lines of
// context (decorators, attribute macros, comments).
func (c *Chunker) chunkCode(content, language string) []Chunk {
	pattern, ok := declPatterns[language]
	if !ok {
		return nil
	}

	lines := strings.Split(content, "\n")
	header := importHeader(lines)

	// Find all declaration line indexes first.
	type decl struct {
		line   int
		symbol string
	}
	var decls []decl
	for i, line := range lines {
		m := pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name := ""
		for _, g := range m[1:] {
			if g != "" {
				name = g
				break
			}
		}
		decls = append(decls, decl{line: i, symbol: name})
	}
	if len(decls) == 0 {
		return nil
	}

	var chunks []Chunk
	for i, d := range decls {
		end := len(lines)
		if i+1 < len(decls) {
			end = decls[i+1].line
		}

		start := d.line
		// Pull in preceding context lines unless they belong to the
		// previous chunk or are imports already captured in the header.
		floor := 0
		if i > 0 {
			floor = decls[i-1].line + 1
		}
		for start > floor && d.line-start < contextLines {
			prev := strings.TrimSpace(lines[start-1])
			if prev == "" || isImportLine(prev) {
				break
			}
			start--
		}

		body := strings.TrimRight(strings.Join(lines[start:end], "\n"), "\n")
		if strings.TrimSpace(body) == "" {
			continue
		}

		var b strings.Builder
		if header != "" {
			b.WriteString(header)
			b.WriteString("\n\n")
		}
		b.WriteString(body)

		chunks = append(chunks, Chunk{
			Content:  b.String(),
			Language: language,
			Symbol:   d.symbol,
		})
	}
	return chunks
}

// importHeader collects import-like lines from the top of the file.
func importHeader(lines []string) string {
	limit := len(lines)
	if limit > importScanLines {
		limit = importScanLines
	}
	var imports []string
	for _, line := range lines[:limit] {
		if isImportLine(strings.TrimSpace(line)) {
			imports = append(imports, line)
		}
	}
	return strings.Join(imports, "\n")
}

func isImportLine(trimmed string) bool {
	for _, p := range importPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
