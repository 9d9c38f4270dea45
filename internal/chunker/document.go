package chunker

import (
	"regexp"
	"strings"
	"unicode"
)

// breadcrumbDepth is how many enclosing headings a section chunk carries.
const breadcrumbDepth = 3

// maxHeadingLen bounds heading candidates; longer lines are body text.
const maxHeadingLen = 80

var numberedHeading = regexp.MustCompile(`^\d+(\.\d+)*[.)]?\s+\S`)

// chunkDocument chunks prose by heading structure and page breaks. Pages
// are delimited by form feeds (the pdftotext convention); a section that
// crosses a page boundary is closed at the break and the next chunk notes
// which heading it continues, so a retrieved chunk always names its page.
func (c *Chunker) chunkDocument(content string) []Chunk {
	pages := strings.Split(content, "\f")
	hasPages := len(pages) > 1

	var chunks []Chunk
	var trail []string // last breadcrumbDepth headings, outermost first
	var buf []string
	continues := ""

	flush := func(page int) {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = buf[:0]
		if text == "" {
			return
		}
		if continues != "" {
			text = "(continues from " + continues + ")\n" + text
			continues = ""
		}
		chunks = append(chunks, Chunk{
			Content: text,
			Section: strings.Join(trail, " > "),
			Page:    page,
		})
	}

	for pi, page := range pages {
		pageNum := 0
		if hasPages {
			pageNum = pi + 1
		}

		for _, line := range strings.Split(page, "\n") {
			if h := headingText(line); h != "" {
				flush(pageNum)
				continues = ""
				trail = append(trail, h)
				if len(trail) > breadcrumbDepth {
					trail = trail[len(trail)-breadcrumbDepth:]
				}
				buf = append(buf, line)
				continue
			}
			buf = append(buf, line)
		}

		// Close the open section at the page break so page metadata stays
		// exact; the continuation marker links the halves.
		if len(buf) > 0 {
			flush(pageNum)
			if len(trail) > 0 {
				continues = trail[len(trail)-1]
			}
		}
	}

	return chunks
}

// headingText reports whether line is a heading and returns its text with
// markers stripped. Recognized forms: markdown #-headings, numbered
// headings ("2.1 Scope"), short all-caps lines, and short
// colon-terminated labels.
func headingText(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > maxHeadingLen {
		return ""
	}

	if strings.HasPrefix(trimmed, "#") {
		h := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		if h != "" {
			return h
		}
		return ""
	}

	if numberedHeading.MatchString(trimmed) {
		return trimmed
	}

	if isAllCapsHeading(trimmed) {
		return trimmed
	}

	// A short label line ending with a colon ("Ingredients:").
	if strings.HasSuffix(trimmed, ":") && len(strings.Fields(trimmed)) <= 8 {
		return strings.TrimSuffix(trimmed, ":")
	}

	return ""
}

// isAllCapsHeading reports whether the line is a short all-uppercase line
// with at least one letter and no sentence-ending period.
func isAllCapsHeading(s string) bool {
	if strings.HasSuffix(s, ".") {
		return false
	}
	hasLetter := false
	for _, r := range s {
		if unicode.IsLetter(r) {
			hasLetter = true
			if !unicode.IsUpper(r) {
				return false
			}
		}
	}
	return hasLetter
}
