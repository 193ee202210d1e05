package format

import (
	"regexp"
	"strings"
)

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// NormalizeContent trims outer whitespace and collapses runs of three or
// more newlines to a single blank line.
func NormalizeContent(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)
	return excessNewlines.ReplaceAllString(text, "\n\n")
}

var listItemPattern = regexp.MustCompile(`^(?:[-*+]|\d+\.)\s`)

func isListItem(line string) bool {
	return listItemPattern.MatchString(line)
}

// normalizeMarkdownLists ensures a blank line precedes every list.
// Markdown requires it, but model output often omits it.
func normalizeMarkdownLists(text string) string {
	lines := strings.Split(text, "\n")
	result := make([]string, 0, len(lines))

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if isListItem(trimmed) && i > 0 {
			prevLine := strings.TrimSpace(lines[i-1])
			if prevLine != "" && !isListItem(prevLine) {
				result = append(result, "")
			}
		}

		result = append(result, line)
	}

	return strings.Join(result, "\n")
}
