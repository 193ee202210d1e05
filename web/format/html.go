package format

import (
	"fmt"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/html"
	"github.com/gomarkdown/markdown/parser"
	"github.com/microcosm-cc/bluemonday"
)

var sanitizer = newSanitizer()

func newSanitizer() *bluemonday.Policy {
	policy := bluemonday.UGCPolicy()
	policy.AddTargetBlankToFullyQualifiedLinks(true)
	return policy
}

// ConvertToHTML renders assistant markdown to sanitized HTML. Single
// newlines become line breaks.
func ConvertToHTML(content string) (rendered string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("markdown render panic: %v", r)
		}
	}()

	text := normalizeMarkdownLists(NormalizeContent(content))

	// Parsers keep state and must not be reused.
	p := parser.NewWithExtensions(parser.CommonExtensions | parser.HardLineBreak)
	renderer := html.NewRenderer(html.RendererOptions{
		Flags: html.CommonFlags | html.HrefTargetBlank | html.SkipHTML,
	})

	out := markdown.ToHTML([]byte(text), p, renderer)
	return string(sanitizer.SanitizeBytes(out)), nil
}

// RenderMarkdown renders content, returning the original text unchanged if
// rendering fails.
func RenderMarkdown(content string) string {
	rendered, err := ConvertToHTML(content)
	if err != nil {
		return content
	}
	return rendered
}
