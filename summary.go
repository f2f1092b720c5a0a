package ensemble

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"
)

// Summarize extracts a one-line summary from markdown-ish LLM output: the
// first non-empty paragraph, whitespace-collapsed and truncated to maxLen
// runes. Headings, fences, and lists are skipped. Falls back to the first
// non-empty line when the document has no paragraph.
func Summarize(raw string, maxLen int) string {
	source := []byte(raw)
	doc := goldmark.New().Parser().Parse(gtext.NewReader(source))

	var summary string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		p, ok := n.(*ast.Paragraph)
		if !ok {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		for i := 0; i < p.Lines().Len(); i++ {
			seg := p.Lines().At(i)
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.Write(seg.Value(source))
		}
		s := collapseSpace(b.String())
		if s == "" {
			return ast.WalkContinue, nil
		}
		summary = s
		return ast.WalkStop, nil
	})

	if summary == "" {
		for _, line := range strings.Split(raw, "\n") {
			if s := collapseSpace(line); s != "" {
				summary = s
				break
			}
		}
	}
	return truncateRunes(summary, maxLen)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, maxLen int) string {
	if maxLen <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen])
}
