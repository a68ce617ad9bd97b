package atelier

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// FlattenMarkdown reduces markdown to plain text: headings and paragraphs
// become lines, code fences keep their content, formatting marks are
// dropped. Used to keep phase transcripts and briefs compact before they
// are fed back into a prompt.
func FlattenMarkdown(md string) string {
	source := []byte(md)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var b strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			b.Write(v.Segment.Value(source))
			if v.SoftLineBreak() || v.HardLineBreak() {
				b.WriteByte('\n')
			}
		case *ast.String:
			b.Write(v.Value)
		case *ast.CodeBlock:
			writeLines(&b, v, source)
		case *ast.FencedCodeBlock:
			writeLines(&b, v, source)
		case *ast.Heading, *ast.Paragraph, *ast.ListItem:
			if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
				b.WriteByte('\n')
			}
		case *ast.ThematicBreak:
			b.WriteByte('\n')
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func writeLines(b *strings.Builder, n ast.Node, source []byte) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(source))
	}
}
