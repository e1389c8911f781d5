package documents

import (
	"context"
	"strings"

	"github.com/gomarkdown/markdown"
	"github.com/gomarkdown/markdown/ast"
	"github.com/gomarkdown/markdown/parser"
)

// extractMarkdown flattens a Markdown document into one line per block.
// List items keep a "- " prefix so the rule parser still sees them as bullets.
func extractMarkdown(ctx context.Context, data []byte) (string, error) {
	plain, err := extractPlainText(ctx, data)
	if err != nil {
		return "", err
	}

	p := parser.NewWithExtensions(parser.CommonExtensions)
	doc := markdown.Parse([]byte(plain), p)

	var (
		lines     []string
		current   strings.Builder
		listDepth int
	)

	flush := func() {
		text := strings.Join(strings.Fields(current.String()), " ")
		current.Reset()
		if text == "" {
			return
		}
		if listDepth > 0 {
			text = "- " + text
		}
		lines = append(lines, text)
	}

	ast.WalkFunc(doc, func(node ast.Node, entering bool) ast.WalkStatus {
		switch n := node.(type) {
		case *ast.ListItem:
			if entering {
				listDepth++
			} else {
				flush()
				listDepth--
			}
		case *ast.Paragraph, *ast.Heading, *ast.TableCell:
			if !entering {
				flush()
			}
		case *ast.TableRow:
			if !entering {
				flush()
			}
		case *ast.Text:
			current.Write(n.Literal)
		case *ast.Code:
			current.Write(n.Literal)
		case *ast.CodeBlock:
			current.Write(n.Literal)
			flush()
		case *ast.Softbreak, *ast.Hardbreak:
			current.WriteByte(' ')
		}
		return ast.GoToNext
	})
	flush()

	return strings.Join(lines, "\n"), nil
}
