// Package mdtree walks Markdown source with the tree-sitter Markdown
// grammar (C5). Markdown has no comments in the C-family sense, so
// this walker skips comment extraction and suggestion rules — headings,
// fenced code blocks, and links become nodes directly.
package mdtree

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/markdown"

	"kerai/internal/kerrors"
	"kerai/internal/parser"
)

type Walker struct{}

func New() *Walker { return &Walker{} }

func (w *Walker) Language() string { return "markdown" }

func (w *Walker) ParseFile(source []byte, filename string) (parser.Result, error) {
	source = normalizeLineEndings(source)

	p := sitter.NewParser()
	p.SetLanguage(markdown.GetLanguage())
	tree, err := p.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return parser.Result{}, kerrors.Wrap(kerrors.UpstreamParse, err, "mdtree: parse %s", filename)
	}
	root := tree.RootNode()

	res := parser.Result{
		Nodes: []parser.NodeRow{{
			Kind: "file", Language: "markdown", Content: filename, ParentIdx: -1,
			SpanStart: 1, SpanEnd: int(root.EndPoint().Row) + 1, Metadata: map[string]any{},
		}},
	}

	position := 0
	var walk func(n *sitter.Node, parentIdx int)
	walk = func(n *sitter.Node, parentIdx int) {
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			kind := mapKind(child.Type())
			if kind == "" {
				walk(child, parentIdx)
				continue
			}
			start := int(child.StartPoint().Row) + 1
			end := int(child.EndPoint().Row) + 1
			content := child.Content(source)
			if len(content) > 500 {
				content = content[:500]
			}
			idx := len(res.Nodes)
			res.Nodes = append(res.Nodes, parser.NodeRow{
				Kind: kind, Language: "markdown", Content: content, ParentIdx: parentIdx,
				Position: position, SpanStart: start, SpanEnd: end, Metadata: headingMeta(child, source),
			})
			position++
			walk(child, idx)
		}
	}
	walk(root, 0)

	return res, nil
}

func mapKind(nodeType string) string {
	switch nodeType {
	case "atx_heading", "setext_heading":
		return "heading"
	case "fenced_code_block", "indented_code_block":
		return "code_block"
	case "link":
		return "link"
	case "list":
		return "list"
	default:
		return ""
	}
}

func headingMeta(n *sitter.Node, source []byte) map[string]any {
	meta := map[string]any{}
	if n.Type() == "atx_heading" {
		marker := n.Child(0)
		if marker != nil {
			meta["level"] = len(strings.TrimRight(marker.Content(source), " "))
		}
	}
	return meta
}

func normalizeLineEndings(source []byte) []byte {
	s := strings.ReplaceAll(string(source), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return []byte(s)
}
