// Package gotree walks Go source with the tree-sitter Go grammar,
// producing the shared NodeRow/EdgeRow shape (C5). Top-level
// declarations become graph nodes; everything below them is folded
// into that declaration's content rather than walked construct by
// construct, matching the granularity the teacher's own parsers favor
// for readability over exhaustive AST fidelity.
package gotree

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"

	"kerai/internal/kerrors"
	"kerai/internal/parser"
)

type Walker struct{}

func New() *Walker { return &Walker{} }

func (w *Walker) Language() string { return "go" }

func (w *Walker) ParseFile(source []byte, filename string) (parser.Result, error) {
	source = normalizeLineEndings(source)

	p := sitter.NewParser()
	p.SetLanguage(golang.GetLanguage())
	tree, err := p.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return parser.Result{}, kerrors.Wrap(kerrors.UpstreamParse, err, "gotree: parse %s", filename)
	}
	root := tree.RootNode()

	res := parser.Result{
		Nodes: []parser.NodeRow{{
			Kind: "file", Language: "go", Content: filename, ParentIdx: -1,
			SpanStart: 1, SpanEnd: int(root.EndPoint().Row) + 1,
			Metadata: map[string]any{},
		}},
	}

	var zones []parser.ExclusionZone
	var astLines []parser.AstLine
	position := 0

	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		kind := mapKind(child.Type())
		if kind == "" {
			continue
		}
		start := int(child.StartPoint().Row) + 1
		end := int(child.EndPoint().Row) + 1
		content := child.Content(source)
		name := declName(child, source)

		meta := map[string]any{}
		if name != "" {
			meta["name"] = name
		}

		idx := len(res.Nodes)
		res.Nodes = append(res.Nodes, parser.NodeRow{
			Kind: kind, Language: "go", Content: contentOrName(kind, name, content),
			ParentIdx: 0, Position: position, SpanStart: start, SpanEnd: end, Metadata: meta,
		})
		astLines = append(astLines, parser.AstLine{NodeIdx: idx, StartLine: start})
		position++

		collectStringZones(child, source, &zones)
	}

	comments := parser.ExtractComments(source, parser.CFamilyStyle, zones)
	for _, c := range comments {
		commentIdx := len(res.Nodes)
		res.Nodes = append(res.Nodes, parser.NodeRow{
			Kind: "comment", Language: "go", Content: c.Text, ParentIdx: 0,
			Position: commentIdx, SpanStart: c.StartLine, SpanEnd: c.EndLine, Metadata: map[string]any{},
		})
		targetIdx, placement, matched := parser.MatchComment(c, astLines)
		if matched {
			res.Edges = append(res.Edges, parser.EdgeRow{
				SourceIdx: commentIdx, TargetIdx: targetIdx, Relation: "documents",
				Metadata: map[string]any{"placement": placement},
			})
		}
	}

	res.Findings = append(res.Findings, goSuggestions(res.Nodes)...)
	return res, nil
}

func mapKind(nodeType string) string {
	switch nodeType {
	case "function_declaration":
		return "function"
	case "method_declaration":
		return "method"
	case "type_declaration":
		return "type_alias"
	case "const_declaration":
		return "const"
	case "var_declaration":
		return "static"
	case "import_declaration":
		return "module"
	default:
		return ""
	}
}

func declName(n *sitter.Node, source []byte) string {
	nameNode := n.ChildByFieldName("name")
	if nameNode != nil {
		return nameNode.Content(source)
	}
	return ""
}

func contentOrName(kind, name, fallback string) string {
	if name != "" {
		return name
	}
	if len(fallback) > 200 {
		return fallback[:200]
	}
	return fallback
}

func collectStringZones(n *sitter.Node, source []byte, zones *[]parser.ExclusionZone) {
	if n.Type() == "interpreted_string_literal" || n.Type() == "raw_string_literal" || n.Type() == "rune_literal" {
		*zones = append(*zones, parser.ExclusionZone{
			StartLine: int(n.StartPoint().Row) + 1,
			EndLine:   int(n.EndPoint().Row) + 1,
		})
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectStringZones(n.Child(i), source, zones)
	}
}

func normalizeLineEndings(source []byte) []byte {
	s := strings.ReplaceAll(string(source), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return []byte(s)
}

// goSuggestions implements the exported-without-doc rule for functions
// and methods. Stuttered names and naked returns are not checked.
func goSuggestions(nodes []parser.NodeRow) []parser.Finding {
	var findings []parser.Finding
	for i, n := range nodes {
		if n.Kind != "function" && n.Kind != "method" {
			continue
		}
		name, _ := n.Metadata["name"].(string)
		if name == "" {
			continue
		}
		if isExported(name) && !hasLeadingDocComment(nodes, i) {
			findings = append(findings, parser.Finding{
				RuleID: "exported_without_doc", Message: "exported function " + name + " has no doc comment",
				Severity: "info", Category: "style", Line: n.SpanStart, TargetNodeIdx: i,
			})
		}
	}
	return findings
}

func isExported(name string) bool {
	return len(name) > 0 && name[0] >= 'A' && name[0] <= 'Z'
}

func hasLeadingDocComment(nodes []parser.NodeRow, targetIdx int) bool {
	for i, n := range nodes {
		if n.Kind != "comment" {
			continue
		}
		if n.SpanEnd == nodes[targetIdx].SpanStart-1 {
			_ = i
			return true
		}
	}
	return false
}
