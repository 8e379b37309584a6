// Package ctree walks C source with the tree-sitter C grammar (C5).
package ctree

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"

	"kerai/internal/kerrors"
	"kerai/internal/parser"
)

type Walker struct{}

func New() *Walker { return &Walker{} }

func (w *Walker) Language() string { return "c" }

func (w *Walker) ParseFile(source []byte, filename string) (parser.Result, error) {
	source = normalizeLineEndings(source)

	p := sitter.NewParser()
	p.SetLanguage(c.GetLanguage())
	tree, err := p.ParseCtx(context.Background(), nil, source)
	if err != nil {
		return parser.Result{}, kerrors.Wrap(kerrors.UpstreamParse, err, "ctree: parse %s", filename)
	}
	root := tree.RootNode()

	res := parser.Result{
		Nodes: []parser.NodeRow{{
			Kind: "file", Language: "c", Content: filename, ParentIdx: -1,
			SpanStart: 1, SpanEnd: int(root.EndPoint().Row) + 1, Metadata: map[string]any{},
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
		name := declName(child, source)

		idx := len(res.Nodes)
		res.Nodes = append(res.Nodes, parser.NodeRow{
			Kind: kind, Language: "c", Content: orFallback(name, child.Content(source)), ParentIdx: 0,
			Position: position, SpanStart: start, SpanEnd: end,
			Metadata: map[string]any{"name": name},
		})
		astLines = append(astLines, parser.AstLine{NodeIdx: idx, StartLine: start})
		position++

		collectStringZones(child, &zones)
	}

	comments := parser.ExtractComments(source, parser.CFamilyStyle, zones)
	for _, cm := range comments {
		commentIdx := len(res.Nodes)
		res.Nodes = append(res.Nodes, parser.NodeRow{
			Kind: "comment", Language: "c", Content: cm.Text, ParentIdx: 0,
			Position: commentIdx, SpanStart: cm.StartLine, SpanEnd: cm.EndLine, Metadata: map[string]any{},
		})
		targetIdx, placement, matched := parser.MatchComment(cm, astLines)
		if matched {
			res.Edges = append(res.Edges, parser.EdgeRow{
				SourceIdx: commentIdx, TargetIdx: targetIdx, Relation: "documents",
				Metadata: map[string]any{"placement": placement},
			})
		}
	}

	res.Findings = append(res.Findings, cSuggestions(source, res.Nodes)...)
	return res, nil
}

func mapKind(nodeType string) string {
	switch nodeType {
	case "function_definition":
		return "function"
	case "declaration":
		return "static"
	case "struct_specifier":
		return "struct"
	case "preproc_include":
		return "module"
	case "preproc_def", "preproc_function_def":
		return "const"
	default:
		return ""
	}
}

func declName(n *sitter.Node, source []byte) string {
	nameNode := n.ChildByFieldName("declarator")
	if nameNode == nil {
		nameNode = n.ChildByFieldName("name")
	}
	if nameNode != nil {
		return nameNode.Content(source)
	}
	return ""
}

func orFallback(name, fallback string) string {
	if name != "" {
		return name
	}
	if len(fallback) > 200 {
		return fallback[:200]
	}
	return fallback
}

func collectStringZones(n *sitter.Node, zones *[]parser.ExclusionZone) {
	if n.Type() == "string_literal" || n.Type() == "char_literal" {
		*zones = append(*zones, parser.ExclusionZone{
			StartLine: int(n.StartPoint().Row) + 1,
			EndLine:   int(n.EndPoint().Row) + 1,
		})
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		collectStringZones(n.Child(i), zones)
	}
}

func normalizeLineEndings(source []byte) []byte {
	s := strings.ReplaceAll(string(source), "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return []byte(s)
}

// cSuggestions implements the include-style and macro-hygiene rules
// named in §4.5.
func cSuggestions(source []byte, nodes []parser.NodeRow) []parser.Finding {
	var findings []parser.Finding
	lines := strings.Split(string(source), "\n")
	for i, n := range nodes {
		if n.Kind == "module" && strings.Contains(n.Content, "\"") {
			findings = append(findings, parser.Finding{
				RuleID: "quoted_system_include", Message: "quoted include for what may be a system header: " + n.Content,
				Severity: "info", Category: "style", Line: n.SpanStart, TargetNodeIdx: i,
			})
		}
		if n.Kind != "const" || n.SpanStart < 1 || n.SpanEnd > len(lines) {
			continue
		}
		// n.Content holds only the macro name; the body is read from source.
		body := strings.Join(lines[n.SpanStart-1:n.SpanEnd], "\n")
		if strings.Contains(body, n.Content+"(") && !strings.Contains(body, "do {") {
			findings = append(findings, parser.Finding{
				RuleID: "macro_hygiene", Message: "function-like macro body is not wrapped in do { ... } while (0)",
				Severity: "warning", Category: "safety", Line: n.SpanStart, TargetNodeIdx: i,
			})
		}
	}
	return findings
}
