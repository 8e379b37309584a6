// Package rustsyn is a hand-written syntactic-level Rust parser (C5).
// No Go-ecosystem equivalent of `syn` exists in the corpus, so this
// walks top-level items with a brace-depth scanner instead of building
// a full AST — the same granularity original_source/src/parser/kinds.rs
// reduces to at the node-kind level (Fn, Struct, Enum, Trait, Impl,
// Const, Static, TypeAlias, Use), without syn's full expression tree.
// Items introduced by fn, struct, enum, trait, impl, const, static, type
// and mod become nodes; `use` declarations do not.
package rustsyn

import (
	"regexp"
	"strings"

	"kerai/internal/parser"
)

type Walker struct{}

func New() *Walker { return &Walker{} }

func (w *Walker) Language() string { return "rust" }

var itemRe = regexp.MustCompile(`^\s*(?:pub(?:\([^)]*\))?\s+)?(?:unsafe\s+)?(?:async\s+)?(fn|struct|enum|trait|impl|const|static|type|mod)\s+([A-Za-z_][A-Za-z0-9_]*)`)

var implRe = regexp.MustCompile(`^\s*(?:pub\s+)?(?:unsafe\s+)?impl(?:<[^>]*>)?\s+(?:([A-Za-z_][A-Za-z0-9_:<>, ]*)\s+for\s+)?([A-Za-z_][A-Za-z0-9_:<>]*)`)

func (w *Walker) ParseFile(source []byte, filename string) (parser.Result, error) {
	text := normalizeLineEndings(string(source))
	lines := strings.Split(text, "\n")

	res := parser.Result{
		Nodes: []parser.NodeRow{{
			Kind: "file", Language: "rust", Content: filename, ParentIdx: -1,
			SpanStart: 1, SpanEnd: len(lines), Metadata: map[string]any{},
		}},
	}

	var zones []parser.ExclusionZone
	collectStringZones(lines, &zones)

	var astLines []parser.AstLine
	position := 0
	depth := 0

	for i := 0; i < len(lines); i++ {
		lineNo := i + 1
		if inAnyZone(lineNo, zones) {
			continue
		}
		line := lines[i]

		if depth == 0 {
			if m := itemRe.FindStringSubmatch(line); m != nil {
				kind := mapKind(m[1])
				name := m[2]
				meta := map[string]any{"name": name}
				if m[1] == "impl" {
					if im := implRe.FindStringSubmatch(line); im != nil {
						meta["self_ty"] = im[2]
						if im[1] != "" {
							meta["trait"] = strings.TrimSpace(im[1])
						}
						name = im[2]
					}
				}

				end := findItemEnd(lines, i)
				content := strings.Join(lines[i:end+1], "\n")
				if len(content) > 2000 {
					content = content[:2000]
				}

				idx := len(res.Nodes)
				res.Nodes = append(res.Nodes, parser.NodeRow{
					Kind: kind, Language: "rust", Content: orName(name, content), ParentIdx: 0,
					Position: position, SpanStart: lineNo, SpanEnd: end + 1, Metadata: meta,
				})
				astLines = append(astLines, parser.AstLine{NodeIdx: idx, StartLine: lineNo})
				position++
			}
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")
		if depth < 0 {
			depth = 0
		}
	}

	comments := parser.ExtractComments(source, parser.CFamilyStyle, zones)
	for _, c := range comments {
		commentIdx := len(res.Nodes)
		res.Nodes = append(res.Nodes, parser.NodeRow{
			Kind: "comment", Language: "rust", Content: c.Text, ParentIdx: 0,
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

	res.Findings = append(res.Findings, rustSuggestions(res.Nodes)...)
	return res, nil
}

func mapKind(keyword string) string {
	switch keyword {
	case "fn":
		return "function"
	case "struct":
		return "struct"
	case "enum":
		return "enum"
	case "trait":
		return "trait"
	case "impl":
		return "impl"
	case "const":
		return "const"
	case "static":
		return "static"
	case "type":
		return "type_alias"
	case "mod":
		return "module"
	default:
		return ""
	}
}

// findItemEnd returns the index of the line on which the item's opening
// brace closes, or the declaration line itself for brace-less items
// (e.g. `type Foo = Bar;`).
func findItemEnd(lines []string, start int) int {
	depth := 0
	seenOpen := false
	for i := start; i < len(lines); i++ {
		depth += strings.Count(lines[i], "{") - strings.Count(lines[i], "}")
		if strings.Contains(lines[i], "{") {
			seenOpen = true
		}
		if seenOpen && depth <= 0 {
			return i
		}
		if !seenOpen && strings.Contains(lines[i], ";") {
			return i
		}
	}
	return len(lines) - 1
}

func orName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

func collectStringZones(lines []string, zones *[]parser.ExclusionZone) {
	inString := false
	var start int
	for i, line := range lines {
		idx := 0
		for idx < len(line) {
			if !inString && idx+1 < len(line) && line[idx] == '"' {
				inString = true
				start = i + 1
			} else if inString && line[idx] == '"' && (idx == 0 || line[idx-1] != '\\') {
				inString = false
				*zones = append(*zones, parser.ExclusionZone{StartLine: start, EndLine: i + 1})
			}
			idx++
		}
	}
}

func inAnyZone(line int, zones []parser.ExclusionZone) bool {
	for _, z := range zones {
		if line >= z.StartLine && line <= z.EndLine {
			return true
		}
	}
	return false
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// rustSuggestions implements the illustrative rules from §4.5:
// prefer_str_slice, prefer_slice, casing checks, missing_derive_debug.
func rustSuggestions(nodes []parser.NodeRow) []parser.Finding {
	var findings []parser.Finding
	for i, n := range nodes {
		name, _ := n.Metadata["name"].(string)
		switch n.Kind {
		case "function":
			if strings.Contains(n.Content, "&String") {
				findings = append(findings, parser.Finding{
					RuleID: "prefer_str_slice", Message: "parameter takes &String where &str would suffice",
					Severity: "info", Category: "idiom", Line: n.SpanStart, TargetNodeIdx: i,
				})
			}
			if regexp.MustCompile(`&\s*Vec<`).MatchString(n.Content) {
				findings = append(findings, parser.Finding{
					RuleID: "prefer_slice", Message: "parameter takes &Vec<T> where &[T] would suffice",
					Severity: "info", Category: "idiom", Line: n.SpanStart, TargetNodeIdx: i,
				})
			}
			if name != "" && !isSnakeCase(name) {
				findings = append(findings, parser.Finding{
					RuleID: "non_snake_fn", Message: "function name " + name + " is not snake_case",
					Severity: "warning", Category: "style", Line: n.SpanStart, TargetNodeIdx: i,
				})
			}
		case "struct", "enum":
			if name != "" && !isUpperCamelCase(name) {
				findings = append(findings, parser.Finding{
					RuleID: "non_camel_type", Message: "type name " + name + " is not UpperCamelCase",
					Severity: "warning", Category: "style", Line: n.SpanStart, TargetNodeIdx: i,
				})
			}
			if !strings.Contains(n.Content, "derive") || !strings.Contains(n.Content, "Debug") {
				findings = append(findings, parser.Finding{
					RuleID: "missing_derive_debug", Message: "type " + name + " does not derive Debug",
					Severity: "info", Category: "idiom", Line: n.SpanStart, TargetNodeIdx: i,
				})
			}
		case "const", "static":
			if name != "" && !isUpperSnakeCase(name) {
				findings = append(findings, parser.Finding{
					RuleID: "non_upper_const", Message: "constant " + name + " is not UPPER_SNAKE_CASE",
					Severity: "warning", Category: "style", Line: n.SpanStart, TargetNodeIdx: i,
				})
			}
		}
	}
	return findings
}

func isSnakeCase(s string) bool {
	return s == strings.ToLower(s)
}

func isUpperSnakeCase(s string) bool {
	return s == strings.ToUpper(s)
}

func isUpperCamelCase(s string) bool {
	return len(s) > 0 && s[0] >= 'A' && s[0] <= 'Z' && !strings.Contains(s, "_")
}
