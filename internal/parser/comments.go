package parser

import (
	"bufio"
	"bytes"
	"strings"
)

// RawComment is a single- or multi-line comment block found in source
// text, with its raw text and line span, before matching to an AST node.
type RawComment struct {
	Text      string
	StartLine int // 1-based
	EndLine   int
}

// CommentStyle describes the line-comment and block-comment delimiters
// of a language; Rust, Go, and C all share the C-family shape.
type CommentStyle struct {
	Line       string // e.g. "//"
	BlockOpen  string // e.g. "/*"
	BlockClose string // e.g. "*/"
}

// CFamilyStyle is the comment-delimiter set shared by Rust, Go, and C.
var CFamilyStyle = CommentStyle{Line: "//", BlockOpen: "/*", BlockClose: "*/"}

// ExtractComments scans source line by line, honoring exclusion zones
// (string/char literal spans) from the syntax tree so "//" or "/* */"
// inside a string is never mistaken for a comment. Consecutive
// single-line comments on adjacent lines are grouped into one block;
// a block comment is always one block.
func ExtractComments(source []byte, style CommentStyle, zones []ExclusionZone) []RawComment {
	lines := splitLines(source)
	excluded := make([]bool, len(lines)+1) // 1-based
	for _, z := range zones {
		for l := z.StartLine; l <= z.EndLine && l < len(excluded); l++ {
			excluded[l] = true
		}
	}

	var out []RawComment
	var pendingLines []string
	pendingStart := 0

	flush := func() {
		if len(pendingLines) == 0 {
			return
		}
		out = append(out, RawComment{
			Text:      strings.Join(pendingLines, "\n"),
			StartLine: pendingStart,
			EndLine:   pendingStart + len(pendingLines) - 1,
		})
		pendingLines = nil
	}

	inBlock := false
	blockStart := 0
	var blockLines []string

	for i, raw := range lines {
		lineNo := i + 1
		if excluded[lineNo] {
			flush()
			continue
		}
		trimmed := strings.TrimSpace(raw)

		if inBlock {
			blockLines = append(blockLines, raw)
			if idx := strings.Index(raw, style.BlockClose); idx >= 0 {
				out = append(out, RawComment{
					Text:      strings.Join(blockLines, "\n"),
					StartLine: blockStart,
					EndLine:   lineNo,
				})
				blockLines = nil
				inBlock = false
			}
			continue
		}

		switch {
		case strings.HasPrefix(trimmed, style.Line):
			if len(pendingLines) == 0 {
				pendingStart = lineNo
			} else if lineNo != pendingStart+len(pendingLines) {
				flush()
				pendingStart = lineNo
			}
			pendingLines = append(pendingLines, raw)
		case strings.HasPrefix(trimmed, style.BlockOpen):
			flush()
			if idx := strings.Index(raw, style.BlockClose); idx >= 0 && idx > strings.Index(raw, style.BlockOpen) {
				out = append(out, RawComment{Text: raw, StartLine: lineNo, EndLine: lineNo})
			} else {
				inBlock = true
				blockStart = lineNo
				blockLines = []string{raw}
			}
		case strings.Contains(raw, style.Line):
			// trailing comment sharing a line with code, e.g. `fn c() {} // trail`
			flush()
			idx := strings.Index(raw, style.Line)
			out = append(out, RawComment{
				Text:      strings.TrimSpace(raw[idx:]),
				StartLine: lineNo,
				EndLine:   lineNo,
			})
		default:
			flush()
		}
	}
	flush()
	return out
}

func splitLines(source []byte) []string {
	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(normalizeLineEndings(source)))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		out = append(out, scanner.Text())
	}
	return out
}

// normalizeLineEndings folds CRLF/CR to LF, per pipeline step 1.
func normalizeLineEndings(source []byte) []byte {
	source = bytes.ReplaceAll(source, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(source, []byte("\r"), []byte("\n"))
}

// AstLine is the minimal shape the matching rule needs from a walked
// AST node: its starting source line.
type AstLine struct {
	NodeIdx   int
	StartLine int
}

const (
	PlacementTrailing = "trailing"
	PlacementAbove    = "above"
	PlacementBetween  = "between"
	PlacementEOF      = "eof"
)

// MatchComment implements the deterministic comment-to-AST rule
// (§4.5): trailing if a node starts on the comment's own line,
// otherwise the comment attaches to the next node in source order —
// "between" if an earlier node already precedes it, "above" if it's
// the first block in the file. An orphaned comment after the last
// node matches nothing (eof). astLines must be sorted by StartLine.
func MatchComment(c RawComment, astLines []AstLine) (nodeIdx int, placement string, matched bool) {
	if c.StartLine == c.EndLine {
		for _, a := range astLines {
			if a.StartLine == c.StartLine {
				return a.NodeIdx, PlacementTrailing, true
			}
		}
	}

	var next *AstLine
	for i := range astLines {
		if astLines[i].StartLine > c.EndLine {
			next = &astLines[i]
			break
		}
	}
	if next == nil {
		return 0, PlacementEOF, false
	}
	for _, a := range astLines {
		if a.StartLine < c.StartLine {
			return next.NodeIdx, PlacementBetween, true
		}
	}
	return next.NodeIdx, PlacementAbove, true
}
