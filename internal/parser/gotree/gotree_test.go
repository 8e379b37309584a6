package gotree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `package demo

// Add returns the sum of a and b.
func Add(a, b int) int {
	return a + b
}

func unexported() {}
`

func TestParseFileProducesFileNodeAndDeclarations(t *testing.T) {
	w := New()
	require.Equal(t, "go", w.Language())

	res, err := w.ParseFile([]byte(sample), "demo.go")
	require.NoError(t, err)
	require.NotEmpty(t, res.Nodes)
	require.Equal(t, "file", res.Nodes[0].Kind)
	require.Equal(t, -1, res.Nodes[0].ParentIdx)

	var sawAdd, sawUnexported bool
	for _, n := range res.Nodes {
		if n.Kind != "function" {
			continue
		}
		switch n.Content {
		case "Add":
			sawAdd = true
		case "unexported":
			sawUnexported = true
		}
	}
	require.True(t, sawAdd, "expected Add function node")
	require.True(t, sawUnexported, "expected unexported function node")
}

func TestParseFileMatchesLeadingCommentToFunction(t *testing.T) {
	w := New()
	res, err := w.ParseFile([]byte(sample), "demo.go")
	require.NoError(t, err)

	var documented bool
	for _, e := range res.Edges {
		if e.Relation == "documents" {
			documented = true
		}
	}
	require.True(t, documented, "doc comment above Add should produce a documents edge")
}

func TestGoSuggestionsFlagsExportedWithoutDoc(t *testing.T) {
	w := New()
	res, err := w.ParseFile([]byte("package demo\n\nfunc Exported() {}\n"), "x.go")
	require.NoError(t, err)

	var found bool
	for _, f := range res.Findings {
		if f.RuleID == "exported_without_doc" {
			found = true
		}
	}
	require.True(t, found)
}
