package mdtree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `# Title

Some text with a [link](https://example.com).

` + "```go\nfmt.Println(\"hi\")\n```" + `

- one
- two
`

func TestParseFileProducesHeadingAndCodeBlock(t *testing.T) {
	w := New()
	require.Equal(t, "markdown", w.Language())

	res, err := w.ParseFile([]byte(sample), "readme.md")
	require.NoError(t, err)
	require.Equal(t, "file", res.Nodes[0].Kind)

	kinds := map[string]int{}
	for _, n := range res.Nodes {
		kinds[n.Kind]++
	}
	require.Equal(t, 1, kinds["heading"])
	require.Equal(t, 1, kinds["code_block"])
	require.GreaterOrEqual(t, kinds["link"], 1)
	require.Empty(t, res.Edges, "markdown has no comments, so no documents edges should appear")
}

func TestHeadingRecordsLevel(t *testing.T) {
	w := New()
	res, err := w.ParseFile([]byte("## Sub"), "readme.md")
	require.NoError(t, err)

	var found bool
	for _, n := range res.Nodes {
		if n.Kind == "heading" {
			require.Equal(t, 2, n.Metadata["level"])
			found = true
		}
	}
	require.True(t, found)
}
