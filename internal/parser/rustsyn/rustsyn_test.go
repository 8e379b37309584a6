package rustsyn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const sample = `mod helpers;

/// Adds two numbers.
fn add(a: i32, b: i32) -> i32 {
    a + b
}

struct point {
    x: i32,
    y: i32,
}

const max_size: usize = 10;
`

func TestParseFileExtractsTopLevelItems(t *testing.T) {
	w := New()
	require.Equal(t, "rust", w.Language())

	res, err := w.ParseFile([]byte(sample), "demo.rs")
	require.NoError(t, err)
	require.Equal(t, "file", res.Nodes[0].Kind)

	kinds := map[string]int{}
	for _, n := range res.Nodes {
		kinds[n.Kind]++
	}
	require.Equal(t, 1, kinds["function"])
	require.Equal(t, 1, kinds["struct"])
	require.Equal(t, 1, kinds["const"])
	require.Equal(t, 1, kinds["module"]) // `mod helpers;` maps via mapKind's mod branch
}

func TestDocCommentMatchesFunction(t *testing.T) {
	w := New()
	res, err := w.ParseFile([]byte(sample), "demo.rs")
	require.NoError(t, err)

	var documented bool
	for _, e := range res.Edges {
		if e.Relation == "documents" {
			documented = true
		}
	}
	require.True(t, documented)
}

func TestRustSuggestionsFlagsCasingViolations(t *testing.T) {
	w := New()
	res, err := w.ParseFile([]byte(sample), "demo.rs")
	require.NoError(t, err)

	rules := map[string]bool{}
	for _, f := range res.Findings {
		rules[f.RuleID] = true
	}
	require.True(t, rules["non_camel_type"], "struct `point` is lowercase, should be flagged")
	require.True(t, rules["non_upper_const"], "const `max_size` is not UPPER_SNAKE_CASE")
}

func TestImplRecordsSelfTypeAndTrait(t *testing.T) {
	w := New()
	res, err := w.ParseFile([]byte("impl fmt::Display for Point {\n}\n"), "demo.rs")
	require.NoError(t, err)

	var found bool
	for _, n := range res.Nodes {
		if n.Kind == "impl" {
			require.Equal(t, "Point", n.Metadata["self_ty"])
			require.Equal(t, "fmt::Display", n.Metadata["trait"])
			found = true
		}
	}
	require.True(t, found)
}
