package graph_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"kerai/internal/crdt"
	"kerai/internal/graph"
	"kerai/internal/identity"
	"kerai/internal/testutil"
)

func newGraph(t *testing.T) (*graph.Graph, *crdt.CRDT) {
	store := testutil.RequireStore(t)
	ctx := context.Background()

	var instanceID uuid.UUID
	var fingerprint string
	err := store.Pool.QueryRow(ctx, `SELECT id, key_fingerprint FROM instances WHERE is_self = true`).Scan(&instanceID, &fingerprint)
	require.NoError(t, err)
	priv, _, err := identity.GenerateKeypair()
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	c := crdt.New(store, instanceID, fingerprint, priv, log)
	return graph.New(store), c
}

func insertNode(t *testing.T, c *crdt.CRDT, kind, language, content string, parent *uuid.UUID) uuid.UUID {
	t.Helper()
	payload := map[string]any{"kind": kind, "language": language, "content": content}
	if parent != nil {
		payload["parent_id"] = parent.String()
	}
	res, err := c.ApplyOp(context.Background(), crdt.OpInsertNode, nil, payload)
	require.NoError(t, err)
	return res.NodeID
}

func TestByIDAndChildren(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()

	root := insertNode(t, c, "file", "go", "main.go", nil)
	child1 := insertNode(t, c, "function", "go", "main", &root)
	_ = insertNode(t, c, "function", "go", "helper", &root)

	node, err := g.ByID(ctx, root)
	require.NoError(t, err)
	require.Equal(t, "file", node.Kind)

	children, err := g.Children(ctx, root)
	require.NoError(t, err)
	require.Len(t, children, 2)
	require.Equal(t, child1, children[0].ID)
}

func TestAncestorsWalksToRoot(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()

	root := insertNode(t, c, "file", "go", "main.go", nil)
	mid := insertNode(t, c, "function", "go", "Outer", &root)
	leaf := insertNode(t, c, "function", "go", "inner", &mid)

	ancestors, err := g.Ancestors(ctx, leaf)
	require.NoError(t, err)
	require.Len(t, ancestors, 2)
	require.Equal(t, mid, ancestors[0].ID)
	require.Equal(t, root, ancestors[1].ID)
}

func TestFindMatchesContent(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()
	insertNode(t, c, "function", "go", "CalculateTotal", nil)

	found, err := g.Find(ctx, "Calculate", "function", 10)
	require.NoError(t, err)
	require.NotEmpty(t, found)
}

func TestByKindContentExactMatch(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()
	insertNode(t, c, "struct", "rust", "Point", nil)

	found, err := g.ByKindContent(ctx, "struct", "Point")
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestRefsSeparatesDefinitionsReferencesAndImpls(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()

	insertNode(t, c, "function", "rust", "add", nil)
	insertNode(t, c, "call", "rust", "add", nil)

	payload := map[string]any{"kind": "impl", "language": "rust", "content": "impl Add", "metadata": map[string]any{"self_ty": "add"}}
	_, err := c.ApplyOp(ctx, crdt.OpInsertNode, nil, payload)
	require.NoError(t, err)

	refs, err := g.Refs(ctx, "add")
	require.NoError(t, err)
	require.Len(t, refs.Definitions, 1)
	require.Len(t, refs.References, 1)
	require.Len(t, refs.Impls, 1)
}

func TestSearchRanksByRelevance(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()
	insertNode(t, c, "function", "go", "parse the configuration file robustly", nil)

	results, err := g.Search(ctx, "configuration", "", 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestTreeTopLevelAndSubtree(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()
	root := insertNode(t, c, "file", "go", "main.go", nil)
	insertNode(t, c, "function", "go", "main", &root)

	top, err := g.Tree(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, top)
}

// TestRecordAssociationAndUniqueAssociations exercises the
// agent-scoped weighted claim path distinct from plain edges.
func TestRecordAssociationAndUniqueAssociations(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()
	store := c.Store

	a := insertNode(t, c, "function", "go", "a", nil)
	b := insertNode(t, c, "function", "go", "b", nil)

	var agentID uuid.UUID
	err := store.Pool.QueryRow(ctx, `INSERT INTO agents (name, kind) VALUES ($1, 'analyst') RETURNING id`, "agent-"+uuid.NewString()).Scan(&agentID)
	require.NoError(t, err)

	assoc, err := g.RecordAssociation(ctx, agentID, a, b, "similar_to", 0.8, "shares a signature")
	require.NoError(t, err)
	require.Equal(t, 0.8, assoc.Weight)

	// re-recording updates in place rather than duplicating.
	_, err = g.RecordAssociation(ctx, agentID, a, b, "similar_to", 0.9, "stronger match")
	require.NoError(t, err)

	uniq, err := g.UniqueAssociations(ctx, 10)
	require.NoError(t, err)
	require.Len(t, uniq, 1)
	require.Equal(t, 0.9, uniq[0].Weight)
}

func TestConsensusPerspectiveAggregates(t *testing.T) {
	g, c := newGraph(t)
	ctx := context.Background()
	store := c.Store

	node := insertNode(t, c, "function", "go", "reviewed", nil)
	var agent1, agent2 uuid.UUID
	require.NoError(t, store.Pool.QueryRow(ctx, `INSERT INTO agents (name, kind) VALUES ($1, 'reviewer') RETURNING id`, "r1-"+uuid.NewString()).Scan(&agent1))
	require.NoError(t, store.Pool.QueryRow(ctx, `INSERT INTO agents (name, kind) VALUES ($1, 'reviewer') RETURNING id`, "r2-"+uuid.NewString()).Scan(&agent2))

	require.NoError(t, g.RecordPerspective(ctx, agent1, node, nil, 0.6, "ok"))
	require.NoError(t, g.RecordPerspective(ctx, agent2, node, nil, 0.8, "good"))

	stats, err := g.ConsensusPerspective(ctx, node, nil)
	require.NoError(t, err)
	require.Equal(t, 2, stats.AgentCount)
	require.InDelta(t, 0.7, stats.AvgWeight, 0.001)
}
