package graph

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

// Graph is the read-facing handle onto the knowledge graph (C3). Writes
// go exclusively through internal/crdt.
type Graph struct {
	Store *kstore.Store
}

func New(store *kstore.Store) *Graph { return &Graph{Store: store} }

func scanNode(row pgx.Row) (Node, error) {
	var n Node
	var metaBytes []byte
	var path *string
	if err := row.Scan(&n.ID, &n.InstanceID, &n.Kind, &n.Language, &n.Content,
		&n.ParentID, &n.Position, &path, &n.SpanStart, &n.SpanEnd, &metaBytes, &n.CreatedAt); err != nil {
		return Node{}, err
	}
	if path != nil {
		n.Path = *path
	}
	n.Metadata = map[string]any{}
	if len(metaBytes) > 0 {
		_ = json.Unmarshal(metaBytes, &n.Metadata)
	}
	return n, nil
}

const nodeColumns = `id, instance_id, kind, language, content, parent_id, position, path::text, span_start, span_end, metadata, created_at`

// ByID looks up a node by id.
func (g *Graph) ByID(ctx context.Context, id uuid.UUID) (Node, error) {
	row := g.Store.Pool.QueryRow(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id)
	n, err := scanNode(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Node{}, kerrors.New(kerrors.NotFound, "node %s not found", id)
		}
		return Node{}, kerrors.Wrap(kerrors.Internal, err, "graph: ByID")
	}
	return n, nil
}

// ByKindContent looks up nodes matching an exact (kind, content) pair.
func (g *Graph) ByKindContent(ctx context.Context, kind, content string) ([]Node, error) {
	rows, err := g.Store.Pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE kind = $1 AND content = $2 ORDER BY created_at`, kind, content)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "graph: ByKindContent")
	}
	defer rows.Close()
	return collectNodes(rows)
}

func collectNodes(rows pgx.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "graph: scan node")
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Children returns a node's direct children ordered by sibling position.
func (g *Graph) Children(ctx context.Context, id uuid.UUID) ([]Node, error) {
	rows, err := g.Store.Pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "graph: Children")
	}
	defer rows.Close()
	return collectNodes(rows)
}

// Ancestors walks parent_id upward from id to the root, nearest first.
// parent_id can never cycle (it is a strict ownership tree), so this
// terminates without a visited set.
func (g *Graph) Ancestors(ctx context.Context, id uuid.UUID) ([]Node, error) {
	var out []Node
	cur, err := g.ByID(ctx, id)
	if err != nil {
		return nil, err
	}
	for cur.ParentID != nil {
		parent, err := g.ByID(ctx, *cur.ParentID)
		if err != nil {
			return nil, err
		}
		out = append(out, parent)
		cur = parent
	}
	return out, nil
}

// isWildcardPattern reports whether a path pattern contains glob
// wildcard characters, which routes Tree to label-pattern matching
// instead of ltree subtree containment.
func isWildcardPattern(pattern string) bool {
	return strings.ContainsAny(pattern, "*?%")
}

// Tree returns nodes under a hierarchical path pattern, or top-level
// nodes (parent_id IS NULL) when pattern is empty.
func (g *Graph) Tree(ctx context.Context, pattern string) ([]Node, error) {
	if pattern == "" {
		rows, err := g.Store.Pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE parent_id IS NULL ORDER BY position`)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "graph: Tree top-level")
		}
		defer rows.Close()
		return collectNodes(rows)
	}

	if isWildcardPattern(pattern) {
		lquery := strings.NewReplacer("*", "*", "?", "*").Replace(pattern)
		rows, err := g.Store.Pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE path ~ $1::lquery ORDER BY path`, lquery)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "graph: Tree pattern")
		}
		defer rows.Close()
		return collectNodes(rows)
	}

	rows, err := g.Store.Pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE path <@ $1::ltree ORDER BY path`, pattern)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "graph: Tree subtree")
	}
	defer rows.Close()
	return collectNodes(rows)
}

// Find does substring/glob (ILIKE-style) matching over node content.
func (g *Graph) Find(ctx context.Context, pattern string, kind string, limit int) ([]Node, error) {
	like := strings.ReplaceAll(pattern, "*", "%")
	if !strings.Contains(like, "%") {
		like = "%" + like + "%"
	}
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE content ILIKE $1`
	args := []any{like}
	if kind != "" {
		query += ` AND kind = $2`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at LIMIT ` + limitClause(limit, len(args), &args)
	rows, err := g.Store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "graph: Find")
	}
	defer rows.Close()
	return collectNodes(rows)
}

func limitClause(limit, argCount int, args *[]any) string {
	if limit <= 0 {
		limit = 50
	}
	*args = append(*args, limit)
	return placeholder(argCount + 1)
}

func placeholder(n int) string {
	return "$" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// SearchResult pairs a node with its FTS relevance rank.
type SearchResult struct {
	Node Node
	Rank float64
}

// Search runs full-text search with relevance ranking.
func (g *Graph) Search(ctx context.Context, query, kind string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	sql := `SELECT ` + nodeColumns + `, ts_rank(to_tsvector('english', coalesce(content, '')), plainto_tsquery('english', $1)) AS rank
		FROM nodes
		WHERE to_tsvector('english', coalesce(content, '')) @@ plainto_tsquery('english', $1)`
	args := []any{query}
	if kind != "" {
		sql += ` AND kind = $2`
		args = append(args, kind)
	}
	sql += ` ORDER BY rank DESC LIMIT ` + itoa(limit)

	rows, err := g.Store.Pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "graph: Search")
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var n Node
		var metaBytes []byte
		var path *string
		var rank float64
		if err := rows.Scan(&n.ID, &n.InstanceID, &n.Kind, &n.Language, &n.Content,
			&n.ParentID, &n.Position, &path, &n.SpanStart, &n.SpanEnd, &metaBytes, &n.CreatedAt, &rank); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "graph: scan search result")
		}
		if path != nil {
			n.Path = *path
		}
		n.Metadata = map[string]any{}
		if len(metaBytes) > 0 {
			_ = json.Unmarshal(metaBytes, &n.Metadata)
		}
		out = append(out, SearchResult{Node: n, Rank: rank})
	}
	return out, rows.Err()
}

// ContextSearch blends FTS rank with the average perspective weight
// assigned by the given agents, falling back to plain Search when no
// agents are supplied.
func (g *Graph) ContextSearch(ctx context.Context, query string, agentIDs []uuid.UUID, limit int) ([]SearchResult, error) {
	base, err := g.Search(ctx, query, "", 0)
	if err != nil {
		return nil, err
	}
	if len(agentIDs) == 0 {
		if limit > 0 && len(base) > limit {
			base = base[:limit]
		}
		return base, nil
	}

	weights := make(map[uuid.UUID]float64, len(base))
	for _, r := range base {
		var avg *float64
		err := g.Store.Pool.QueryRow(ctx, `
			SELECT avg(weight) FROM perspectives WHERE node_id = $1 AND agent_id = ANY($2)
		`, r.Node.ID, agentIDs).Scan(&avg)
		if err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "graph: ContextSearch perspective avg")
		}
		w := 0.0
		if avg != nil {
			w = *avg
		}
		weights[r.Node.ID] = w
	}

	blended := make([]SearchResult, len(base))
	copy(blended, base)
	for i := range blended {
		blended[i].Rank = blended[i].Rank * (1 + weights[blended[i].Node.ID])
	}
	sortByRankDesc(blended)
	if limit > 0 && len(blended) > limit {
		blended = blended[:limit]
	}
	return blended, nil
}

func sortByRankDesc(rs []SearchResult) {
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].Rank > rs[j-1].Rank; j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
}
