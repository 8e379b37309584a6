package graph

import (
	"context"

	"kerai/internal/kerrors"
)

// referenceKinds are node kinds that represent a symbol's usage site
// rather than its definition.
var referenceKinds = map[string]bool{
	"identifier": true,
	"call":       true,
	"usage":      true,
	"path":       true,
}

// Refs returns three disjoint lists for a symbol: definitions (defining
// kinds whose content equals symbol), references (usage kinds whose
// content equals symbol), and impl blocks whose self_ty metadata matches
// symbol — sorted deterministically by (path, created_at).
func (g *Graph) Refs(ctx context.Context, symbol string) (RefsResult, error) {
	var result RefsResult

	rows, err := g.Store.Pool.Query(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE content = $1 ORDER BY path, created_at`, symbol)
	if err != nil {
		return result, kerrors.Wrap(kerrors.Internal, err, "graph: Refs content scan")
	}
	all, err := collectNodes(rows)
	rows.Close()
	if err != nil {
		return result, err
	}

	for _, n := range all {
		switch {
		case IsDefiningKind(n.Kind):
			result.Definitions = append(result.Definitions, n)
		case referenceKinds[n.Kind]:
			result.References = append(result.References, n)
		}
	}

	implRows, err := g.Store.Pool.Query(ctx, `
		SELECT `+nodeColumns+` FROM nodes
		WHERE kind = 'impl' AND metadata->>'self_ty' = $1
		ORDER BY path, created_at
	`, symbol)
	if err != nil {
		return result, kerrors.Wrap(kerrors.Internal, err, "graph: Refs impl scan")
	}
	impls, err := collectNodes(implRows)
	implRows.Close()
	if err != nil {
		return result, err
	}
	result.Impls = impls

	return result, nil
}
