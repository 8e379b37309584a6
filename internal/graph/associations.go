package graph

import (
	"context"

	"github.com/google/uuid"

	"kerai/internal/kerrors"
)

// RecordAssociation upserts an agent's weighted, directed claim about a
// relationship between two nodes (SPEC_FULL §3.1). Unlike an Edge, this
// is agent-scoped and carries a weight + reasoning, and re-recording
// updates weight/reasoning in place rather than erroring.
func (g *Graph) RecordAssociation(ctx context.Context, agentID, sourceID, targetID uuid.UUID, relation string, weight float64, reasoning string) (Association, error) {
	var a Association
	err := g.Store.Pool.QueryRow(ctx, `
		INSERT INTO associations (agent_id, source_id, target_id, relation, weight, reasoning)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (agent_id, source_id, target_id, relation)
		DO UPDATE SET weight = EXCLUDED.weight, reasoning = EXCLUDED.reasoning, updated_at = now()
		RETURNING id, agent_id, source_id, target_id, weight, relation, coalesce(reasoning, '')
	`, agentID, sourceID, targetID, relation, weight, reasoning).Scan(
		&a.ID, &a.AgentID, &a.SourceID, &a.TargetID, &a.Weight, &a.Relation, &a.Reasoning)
	if err != nil {
		return Association{}, kerrors.Wrap(kerrors.Internal, err, "graph: RecordAssociation")
	}
	return a, nil
}

// UniqueAssociations returns associations held by exactly one agent —
// i.e. no other agent recorded the same (source, target, relation)
// triple — mirroring the teacher's unique_associations view.
func (g *Graph) UniqueAssociations(ctx context.Context, limit int) ([]Association, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := g.Store.Pool.Query(ctx, `
		SELECT a.id, a.agent_id, a.source_id, a.target_id, a.weight, a.relation, coalesce(a.reasoning, '')
		FROM associations a
		WHERE NOT EXISTS (
			SELECT 1 FROM associations a2
			WHERE a2.source_id = a.source_id AND a2.target_id = a.target_id
			  AND a2.relation = a.relation AND a2.agent_id != a.agent_id
		)
		ORDER BY a.created_at
		LIMIT `+itoa(limit))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "graph: UniqueAssociations")
	}
	defer rows.Close()

	var out []Association
	for rows.Next() {
		var a Association
		if err := rows.Scan(&a.ID, &a.AgentID, &a.SourceID, &a.TargetID, &a.Weight, &a.Relation, &a.Reasoning); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "graph: scan association")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ConsensusPerspective aggregates perspective weights for a node under an
// optional context, matching the teacher's consensus_perspectives view
// but computed directly so it is portable across store backends.
func (g *Graph) ConsensusPerspective(ctx context.Context, nodeID uuid.UUID, contextID *uuid.UUID) (ConsensusStats, error) {
	stats := ConsensusStats{NodeID: nodeID, ContextID: contextID}
	row := g.Store.Pool.QueryRow(ctx, `
		SELECT count(DISTINCT agent_id), coalesce(avg(weight), 0), coalesce(min(weight), 0),
		       coalesce(max(weight), 0), coalesce(stddev(weight), 0)
		FROM perspectives
		WHERE node_id = $1 AND context_id IS NOT DISTINCT FROM $2
	`, nodeID, contextID)
	if err := row.Scan(&stats.AgentCount, &stats.AvgWeight, &stats.MinWeight, &stats.MaxWeight, &stats.StddevWeight); err != nil {
		return stats, kerrors.Wrap(kerrors.Internal, err, "graph: ConsensusPerspective")
	}
	return stats, nil
}

// RecordPerspective upserts an agent's weighted view of a node.
func (g *Graph) RecordPerspective(ctx context.Context, agentID, nodeID uuid.UUID, contextID *uuid.UUID, weight float64, reasoning string) error {
	_, err := g.Store.Pool.Exec(ctx, `
		INSERT INTO perspectives (agent_id, node_id, context_id, weight, reasoning)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (agent_id, node_id, context_id)
		DO UPDATE SET weight = EXCLUDED.weight, reasoning = EXCLUDED.reasoning, updated_at = now()
	`, agentID, nodeID, contextID, weight, reasoning)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "graph: RecordPerspective")
	}
	return nil
}
