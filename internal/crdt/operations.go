package crdt

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
)

// OpType enumerates the seven mutation kinds (§3.2/§4.4).
type OpType string

const (
	OpInsertNode    OpType = "insert_node"
	OpUpdateContent OpType = "update_content"
	OpUpdateMeta    OpType = "update_metadata"
	OpMoveNode      OpType = "move_node"
	OpDeleteNode    OpType = "delete_node"
	OpInsertEdge    OpType = "insert_edge"
	OpDeleteEdge    OpType = "delete_edge"
)

var knownOpTypes = map[OpType]bool{
	OpInsertNode: true, OpUpdateContent: true, OpUpdateMeta: true,
	OpMoveNode: true, OpDeleteNode: true, OpInsertEdge: true, OpDeleteEdge: true,
}

// requiresNodeID reports whether op must carry a node_id: every op_type
// except insert_node, which generates one (insert_edge/delete_edge carry
// the source id in node_id).
func requiresNodeID(op OpType) bool {
	return op != OpInsertNode
}

// validate enforces the strict payload shape per op_type (§4.4) before
// any mutation is attempted. Returns InvalidOp on any mismatch.
func validate(op OpType, nodeID *uuid.UUID, payload map[string]any) error {
	if !knownOpTypes[op] {
		return kerrors.New(kerrors.InvalidOp, "unknown op_type %q", op)
	}
	if requiresNodeID(op) && nodeID == nil {
		return kerrors.New(kerrors.InvalidOp, "op_type %q requires node_id", op)
	}
	switch op {
	case OpInsertNode:
		if _, ok := payload["kind"].(string); !ok {
			return kerrors.New(kerrors.InvalidOp, "insert_node requires string field kind")
		}
	case OpUpdateContent:
		if _, ok := payload["new_content"]; !ok {
			return kerrors.New(kerrors.InvalidOp, "update_content requires field new_content")
		}
	case OpUpdateMeta:
		if _, ok := payload["merge"].(map[string]any); !ok {
			return kerrors.New(kerrors.InvalidOp, "update_metadata requires object field merge")
		}
	case OpMoveNode:
		// new_parent_id and new_position are both optional; nothing to check.
	case OpDeleteNode:
		if v, ok := payload["cascade"]; ok {
			if _, ok := v.(bool); !ok {
				return kerrors.New(kerrors.InvalidOp, "delete_node field cascade must be bool")
			}
		}
	case OpInsertEdge, OpDeleteEdge:
		if _, ok := payload["target_id"].(string); !ok {
			return kerrors.New(kerrors.InvalidOp, "%s requires string field target_id", op)
		}
		if _, ok := payload["relation"].(string); !ok {
			return kerrors.New(kerrors.InvalidOp, "%s requires string field relation", op)
		}
	}
	return nil
}

// applyTx mutates materialized state (nodes/edges) for one operation
// inside tx and returns the affected id (the new node id for
// insert_node, otherwise the given node_id).
func applyTx(ctx context.Context, tx pgx.Tx, instanceID uuid.UUID, op OpType, nodeID *uuid.UUID, payload map[string]any) (uuid.UUID, error) {
	switch op {
	case OpInsertNode:
		return applyInsertNode(ctx, tx, instanceID, payload)
	case OpUpdateContent:
		return *nodeID, applyUpdateContent(ctx, tx, *nodeID, payload)
	case OpUpdateMeta:
		return *nodeID, applyUpdateMetadata(ctx, tx, *nodeID, payload)
	case OpMoveNode:
		return *nodeID, applyMoveNode(ctx, tx, *nodeID, payload)
	case OpDeleteNode:
		return *nodeID, applyDeleteNode(ctx, tx, *nodeID, payload)
	case OpInsertEdge:
		return *nodeID, applyInsertEdge(ctx, tx, *nodeID, payload)
	case OpDeleteEdge:
		return *nodeID, applyDeleteEdge(ctx, tx, *nodeID, payload)
	default:
		return uuid.Nil, kerrors.New(kerrors.InvalidOp, "unknown op_type %q", op)
	}
}

func jsonBytes(v any) []byte {
	if v == nil {
		v = map[string]any{}
	}
	b, _ := json.Marshal(v)
	return b
}

func applyInsertNode(ctx context.Context, tx pgx.Tx, instanceID uuid.UUID, payload map[string]any) (uuid.UUID, error) {
	kind, _ := payload["kind"].(string)
	var language, content *string
	if v, ok := payload["language"].(string); ok {
		language = &v
	}
	if v, ok := payload["content"].(string); ok {
		content = &v
	}
	var parentID *uuid.UUID
	if v, ok := payload["parent_id"].(string); ok && v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return uuid.Nil, kerrors.New(kerrors.InvalidOp, "insert_node: bad parent_id")
		}
		parentID = &id
		// validate the parent exists — an apply-time failure here is
		// fatal for this record; no partial mutation.
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT true FROM nodes WHERE id = $1`, id).Scan(&exists); err != nil {
			if err == pgx.ErrNoRows {
				return uuid.Nil, kerrors.New(kerrors.InvalidOp, "insert_node: parent_id %s does not exist", id)
			}
			return uuid.Nil, kerrors.Wrap(kerrors.Internal, err, "crdt: check parent existence")
		}
	}
	// numbers arrive as float64 from decoded JSON and as int from
	// in-process callers such as internal/ingest.
	intField := func(key string) (int, bool) {
		switch v := payload[key].(type) {
		case float64:
			return int(v), true
		case int:
			return v, true
		}
		return 0, false
	}
	position, _ := intField("position")
	var path *string
	if v, ok := payload["path"].(string); ok {
		path = &v
	}
	var spanStart, spanEnd *int
	if n, ok := intField("span_start"); ok {
		spanStart = &n
	}
	if n, ok := intField("span_end"); ok {
		spanEnd = &n
	}
	meta, _ := payload["metadata"].(map[string]any)

	var id uuid.UUID
	err := tx.QueryRow(ctx, `
		INSERT INTO nodes (instance_id, kind, language, content, parent_id, position, path, span_start, span_end, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7::ltree, $8, $9, $10)
		RETURNING id
	`, instanceID, kind, language, content, parentID, position, path, spanStart, spanEnd, jsonBytes(meta)).Scan(&id)
	if err != nil {
		return uuid.Nil, kerrors.Wrap(kerrors.Internal, err, "crdt: insert_node")
	}
	return id, nil
}

func applyUpdateContent(ctx context.Context, tx pgx.Tx, nodeID uuid.UUID, payload map[string]any) error {
	newContent, _ := payload["new_content"].(string)
	tag, err := tx.Exec(ctx, `UPDATE nodes SET content = $1 WHERE id = $2`, newContent, nodeID)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: update_content")
	}
	if tag.RowsAffected() == 0 {
		return kerrors.New(kerrors.NotFound, "update_content: node %s not found", nodeID)
	}
	return nil
}

func applyUpdateMetadata(ctx context.Context, tx pgx.Tx, nodeID uuid.UUID, payload map[string]any) error {
	merge, _ := payload["merge"].(map[string]any)

	var existingBytes []byte
	err := tx.QueryRow(ctx, `SELECT metadata FROM nodes WHERE id = $1 FOR UPDATE`, nodeID).Scan(&existingBytes)
	if err != nil {
		if err == pgx.ErrNoRows {
			return kerrors.New(kerrors.NotFound, "update_metadata: node %s not found", nodeID)
		}
		return kerrors.Wrap(kerrors.Internal, err, "crdt: update_metadata lookup")
	}
	existing := map[string]any{}
	if len(existingBytes) > 0 {
		_ = json.Unmarshal(existingBytes, &existing)
	}

	merged := deepMerge(existing, merge)

	if _, err := tx.Exec(ctx, `UPDATE nodes SET metadata = $1::jsonb WHERE id = $2`, jsonBytes(merged), nodeID); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: update_metadata")
	}
	return nil
}

// deepMerge folds patch into base recursively: nested objects merge
// key by key instead of being replaced wholesale, per the structured-
// merge contract on update_metadata.
func deepMerge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if bv, ok := out[k]; ok {
			bvMap, bOk := bv.(map[string]any)
			pvMap, pOk := pv.(map[string]any)
			if bOk && pOk {
				out[k] = deepMerge(bvMap, pvMap)
				continue
			}
		}
		out[k] = pv
	}
	return out
}

func applyMoveNode(ctx context.Context, tx pgx.Tx, nodeID uuid.UUID, payload map[string]any) error {
	var newParent *uuid.UUID
	if v, ok := payload["new_parent_id"].(string); ok && v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return kerrors.New(kerrors.InvalidOp, "move_node: bad new_parent_id")
		}
		newParent = &id
	}
	var newPosition *int
	if v, ok := payload["new_position"].(float64); ok {
		p := int(v)
		newPosition = &p
	}

	query := `UPDATE nodes SET `
	args := []any{}
	set := []string{}
	if newParent != nil || payload["new_parent_id"] != nil {
		set = append(set, "parent_id = $"+argN(len(args)+1))
		args = append(args, newParent)
	}
	if newPosition != nil {
		set = append(set, "position = $"+argN(len(args)+1))
		args = append(args, *newPosition)
	}
	if len(set) == 0 {
		return nil
	}
	query += joinComma(set) + " WHERE id = $" + argN(len(args)+1)
	args = append(args, nodeID)

	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: move_node")
	}
	if tag.RowsAffected() == 0 {
		return kerrors.New(kerrors.NotFound, "move_node: node %s not found", nodeID)
	}
	return nil
}

// applyDeleteNode deletes a node. Without cascade, children are
// reparented to the deleted node's parent (preserving the rest of the
// tree); with cascade, the whole subtree is removed.
func applyDeleteNode(ctx context.Context, tx pgx.Tx, nodeID uuid.UUID, payload map[string]any) error {
	cascade, _ := payload["cascade"].(bool)

	if cascade {
		_, err := tx.Exec(ctx, `
			DELETE FROM nodes WHERE path <@ (SELECT path FROM nodes WHERE id = $1)
		`, nodeID)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "crdt: delete_node cascade")
		}
		return nil
	}

	var parentID *uuid.UUID
	err := tx.QueryRow(ctx, `SELECT parent_id FROM nodes WHERE id = $1`, nodeID).Scan(&parentID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return kerrors.New(kerrors.NotFound, "delete_node: node %s not found", nodeID)
		}
		return kerrors.Wrap(kerrors.Internal, err, "crdt: delete_node lookup")
	}
	if _, err := tx.Exec(ctx, `UPDATE nodes SET parent_id = $1 WHERE parent_id = $2`, parentID, nodeID); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: delete_node reparent children")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM edges WHERE source_id = $1 OR target_id = $1`, nodeID); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: delete_node clear edges")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, nodeID); err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: delete_node")
	}
	return nil
}

// applyInsertEdge is idempotent: ON CONFLICT DO NOTHING means running it
// N times leaves exactly one edge (set-union semantics, §8 property).
func applyInsertEdge(ctx context.Context, tx pgx.Tx, sourceID uuid.UUID, payload map[string]any) error {
	targetStr, _ := payload["target_id"].(string)
	targetID, err := uuid.Parse(targetStr)
	if err != nil {
		return kerrors.New(kerrors.InvalidOp, "insert_edge: bad target_id")
	}
	relation, _ := payload["relation"].(string)
	meta, _ := payload["metadata"].(map[string]any)

	_, err = tx.Exec(ctx, `
		INSERT INTO edges (source_id, target_id, relation, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_id, target_id, relation) DO NOTHING
	`, sourceID, targetID, relation, jsonBytes(meta))
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: insert_edge")
	}
	return nil
}

func applyDeleteEdge(ctx context.Context, tx pgx.Tx, sourceID uuid.UUID, payload map[string]any) error {
	targetStr, _ := payload["target_id"].(string)
	targetID, err := uuid.Parse(targetStr)
	if err != nil {
		return kerrors.New(kerrors.InvalidOp, "delete_edge: bad target_id")
	}
	relation, _ := payload["relation"].(string)

	_, err = tx.Exec(ctx, `DELETE FROM edges WHERE source_id = $1 AND target_id = $2 AND relation = $3`, sourceID, targetID, relation)
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "crdt: delete_edge")
	}
	return nil
}

func argN(n int) string { return itoaLocal(n) }

func itoaLocal(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
