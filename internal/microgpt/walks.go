package microgpt

import (
	"context"
	"math/rand"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

// BuildVocab assigns dense integer indices to nodes within an optional
// ltree scope, replacing any prior vocabulary for the model. Returns
// the resulting vocab size.
func BuildVocab(ctx context.Context, store *kstore.Store, modelID uuid.UUID, scope string) (int, error) {
	if err := withVocabTx(ctx, store, modelID, scope); err != nil {
		return 0, err
	}
	return VocabSize(ctx, store, modelID)
}

func withVocabTx(ctx context.Context, store *kstore.Store, modelID uuid.UUID, scope string) error {
	return store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM model_vocab WHERE model_id = $1`, modelID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "microgpt: clear vocab")
		}

		query := `SELECT id FROM nodes`
		args := []any{}
		if scope != "" {
			query += ` WHERE path <@ $1::ltree`
			args = append(args, scope)
		}
		query += ` ORDER BY path, position`

		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "microgpt: select nodes for vocab")
		}
		var ids []uuid.UUID
		for rows.Next() {
			var id uuid.UUID
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return kerrors.Wrap(kerrors.Internal, err, "microgpt: scan node id")
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for idx, id := range ids {
			if _, err := tx.Exec(ctx, `INSERT INTO model_vocab (model_id, node_id, token_idx) VALUES ($1, $2, $3)`, modelID, id, idx); err != nil {
				return kerrors.Wrap(kerrors.Internal, err, "microgpt: insert vocab entry")
			}
		}
		return nil
	})
}

// VocabSize reports the current vocabulary size for a model.
func VocabSize(ctx context.Context, store *kstore.Store, modelID uuid.UUID) (int, error) {
	var n int
	err := store.Pool.QueryRow(ctx, `SELECT count(*) FROM model_vocab WHERE model_id = $1`, modelID).Scan(&n)
	if err != nil {
		return 0, kerrors.Wrap(kerrors.Internal, err, "microgpt: VocabSize")
	}
	return n, nil
}

// UUIDsToIndices maps node UUIDs to token indices, dropping any UUID
// absent from the model's vocabulary, preserving input order.
func UUIDsToIndices(ctx context.Context, store *kstore.Store, modelID uuid.UUID, ids []uuid.UUID) ([]int, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := store.Pool.Query(ctx, `SELECT node_id, token_idx FROM model_vocab WHERE model_id = $1 AND node_id = ANY($2)`, modelID, ids)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: UUIDsToIndices")
	}
	defer rows.Close()
	byID := map[uuid.UUID]int{}
	for rows.Next() {
		var id uuid.UUID
		var idx int
		if err := rows.Scan(&id, &idx); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: scan vocab entry")
		}
		byID[id] = idx
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []int
	for _, id := range ids {
		if idx, ok := byID[id]; ok {
			out = append(out, idx)
		}
	}
	return out, nil
}

// IndicesToUUIDs maps (index, probability) pairs back to node UUIDs.
func IndicesToUUIDs(ctx context.Context, store *kstore.Store, modelID uuid.UUID, predictions []IndexProb) ([]NodeProb, error) {
	if len(predictions) == 0 {
		return nil, nil
	}
	indices := make([]int, len(predictions))
	for i, p := range predictions {
		indices[i] = p.Index
	}
	rows, err := store.Pool.Query(ctx, `SELECT token_idx, node_id FROM model_vocab WHERE model_id = $1 AND token_idx = ANY($2)`, modelID, indices)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: IndicesToUUIDs")
	}
	defer rows.Close()
	byIdx := map[int]uuid.UUID{}
	for rows.Next() {
		var idx int
		var id uuid.UUID
		if err := rows.Scan(&idx, &id); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: scan vocab entry")
		}
		byIdx[idx] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var out []NodeProb
	for _, p := range predictions {
		if id, ok := byIdx[p.Index]; ok {
			out = append(out, NodeProb{NodeID: id, Probability: float64(p.Prob)})
		}
	}
	return out, nil
}

// NodeProb pairs a node UUID with a prediction probability.
type NodeProb struct {
	NodeID      uuid.UUID
	Probability float64
}

// GenerateWalks dispatches to one of the four walk strategies. Returns
// InsufficientGraphConnectivity if none produce a single sequence.
func GenerateWalks(ctx context.Context, store *kstore.Store, modelID uuid.UUID, walkType string, nSequences, contextLen int, scope string, perspectiveAgent *uuid.UUID, rng *rand.Rand) ([][]int, error) {
	var sequences [][]int
	var err error
	switch walkType {
	case "tree":
		sequences, err = treeWalks(ctx, store, modelID, nSequences, contextLen, scope, rng)
	case "edge":
		sequences, err = edgeWalks(ctx, store, modelID, nSequences, contextLen, scope, rng)
	case "perspective":
		sequences, err = perspectiveWalks(ctx, store, modelID, nSequences, contextLen, scope, perspectiveAgent, rng)
	case "random":
		sequences, err = randomWalks(ctx, store, modelID, nSequences, contextLen, scope, rng)
	default:
		return nil, kerrors.New(kerrors.InvalidOp, "unknown walk_type %q", walkType)
	}
	if err != nil {
		return nil, err
	}
	if len(sequences) == 0 {
		return nil, kerrors.New(kerrors.InsufficientGraphConnectivity, "walk_type %q over scope %q produced no sequences", walkType, scope)
	}
	return sequences, nil
}

func treeWalks(ctx context.Context, store *kstore.Store, modelID uuid.UUID, n, contextLen int, scope string, rng *rand.Rand) ([][]int, error) {
	rootQuery := `
		SELECT v.token_idx FROM model_vocab v
		JOIN nodes n ON n.id = v.node_id
		WHERE v.model_id = $1 AND n.parent_id IS NULL`
	args := []any{modelID}
	if scope != "" {
		rootQuery += ` AND n.path <@ $2::ltree`
		args = append(args, scope)
	}
	rootQuery += ` ORDER BY n.position`

	roots, err := queryInts(ctx, store, rootQuery, args...)
	if err != nil {
		return nil, err
	}
	if len(roots) == 0 {
		return nil, nil
	}

	childQuery := `
		SELECT pv.token_idx, cv.token_idx FROM model_vocab cv
		JOIN nodes cn ON cn.id = cv.node_id
		JOIN model_vocab pv ON pv.node_id = cn.parent_id AND pv.model_id = cv.model_id
		WHERE cv.model_id = $1
		ORDER BY cn.position`
	children, err := queryAdjacency(ctx, store, childQuery, modelID)
	if err != nil {
		return nil, err
	}

	var sequences [][]int
	for i := 0; i < n; i++ {
		root := roots[rng.Intn(len(roots))]
		seq := make([]int, 0, contextLen)
		stack := []int{root}
		for len(stack) > 0 && len(seq) < contextLen {
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			seq = append(seq, node)
			kids := children[node]
			for i := len(kids) - 1; i >= 0; i-- {
				stack = append(stack, kids[i])
			}
		}
		if len(seq) >= 2 {
			sequences = append(sequences, seq)
		}
	}
	return sequences, nil
}

func edgeWalks(ctx context.Context, store *kstore.Store, modelID uuid.UUID, n, contextLen int, scope string, rng *rand.Rand) ([][]int, error) {
	query := `
		SELECT sv.token_idx, tv.token_idx FROM edges e
		JOIN model_vocab sv ON sv.node_id = e.source_id AND sv.model_id = $1
		JOIN model_vocab tv ON tv.node_id = e.target_id AND tv.model_id = $1`
	args := []any{modelID}
	if scope != "" {
		query += ` JOIN nodes sn ON sn.id = e.source_id WHERE sn.path <@ $2::ltree`
		args = append(args, scope)
	}

	adj, err := queryAdjacency(ctx, store, query, args...)
	if err != nil {
		return nil, err
	}
	if len(adj) == 0 {
		return treeWalks(ctx, store, modelID, n, contextLen, scope, rng)
	}
	return walkAdjacency(adj, n, contextLen, rng), nil
}

func perspectiveWalks(ctx context.Context, store *kstore.Store, modelID uuid.UUID, n, contextLen int, scope string, perspectiveAgent *uuid.UUID, rng *rand.Rand) ([][]int, error) {
	perspAgent := modelID
	if perspectiveAgent != nil {
		perspAgent = *perspectiveAgent
	}

	query := `
		SELECT sv.token_idx, tv.token_idx, COALESCE(p.weight, 0.0) FROM edges e
		JOIN model_vocab sv ON sv.node_id = e.source_id AND sv.model_id = $1
		JOIN model_vocab tv ON tv.node_id = e.target_id AND tv.model_id = $1
		JOIN nodes sn ON sn.id = e.source_id
		LEFT JOIN perspectives p ON p.node_id = e.target_id AND p.agent_id = $2`
	args := []any{modelID, perspAgent}
	if scope != "" {
		query += ` WHERE sn.path <@ $3::ltree`
		args = append(args, scope)
	}

	rows, err := store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: perspective walk query")
	}
	defer rows.Close()

	adj := map[int][]weightedTarget{}
	var allNodes []int
	seen := map[int]bool{}
	for rows.Next() {
		var src, tgt int
		var weight float64
		if err := rows.Scan(&src, &tgt, &weight); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: scan perspective edge")
		}
		w := 1.0 + weight
		if w < 0 {
			w = -w
		}
		if w < 0.01 {
			w = 0.01
		}
		adj[src] = append(adj[src], weightedTarget{idx: tgt, weight: w})
		if !seen[src] {
			seen[src] = true
			allNodes = append(allNodes, src)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(allNodes) == 0 {
		return treeWalks(ctx, store, modelID, n, contextLen, scope, rng)
	}

	var sequences [][]int
	for i := 0; i < n; i++ {
		start := allNodes[rng.Intn(len(allNodes))]
		seq := []int{start}
		current := start
		for len(seq) < contextLen {
			neighbors := adj[current]
			if len(neighbors) == 0 {
				break
			}
			var total float64
			for _, nb := range neighbors {
				total += nb.weight
			}
			r := rng.Float64() * total
			chosen := neighbors[0].idx
			for _, nb := range neighbors {
				r -= nb.weight
				if r <= 0 {
					chosen = nb.idx
					break
				}
			}
			current = chosen
			seq = append(seq, current)
		}
		if len(seq) >= 2 {
			sequences = append(sequences, seq)
		}
	}
	return sequences, nil
}

type weightedTarget struct {
	idx    int
	weight float64
}

func randomWalks(ctx context.Context, store *kstore.Store, modelID uuid.UUID, n, contextLen int, scope string, rng *rand.Rand) ([][]int, error) {
	treeQuery := `
		SELECT pv.token_idx, cv.token_idx FROM model_vocab cv
		JOIN nodes cn ON cn.id = cv.node_id
		JOIN model_vocab pv ON pv.node_id = cn.parent_id AND pv.model_id = cv.model_id
		WHERE cv.model_id = $1`
	edgeQuery := `
		SELECT sv.token_idx, tv.token_idx FROM edges e
		JOIN model_vocab sv ON sv.node_id = e.source_id AND sv.model_id = $1
		JOIN model_vocab tv ON tv.node_id = e.target_id AND tv.model_id = $1`
	targs := []any{modelID}
	if scope != "" {
		treeQuery += ` JOIN nodes n2 ON n2.id = cn.id WHERE n2.path <@ $2::ltree`
		targs = append(targs, scope)
	}

	adj := map[int][]int{}
	seen := map[int]bool{}
	var allNodes []int
	addEdges := func(query string, args []any) error {
		rows, err := store.Pool.Query(ctx, query, args...)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "microgpt: random walk adjacency")
		}
		defer rows.Close()
		for rows.Next() {
			var src, tgt int
			if err := rows.Scan(&src, &tgt); err != nil {
				return kerrors.Wrap(kerrors.Internal, err, "microgpt: scan random walk edge")
			}
			adj[src] = append(adj[src], tgt)
			adj[tgt] = append(adj[tgt], src)
			for _, nd := range []int{src, tgt} {
				if !seen[nd] {
					seen[nd] = true
					allNodes = append(allNodes, nd)
				}
			}
		}
		return rows.Err()
	}
	if err := addEdges(treeQuery, targs); err != nil {
		return nil, err
	}
	if err := addEdges(edgeQuery, []any{modelID}); err != nil {
		return nil, err
	}
	if len(allNodes) == 0 {
		return nil, nil
	}
	return walkAdjacencyMap(adj, allNodes, n, contextLen, rng), nil
}

func walkAdjacency(adj map[int][]int, n, contextLen int, rng *rand.Rand) [][]int {
	var allNodes []int
	for src := range adj {
		allNodes = append(allNodes, src)
	}
	return walkAdjacencyMap(adj, allNodes, n, contextLen, rng)
}

func walkAdjacencyMap(adj map[int][]int, allNodes []int, n, contextLen int, rng *rand.Rand) [][]int {
	if len(allNodes) == 0 {
		return nil
	}
	var sequences [][]int
	for i := 0; i < n; i++ {
		start := allNodes[rng.Intn(len(allNodes))]
		seq := []int{start}
		current := start
		for len(seq) < contextLen {
			neighbors := adj[current]
			if len(neighbors) == 0 {
				break
			}
			current = neighbors[rng.Intn(len(neighbors))]
			seq = append(seq, current)
		}
		if len(seq) >= 2 {
			sequences = append(sequences, seq)
		}
	}
	return sequences
}

func queryInts(ctx context.Context, store *kstore.Store, query string, args ...any) ([]int, error) {
	rows, err := store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: queryInts")
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: scan int")
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func queryAdjacency(ctx context.Context, store *kstore.Store, query string, args ...any) (map[int][]int, error) {
	rows, err := store.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: queryAdjacency")
	}
	defer rows.Close()
	adj := map[int][]int{}
	for rows.Next() {
		var src, tgt int
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: scan adjacency row")
		}
		adj[src] = append(adj[src], tgt)
	}
	return adj, rows.Err()
}
