package microgpt_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"kerai/internal/crdt"
	"kerai/internal/currency"
	"kerai/internal/identity"
	"kerai/internal/microgpt"
	"kerai/internal/testutil"
)

func newEngine(t *testing.T, cost int64) (*microgpt.Engine, *crdt.CRDT, *currency.Currency) {
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
	cur := currency.New(store, log)
	require.NoError(t, cur.SetReward(ctx, "model_training", 10, true))

	return microgpt.NewEngine(store, cur, log, cost), c, cur
}

func smallConfig() microgpt.ModelConfig {
	return microgpt.ModelConfig{VocabSize: 1, Dim: 8, NHeads: 2, NLayers: 1, ContextLen: 8}
}

// seedTree inserts a small root/children graph so BuildVocab and the
// tree/edge/random walk strategies all have something to traverse.
func seedTree(t *testing.T, c *crdt.CRDT) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	root, err := c.ApplyOp(ctx, crdt.OpInsertNode, nil, map[string]any{"kind": "file", "language": "go", "content": "main.go"})
	require.NoError(t, err)
	_, err = c.ApplyOp(ctx, crdt.OpInsertNode, nil, map[string]any{"kind": "function", "language": "go", "content": "main", "parent_id": root.NodeID.String()})
	require.NoError(t, err)
	_, err = c.ApplyOp(ctx, crdt.OpInsertNode, nil, map[string]any{"kind": "function", "language": "go", "content": "helper", "parent_id": root.NodeID.String()})
	require.NoError(t, err)
	return root.NodeID
}

func TestCreateModelBuildsVocabAndPersistsWeights(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	seedTree(t, c)

	info, err := e.CreateModel(context.Background(), "tree-model", smallConfig(), "", 1)
	require.NoError(t, err)
	require.Equal(t, 3, info.VocabSize)
	require.Equal(t, 0, info.Version)

	again, err := e.Info(context.Background(), info.AgentID)
	require.NoError(t, err)
	require.Equal(t, 3, again.VocabSize)
	require.Equal(t, "tree-model", again.Name)
}

func TestCreateModelRejectsInvalidConfig(t *testing.T) {
	e, _, _ := newEngine(t, 0)
	bad := microgpt.ModelConfig{VocabSize: 1, Dim: 7, NHeads: 2, NLayers: 1, ContextLen: 8}
	_, err := e.CreateModel(context.Background(), "bad", bad, "", 1)
	require.Error(t, err)
}

// TestTrainModelIncrementsVersionAndMintsReward walks the seeded tree,
// runs a handful of Adam steps, and confirms the persisted version
// advances and the model_training reward mints.
func TestTrainModelIncrementsVersionAndMintsReward(t *testing.T) {
	e, c, cur := newEngine(t, 0)
	seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "trainable", smallConfig(), "", 1)
	require.NoError(t, err)

	before, err := cur.TotalSupply(ctx)
	require.NoError(t, err)

	res, err := e.TrainModel(ctx, info.AgentID, "tree", 4, 2, 0.01, "", nil, 2)
	require.NoError(t, err)
	require.Equal(t, 1, res.Version)
	require.True(t, res.Minted)

	after, err := cur.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, before+10, after)

	second, err := e.TrainModel(ctx, info.AgentID, "edge", 4, 2, 0.01, "", nil, 3)
	require.NoError(t, err)
	require.Equal(t, 2, second.Version)
}

func TestTrainModelRejectsUnknownWalkType(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "walker", smallConfig(), "", 1)
	require.NoError(t, err)

	_, err = e.TrainModel(ctx, info.AgentID, "teleport", 4, 1, 0.01, "", nil, 1)
	require.Error(t, err)
}

func TestTrainModelFailsOnEmptyScope(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "scoped", smallConfig(), "", 1)
	require.NoError(t, err)

	_, err = e.TrainModel(ctx, info.AgentID, "tree", 4, 1, 0.01, "no.such.scope", nil, 1)
	require.Error(t, err)
}

// TestPredictNextDeductsInferenceCost confirms predict_next resolves
// context nodes, returns candidates, and debits the configured cost
// from the agent's own wallet into the self instance wallet.
func TestPredictNextDeductsInferenceCost(t *testing.T) {
	e, c, cur := newEngine(t, 5)
	root := seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "predictor", smallConfig(), "", 1)
	require.NoError(t, err)

	_, agentPub, err := identity.GenerateKeypair()
	require.NoError(t, err)
	agentWallet, err := cur.RegisterWallet(ctx, agentPub, "agent", nil)
	require.NoError(t, err)
	_, err = e.Store.Pool.Exec(ctx, `UPDATE agents SET wallet_id = $1 WHERE id = $2`, agentWallet.ID, info.AgentID)
	require.NoError(t, err)
	require.NoError(t, cur.MintKoi(ctx, agentWallet.ID, 100, "seed"))

	preds, err := e.PredictNext(ctx, info.AgentID, []uuid.UUID{root}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, preds)

	bal, err := cur.Balance(ctx, agentWallet.ID)
	require.NoError(t, err)
	require.Equal(t, int64(95), bal)
}

func TestPredictNextFailsWhenContextUnresolved(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "empty-ctx", smallConfig(), "", 1)
	require.NoError(t, err)

	_, err = e.PredictNext(ctx, info.AgentID, []uuid.UUID{uuid.New()}, 2)
	require.Error(t, err)
}

func TestNeuralSearchBlendsFTSAndModelScore(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	root := seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "searcher", smallConfig(), "", 1)
	require.NoError(t, err)

	hits, err := e.NeuralSearch(ctx, info.AgentID, "main", []uuid.UUID{root}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestEnsemblePredictAveragesAcrossAgents(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	root := seedTree(t, c)
	ctx := context.Background()

	a, err := e.CreateModel(ctx, "ensemble-a", smallConfig(), "", 1)
	require.NoError(t, err)
	b, err := e.CreateModel(ctx, "ensemble-b", smallConfig(), "", 2)
	require.NoError(t, err)

	preds, err := e.EnsemblePredict(ctx, []uuid.UUID{a.AgentID, b.AgentID}, []uuid.UUID{root}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, preds)
}

func TestEnsemblePredictRequiresAtLeastOneAgent(t *testing.T) {
	e, _, _ := newEngine(t, 0)
	_, err := e.EnsemblePredict(context.Background(), nil, nil, 2)
	require.Error(t, err)
}

func TestDeleteModelRemovesWeightsAndAgentRow(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "throwaway", smallConfig(), "", 1)
	require.NoError(t, err)

	require.NoError(t, e.DeleteModel(ctx, info.AgentID))

	_, err = e.Info(ctx, info.AgentID)
	require.Error(t, err)

	err = e.DeleteModel(ctx, info.AgentID)
	require.Error(t, err)
}

func TestRecordSelectionLogsChoice(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	root := seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "selector", smallConfig(), "", 1)
	require.NoError(t, err)

	require.NoError(t, e.RecordSelection(ctx, info.AgentID, "which node", root))
}

func TestGenerateWalksAllFourStrategies(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "walks", smallConfig(), "", 1)
	require.NoError(t, err)

	for _, walkType := range []string{"tree", "edge", "random", "perspective"} {
		_, err := e.TrainModel(ctx, info.AgentID, walkType, 4, 1, 0.01, "", nil, 1)
		require.NoErrorf(t, err, "walk type %s", walkType)
	}
}

func TestGenerateWalksFailsOnUnknownScope(t *testing.T) {
	e, c, _ := newEngine(t, 0)
	seedTree(t, c)
	ctx := context.Background()

	info, err := e.CreateModel(ctx, "scope-fail", smallConfig(), "", 1)
	require.NoError(t, err)

	_, err = e.TrainModel(ctx, info.AgentID, "edge", 4, 1, 0.01, "nothing.here", nil, 1)
	require.Error(t, err)
}
