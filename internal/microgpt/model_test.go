package microgpt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModelConfigValidate(t *testing.T) {
	bad := ModelConfig{VocabSize: 8, Dim: 15, NHeads: 2, NLayers: 1, ContextLen: 4}
	require.Error(t, bad.Validate())

	good := ModelConfig{VocabSize: 8, Dim: 16, NHeads: 2, NLayers: 1, ContextLen: 4}
	require.NoError(t, good.Validate())
}

func TestToWeightMapFromWeightMapRoundTrip(t *testing.T) {
	cfg := ModelConfig{VocabSize: 8, Dim: 16, NHeads: 2, NLayers: 2, ContextLen: 4}
	rng := rand.New(rand.NewSource(7))
	m := New(cfg, rng)

	weights := m.ToWeightMap()
	got := FromWeightMap(cfg, weights)

	require.Equal(t, m.TokEmb.Data, got.TokEmb.Data)
	require.Equal(t, m.Head.Data, got.Head.Data)
	require.Len(t, got.Layers, 2)
	require.Equal(t, m.Layers[1].FF2.Data, got.Layers[1].FF2.Data)
}

// TestTrainOnLinearChainConverges builds a vocab of 8 tokens over a
// linear chain 0->1->...->7, trains on repeated tree walks of that
// chain (a tree walk from the root stops at ContextLen tokens, so each
// walk is 0->1->2->3), and asserts the model both reduces loss and
// learns the single deterministic continuation at each position.
func TestTrainOnLinearChainConverges(t *testing.T) {
	cfg := ModelConfig{VocabSize: 8, Dim: 16, NHeads: 2, NLayers: 1, ContextLen: 4}
	rng := rand.New(rand.NewSource(42))
	model := New(cfg, rng)
	opt := NewAdam(model.ParamCount(), 0.01)

	chain := []int{0, 1, 2, 3, 4, 5, 6, 7}
	batch := make([][]int, 32)
	for i := range batch {
		batch[i] = chain[:cfg.ContextLen]
	}

	lossAt0 := model.TrainStep(batch, opt)
	var lossAt100 float32
	for step := 1; step <= 100; step++ {
		lossAt100 = model.TrainStep(batch, opt)
	}

	require.Less(t, lossAt100, lossAt0, "loss at step 100 must be strictly lower than at step 0")

	preds := model.PredictNext([]int{0, 1, 2}, 1)
	require.Len(t, preds, 1)
	require.Equal(t, 3, preds[0].Index, "top prediction after [0,1,2] must be the next token in the chain")
	require.Greater(t, preds[0].Prob, float32(0.5))
}

func TestPredictNextTopKOrdering(t *testing.T) {
	cfg := ModelConfig{VocabSize: 5, Dim: 8, NHeads: 2, NLayers: 1, ContextLen: 4}
	model := New(cfg, rand.New(rand.NewSource(1)))
	preds := model.PredictNext([]int{0, 1}, 3)
	require.Len(t, preds, 3)
	for i := 1; i < len(preds); i++ {
		require.GreaterOrEqual(t, preds[i-1].Prob, preds[i].Prob)
	}
}

func TestLastLogitsMatchesForwardFinalRow(t *testing.T) {
	cfg := ModelConfig{VocabSize: 5, Dim: 8, NHeads: 2, NLayers: 1, ContextLen: 4}
	model := New(cfg, rand.New(rand.NewSource(2)))
	logits := model.LastLogits([]int{0, 1, 2})

	full, _ := model.Forward([]int{0, 1, 2})
	seqLen := full.Shape[0]
	vocab := cfg.VocabSize
	require.Equal(t, full.Data[(seqLen-1)*vocab:seqLen*vocab], logits)
}

func TestTrainStepSkipsSingleTokenSequences(t *testing.T) {
	cfg := ModelConfig{VocabSize: 5, Dim: 8, NHeads: 2, NLayers: 1, ContextLen: 4}
	model := New(cfg, rand.New(rand.NewSource(3)))
	opt := NewAdam(model.ParamCount(), 0.01)
	loss := model.TrainStep([][]int{{1}}, opt)
	require.Equal(t, float32(0), loss)
}
