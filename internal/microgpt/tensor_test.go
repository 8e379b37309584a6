package microgpt

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatmul(t *testing.T) {
	a := Tensor{Data: []float32{1, 2, 3, 4}, Shape: []int{2, 2}}
	b := Tensor{Data: []float32{5, 6, 7, 8}, Shape: []int{2, 2}}
	got := a.Matmul(b)
	require.Equal(t, []float32{19, 22, 43, 50}, got.Data)
	require.Equal(t, []int{2, 2}, got.Shape)
}

func TestAddBroadcastsLastDim(t *testing.T) {
	a := Tensor{Data: []float32{1, 2, 3, 4}, Shape: []int{2, 2}}
	bias := Tensor{Data: []float32{10, 20}, Shape: []int{2}}
	got := a.Add(bias)
	require.Equal(t, []float32{11, 22, 13, 24}, got.Data)
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	x := Tensor{Data: []float32{1, 2, 3, 1, 1, 1}, Shape: []int{2, 3}}
	out := x.Softmax()
	for r := 0; r < 2; r++ {
		var sum float32
		for c := 0; c < 3; c++ {
			sum += out.Data[r*3+c]
		}
		require.InDelta(t, 1.0, sum, 1e-5)
	}
	// row 0 is monotonically increasing input -> monotonically increasing probs
	require.Less(t, out.Data[0], out.Data[1])
	require.Less(t, out.Data[1], out.Data[2])
}

func TestRMSNormUnitGamma(t *testing.T) {
	x := Tensor{Data: []float32{3, 4}, Shape: []int{1, 2}}
	gamma := Ones([]int{2})
	out := x.RMSNorm(gamma, 1e-6)
	rms := float32(math.Sqrt((9.0 + 16.0) / 2.0))
	require.InDelta(t, 3/rms, out.Data[0], 1e-4)
	require.InDelta(t, 4/rms, out.Data[1], 1e-4)
}

func TestCrossEntropyLossPerfectPredictionIsNearZero(t *testing.T) {
	// huge logit on the correct class drives loss toward 0.
	logits := Tensor{Data: []float32{20, -20, -20}, Shape: []int{1, 3}}
	loss := logits.CrossEntropyLoss([]int{0})
	require.Less(t, loss, float32(0.01))
}

func TestCrossEntropyLossWrongPredictionIsLarge(t *testing.T) {
	logits := Tensor{Data: []float32{-20, 20, -20}, Shape: []int{1, 3}}
	loss := logits.CrossEntropyLoss([]int{0})
	require.Greater(t, loss, float32(10))
}

func TestTransposeRoundTrip(t *testing.T) {
	x := Tensor{Data: []float32{1, 2, 3, 4, 5, 6}, Shape: []int{2, 3}}
	got := x.Transpose().Transpose()
	require.Equal(t, x.Data, got.Data)
	require.Equal(t, x.Shape, got.Shape)
}

func TestEmbedLookup(t *testing.T) {
	table := Tensor{Data: []float32{0, 0, 1, 1, 2, 2}, Shape: []int{3, 2}}
	got := table.EmbedLookup([]int{2, 0, 2})
	require.Equal(t, []float32{2, 2, 0, 0, 2, 2}, got.Data)
	require.Equal(t, []int{3, 2}, got.Shape)
}

func TestToBytesFromBytesRoundTrip(t *testing.T) {
	x := Tensor{Data: []float32{1.5, -2.25, 0, 3.125}, Shape: []int{2, 2}}
	got := FromBytes(x.ToBytes(), x.Shape)
	require.Equal(t, x.Data, got.Data)
}

func TestRandXavierDeterministicWithSeed(t *testing.T) {
	a := RandXavier([]int{4, 4}, rand.New(rand.NewSource(1)))
	b := RandXavier([]int{4, 4}, rand.New(rand.NewSource(1)))
	require.Equal(t, a.Data, b.Data)
}
