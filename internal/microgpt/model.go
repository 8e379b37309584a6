package microgpt

import (
	"math"
	"math/rand"

	"kerai/internal/kerrors"
)

// ModelConfig is the architecture description persisted in an agent's
// config JSONB column.
type ModelConfig struct {
	VocabSize  int
	Dim        int
	NHeads     int
	NLayers    int
	ContextLen int
}

func (c ModelConfig) Validate() error {
	if c.Dim <= 0 || c.NHeads <= 0 || c.NLayers <= 0 || c.ContextLen <= 0 || c.VocabSize <= 0 {
		return kerrors.New(kerrors.InvalidOp, "model config fields must be positive")
	}
	if c.Dim%c.NHeads != 0 {
		return kerrors.New(kerrors.InvalidOp, "dim (%d) must be divisible by n_heads (%d)", c.Dim, c.NHeads)
	}
	return nil
}

const rmsEps = 1e-5

// layer holds one transformer block's weights: a combined QKV
// projection, an output projection, a 4x-widening feed-forward pair,
// and the RMSNorm gammas that precede each sublayer.
type layer struct {
	Gamma1 Tensor // [dim]
	Gamma2 Tensor // [dim]
	QKV    Tensor // [dim, 3*dim]
	Out    Tensor // [dim, dim]
	FF1    Tensor // [dim, 4*dim]
	FF2    Tensor // [4*dim, dim]
}

// MicroGPT is the didactic transformer: token + position embeddings,
// N residual blocks, a final RMSNorm, and an output head that is not
// tied back to the token embedding.
type MicroGPT struct {
	Config     ModelConfig
	TokEmb     Tensor // [vocab, dim]
	PosEmb     Tensor // [context_len, dim]
	Layers     []layer
	FinalGamma Tensor // [dim]
	Head       Tensor // [dim, vocab]
}

func New(cfg ModelConfig, rng *rand.Rand) *MicroGPT {
	m := &MicroGPT{
		Config:     cfg,
		TokEmb:     RandXavier([]int{cfg.VocabSize, cfg.Dim}, rng),
		PosEmb:     RandXavier([]int{cfg.ContextLen, cfg.Dim}, rng),
		FinalGamma: Ones([]int{cfg.Dim}),
		Head:       RandXavier([]int{cfg.Dim, cfg.VocabSize}, rng),
	}
	m.Layers = make([]layer, cfg.NLayers)
	for i := range m.Layers {
		m.Layers[i] = layer{
			Gamma1: Ones([]int{cfg.Dim}),
			Gamma2: Ones([]int{cfg.Dim}),
			QKV:    RandXavier([]int{cfg.Dim, 3 * cfg.Dim}, rng),
			Out:    RandXavier([]int{cfg.Dim, cfg.Dim}, rng),
			FF1:    RandXavier([]int{cfg.Dim, 4 * cfg.Dim}, rng),
			FF2:    RandXavier([]int{4 * cfg.Dim, cfg.Dim}, rng),
		}
	}
	return m
}

// ParamCount sums the element count of every tensor the model owns.
func (m *MicroGPT) ParamCount() int {
	n := m.TokEmb.Numel() + m.PosEmb.Numel() + m.FinalGamma.Numel() + m.Head.Numel()
	for _, l := range m.Layers {
		n += l.Gamma1.Numel() + l.Gamma2.Numel() + l.QKV.Numel() + l.Out.Numel() + l.FF1.Numel() + l.FF2.Numel()
	}
	return n
}

// ToWeightMap flattens every tensor under a stable name, suitable for
// persisting one row per name into model_weights.
func (m *MicroGPT) ToWeightMap() map[string]Tensor {
	out := map[string]Tensor{
		"tok_emb":     m.TokEmb,
		"pos_emb":     m.PosEmb,
		"final_gamma": m.FinalGamma,
		"head":        m.Head,
	}
	for i, l := range m.Layers {
		p := layerPrefix(i)
		out[p+"gamma1"] = l.Gamma1
		out[p+"gamma2"] = l.Gamma2
		out[p+"qkv"] = l.QKV
		out[p+"out"] = l.Out
		out[p+"ff1"] = l.FF1
		out[p+"ff2"] = l.FF2
	}
	return out
}

func layerPrefix(i int) string {
	digits := []byte{byte('0' + i/10), byte('0' + i%10)}
	if i < 10 {
		digits = digits[1:]
	}
	return "layer" + string(digits) + "."
}

// FromWeightMap reconstructs a model from a name->tensor map, as read
// back from model_weights.
func FromWeightMap(cfg ModelConfig, weights map[string]Tensor) *MicroGPT {
	m := &MicroGPT{
		Config:     cfg,
		TokEmb:     weights["tok_emb"],
		PosEmb:     weights["pos_emb"],
		FinalGamma: weights["final_gamma"],
		Head:       weights["head"],
	}
	m.Layers = make([]layer, cfg.NLayers)
	for i := range m.Layers {
		p := layerPrefix(i)
		m.Layers[i] = layer{
			Gamma1: weights[p+"gamma1"],
			Gamma2: weights[p+"gamma2"],
			QKV:    weights[p+"qkv"],
			Out:    weights[p+"out"],
			FF1:    weights[p+"ff1"],
			FF2:    weights[p+"ff2"],
		}
	}
	return m
}

// layerCache holds the intermediate activations one block needs for backward.
type layerCache struct {
	xIn       Tensor // residual input [seq, dim]
	normed1   Tensor // [seq, dim]
	qkv       Tensor // [seq, 3*dim]
	attnOut   Tensor // pre output-projection [seq, dim]
	headAttn  []headCache
	resid1    Tensor // x after attention residual [seq, dim]
	normed2   Tensor // [seq, dim]
	ff1Pre    Tensor // normed2 @ FF1, pre-ReLU [seq, 4*dim]
	ff1Post   Tensor // post-ReLU [seq, 4*dim]
}

type headCache struct {
	q, k, v Tensor // [seq, headDim]
	weights Tensor // [seq, seq] post-softmax, causal masked
}

type forwardCache struct {
	tokens     []int
	seqLen     int
	emb        Tensor // tok+pos embedding input [seq, dim]
	layers     []layerCache
	finalIn    Tensor // x entering the final norm [seq, dim]
	finalNorm  Tensor // [seq, dim]
	logits     Tensor // [seq, vocab]
}

// Forward runs the transformer on a token index sequence, truncating
// to the trailing ContextLen tokens when longer. Returns logits shaped
// [seq_len, vocab_size] and a cache consumed by Backward.
func (m *MicroGPT) Forward(tokens []int) (Tensor, *forwardCache) {
	if len(tokens) > m.Config.ContextLen {
		tokens = tokens[len(tokens)-m.Config.ContextLen:]
	}
	seqLen := len(tokens)
	dim := m.Config.Dim
	nHeads := m.Config.NHeads
	headDim := dim / nHeads

	emb := m.TokEmb.EmbedLookup(tokens)
	posSlice := Tensor{Data: m.PosEmb.Data[:seqLen*dim], Shape: []int{seqLen, dim}}
	x := emb.Add(posSlice)

	cache := &forwardCache{tokens: tokens, seqLen: seqLen, emb: x}
	cache.layers = make([]layerCache, len(m.Layers))

	for li, l := range m.Layers {
		lc := layerCache{xIn: x}
		normed1 := x.RMSNorm(l.Gamma1, rmsEps)
		lc.normed1 = normed1

		qkv := normed1.Matmul(l.QKV) // [seq, 3*dim]
		lc.qkv = qkv

		attnOut := Zeros([]int{seqLen, dim})
		lc.headAttn = make([]headCache, nHeads)
		scale := float32(1.0 / math.Sqrt(float64(headDim)))
		for h := 0; h < nHeads; h++ {
			q := extractHead(qkv, seqLen, dim, 0*dim+h*headDim, headDim)
			k := extractHead(qkv, seqLen, dim, 1*dim+h*headDim, headDim)
			v := extractHead(qkv, seqLen, dim, 2*dim+h*headDim, headDim)

			scores := q.Matmul(k.Transpose()).MulScalar(scale) // [seq, seq]
			causalMask(scores, seqLen)
			weights := scores.Softmax()
			out := weights.Matmul(v) // [seq, headDim]

			for t := 0; t < seqLen; t++ {
				copy(attnOut.Data[t*dim+h*headDim:t*dim+h*headDim+headDim], out.Data[t*headDim:(t+1)*headDim])
			}
			lc.headAttn[h] = headCache{q: q, k: k, v: v, weights: weights}
		}
		lc.attnOut = attnOut

		projected := attnOut.Matmul(l.Out)
		resid1 := x.Add(projected)
		lc.resid1 = resid1

		normed2 := resid1.RMSNorm(l.Gamma2, rmsEps)
		lc.normed2 = normed2

		ff1Pre := normed2.Matmul(l.FF1)
		lc.ff1Pre = ff1Pre
		ff1Post := ff1Pre.ReLU()
		lc.ff1Post = ff1Post
		ff2Out := ff1Post.Matmul(l.FF2)

		x = resid1.Add(ff2Out)
		cache.layers[li] = lc
	}

	cache.finalIn = x
	finalNorm := x.RMSNorm(m.FinalGamma, rmsEps)
	cache.finalNorm = finalNorm
	logits := finalNorm.Matmul(m.Head)
	cache.logits = logits
	return logits, cache
}

func extractHead(qkv Tensor, seqLen, dim, colOffset, headDim int) Tensor {
	threeDim := dim * 3
	data := make([]float32, seqLen*headDim)
	for t := 0; t < seqLen; t++ {
		copy(data[t*headDim:(t+1)*headDim], qkv.Data[t*threeDim+colOffset:t*threeDim+colOffset+headDim])
	}
	return Tensor{Data: data, Shape: []int{seqLen, headDim}}
}

func causalMask(scores Tensor, seqLen int) {
	for i := 0; i < seqLen; i++ {
		for j := i + 1; j < seqLen; j++ {
			scores.Data[i*seqLen+j] = float32(math.Inf(-1))
		}
	}
}

// gradients mirrors the model's weight shapes, accumulated in place
// during backward and then consumed by the optimizer step.
type gradients struct {
	TokEmb     Tensor
	PosEmb     Tensor
	FinalGamma Tensor
	Head       Tensor
	Layers     []layer
}

func newGradients(m *MicroGPT) *gradients {
	g := &gradients{
		TokEmb:     Zeros(m.TokEmb.Shape),
		PosEmb:     Zeros(m.PosEmb.Shape),
		FinalGamma: Zeros(m.FinalGamma.Shape),
		Head:       Zeros(m.Head.Shape),
		Layers:     make([]layer, len(m.Layers)),
	}
	for i, l := range m.Layers {
		g.Layers[i] = layer{
			Gamma1: Zeros(l.Gamma1.Shape),
			Gamma2: Zeros(l.Gamma2.Shape),
			QKV:    Zeros(l.QKV.Shape),
			Out:    Zeros(l.Out.Shape),
			FF1:    Zeros(l.FF1.Shape),
			FF2:    Zeros(l.FF2.Shape),
		}
	}
	return g
}

// rmsNormBackward treats the RMS normalizer as locally constant (a
// standard didactic simplification) and returns dx and dGamma for
// x -> x/rms(x)*gamma.
func rmsNormBackward(x, gamma, normed, dOut Tensor) (Tensor, Tensor) {
	dim := x.Shape[len(x.Shape)-1]
	n := len(x.Data) / dim
	dx := Zeros(x.Shape)
	dGamma := Zeros(gamma.Shape)
	for i := 0; i < n; i++ {
		start := i * dim
		xs := x.Data[start : start+dim]
		ns := normed.Data[start : start+dim]
		ds := dOut.Data[start : start+dim]
		var sumSq float32
		for _, v := range xs {
			sumSq += v * v
		}
		rms := float32(math.Sqrt(float64(sumSq/float32(dim) + rmsEps)))
		for j := 0; j < dim; j++ {
			dGamma.Data[j] += ds[j] * ns[j] / gamma.Data[j]
			dx.Data[start+j] = ds[j] * gamma.Data[j] / rms
		}
	}
	return dx, dGamma
}

// softmaxBackward returns dScores given the softmax output and dWeights,
// row-wise over a [rows, cols] tensor.
func softmaxBackward(weights, dWeights Tensor) Tensor {
	rows, cols := weights.Shape[0], weights.Shape[1]
	out := Zeros(weights.Shape)
	for r := 0; r < rows; r++ {
		start := r * cols
		var dot float32
		for c := 0; c < cols; c++ {
			dot += dWeights.Data[start+c] * weights.Data[start+c]
		}
		for c := 0; c < cols; c++ {
			out.Data[start+c] = weights.Data[start+c] * (dWeights.Data[start+c] - dot)
		}
	}
	return out
}

func matmulBackward(a, b, dOut Tensor) (Tensor, Tensor) {
	da := dOut.Matmul(b.Transpose())
	db := a.Transpose().Matmul(dOut)
	return da, db
}

// Backward computes the analytic gradient of cross-entropy loss at the
// targets w.r.t. every weight tensor, accumulating into a fresh
// gradients struct returned to the caller.
func (m *MicroGPT) Backward(cache *forwardCache, targets []int) *gradients {
	seqLen := cache.seqLen
	vocab := m.Config.VocabSize
	dim := m.Config.Dim
	nHeads := m.Config.NHeads
	headDim := dim / nHeads

	g := newGradients(m)

	// dLogits from softmax-cross-entropy: (softmax(logits) - onehot(target)) / seqLen
	probs := cache.logits.Softmax()
	dLogits := Zeros([]int{seqLen, vocab})
	for t := 0; t < seqLen; t++ {
		for c := 0; c < vocab; c++ {
			dLogits.Data[t*vocab+c] = probs.Data[t*vocab+c] / float32(seqLen)
		}
		dLogits.Data[t*vocab+targets[t]] -= 1.0 / float32(seqLen)
	}

	dFinalNorm, dHead := matmulBackward(cache.finalNorm, m.Head, dLogits)
	g.Head.Accumulate(dHead)

	dx, dFinalGamma := rmsNormBackward(cache.finalIn, m.FinalGamma, cache.finalNorm, dFinalNorm)
	g.FinalGamma.Accumulate(dFinalGamma)

	for li := len(m.Layers) - 1; li >= 0; li-- {
		l := m.Layers[li]
		lc := cache.layers[li]
		lg := &g.Layers[li]

		// dx currently is the gradient flowing into x = resid1 + ff2Out.
		dResid1FromFF := dx
		dFF2Out := dx

		dFF1Post, dFF2 := matmulBackward(lc.ff1Post, l.FF2, dFF2Out)
		lg.FF2.Accumulate(dFF2)

		dFF1Pre := Zeros(dFF1Post.Shape)
		mask := lc.ff1Pre.ReLUMask()
		for i := range dFF1Pre.Data {
			dFF1Pre.Data[i] = dFF1Post.Data[i] * mask.Data[i]
		}

		dNormed2, dFF1 := matmulBackward(lc.normed2, l.FF1, dFF1Pre)
		lg.FF1.Accumulate(dFF1)

		dResid1FromNorm2, dGamma2 := rmsNormBackward(lc.resid1, l.Gamma2, lc.normed2, dNormed2)
		lg.Gamma2.Accumulate(dGamma2)

		dResid1 := Zeros(dResid1FromFF.Shape)
		dResid1.Accumulate(dResid1FromFF)
		dResid1.Accumulate(dResid1FromNorm2)

		// dResid1 also feeds x (residual) and the attention output projection.
		dX := dResid1
		dProjected := dResid1

		dAttnOut, dOutW := matmulBackward(lc.attnOut, l.Out, dProjected)
		lg.Out.Accumulate(dOutW)

		dQKV := Zeros(lc.qkv.Shape)
		scale := float32(1.0 / math.Sqrt(float64(headDim)))
		for h := 0; h < nHeads; h++ {
			hc := lc.headAttn[h]
			dOutHead := extractCols(dAttnOut, seqLen, dim, h*headDim, headDim)

			dWeights, dV := matmulBackward(hc.weights, hc.v, dOutHead)
			dScores := softmaxBackward(hc.weights, dWeights)
			for i := 0; i < seqLen; i++ {
				for j := i + 1; j < seqLen; j++ {
					dScores.Data[i*seqLen+j] = 0
				}
			}
			dScoresScaled := dScores.MulScalar(scale)
			dQ, dK := matmulBackward(hc.q, hc.k.Transpose(), dScoresScaled)
			// dK above is actually d(k^T); matmulBackward(a=q,b=k^T,dOut) gives da=dQ, db=d(k^T).
			dKT := dK
			dKCols := dKT.Transpose()

			scatterCols(dQKV, seqLen, dim, 0*dim+h*headDim, headDim, dQ)
			scatterCols(dQKV, seqLen, dim, 1*dim+h*headDim, headDim, dKCols)
			scatterCols(dQKV, seqLen, dim, 2*dim+h*headDim, headDim, dV)
		}

		dNormed1, dQKVW := matmulBackward(lc.normed1, l.QKV, dQKV)
		lg.QKV.Accumulate(dQKVW)

		dXFromAttn, dGamma1 := rmsNormBackward(lc.xIn, l.Gamma1, lc.normed1, dNormed1)
		lg.Gamma1.Accumulate(dGamma1)

		dX.Accumulate(dXFromAttn)
		dx = dX
	}

	// dx is now the gradient w.r.t. the token+position embedding sum.
	for t := 0; t < seqLen; t++ {
		tok := cache.tokens[t]
		for j := 0; j < dim; j++ {
			g.TokEmb.Data[tok*dim+j] += dx.Data[t*dim+j]
			g.PosEmb.Data[t*dim+j] += dx.Data[t*dim+j]
		}
	}

	return g
}

func extractCols(t Tensor, rows, totalCols, colOffset, width int) Tensor {
	out := make([]float32, rows*width)
	for r := 0; r < rows; r++ {
		copy(out[r*width:(r+1)*width], t.Data[r*totalCols+colOffset:r*totalCols+colOffset+width])
	}
	return Tensor{Data: out, Shape: []int{rows, width}}
}

func scatterCols(dst Tensor, rows, totalCols, colOffset, width int, src Tensor) {
	for r := 0; r < rows; r++ {
		for c := 0; c < width; c++ {
			dst.Data[r*totalCols+colOffset+c] += src.Data[r*width+c]
		}
	}
}

// ApplyGradients runs one Adam step per tensor, matching the flat
// offset space the optimizer was constructed with.
func (m *MicroGPT) ApplyGradients(g *gradients, opt *Adam) {
	offset := 0
	step := func(params, grads Tensor) {
		opt.Step(params.Data, grads.Data, offset)
		offset += len(params.Data)
	}
	step(m.TokEmb, g.TokEmb)
	step(m.PosEmb, g.PosEmb)
	for i := range m.Layers {
		step(m.Layers[i].Gamma1, g.Layers[i].Gamma1)
		step(m.Layers[i].Gamma2, g.Layers[i].Gamma2)
		step(m.Layers[i].QKV, g.Layers[i].QKV)
		step(m.Layers[i].Out, g.Layers[i].Out)
		step(m.Layers[i].FF1, g.Layers[i].FF1)
		step(m.Layers[i].FF2, g.Layers[i].FF2)
	}
	step(m.FinalGamma, g.FinalGamma)
	step(m.Head, g.Head)
}

// TrainStep runs forward+backward+Adam over a batch of equal-or-shorter
// sequences, each contributing next-token loss over its own length
// minus one, and returns the batch-averaged loss.
func (m *MicroGPT) TrainStep(batch [][]int, opt *Adam) float32 {
	var totalLoss float32
	count := 0
	for _, seq := range batch {
		if len(seq) < 2 {
			continue
		}
		context := seq[:len(seq)-1]
		targets := seq[1:]
		if len(context) > m.Config.ContextLen {
			context = context[len(context)-m.Config.ContextLen:]
			targets = targets[len(targets)-len(context):]
		}
		logits, cache := m.Forward(context)
		loss := logits.CrossEntropyLoss(targets)
		grads := m.Backward(cache, targets)
		m.ApplyGradients(grads, opt)
		totalLoss += loss
		count++
	}
	if count == 0 {
		return 0
	}
	return totalLoss / float32(count)
}

// PredictNext runs a forward pass and returns the top-k (token_idx,
// probability) pairs at the final position.
func (m *MicroGPT) PredictNext(context []int, topK int) []IndexProb {
	logits, _ := m.Forward(context)
	seqLen := logits.Shape[0]
	vocab := m.Config.VocabSize
	last := logits.Data[(seqLen-1)*vocab : seqLen*vocab]

	maxVal := float32(math.Inf(-1))
	for _, v := range last {
		if v > maxVal {
			maxVal = v
		}
	}
	exps := make([]float32, vocab)
	var sum float32
	for i, v := range last {
		e := float32(math.Exp(float64(v - maxVal)))
		exps[i] = e
		sum += e
	}
	probs := make([]IndexProb, vocab)
	for i, e := range exps {
		probs[i] = IndexProb{Index: i, Prob: e / sum}
	}
	return topKOf(probs, topK)
}

// IndexProb pairs a vocab index with a probability, used by both
// single-model and ensemble prediction paths.
type IndexProb struct {
	Index int
	Prob  float32
}

func topKOf(probs []IndexProb, k int) []IndexProb {
	sorted := append([]IndexProb(nil), probs...)
	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && sorted[j-1].Prob < sorted[j].Prob {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			j--
		}
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// LastLogits runs forward and returns the raw logit row for the final
// position, used by neural_search and ensemble_predict.
func (m *MicroGPT) LastLogits(context []int) []float32 {
	logits, _ := m.Forward(context)
	seqLen := logits.Shape[0]
	vocab := m.Config.VocabSize
	out := make([]float32, vocab)
	copy(out, logits.Data[(seqLen-1)*vocab:seqLen*vocab])
	return out
}
