package microgpt

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"

	"kerai/internal/currency"
	"kerai/internal/kerrors"
	"kerai/internal/kstore"
)

// Engine wires the tensor/model machinery to storage and the currency
// ledger, exposing the pg_extern-shaped surface the rest of the system
// calls into: create_model, train_model, predict_next, neural_search,
// ensemble_predict, model_info, delete_model, record_selection.
type Engine struct {
	Store    *kstore.Store
	Currency *currency.Currency
	Log      *logrus.Logger
	Cost     int64
}

func NewEngine(store *kstore.Store, cur *currency.Currency, log *logrus.Logger, inferenceCost int64) *Engine {
	return &Engine{Store: store, Currency: cur, Log: log, Cost: inferenceCost}
}

// ModelInfo summarizes a persisted agent's model without materializing
// its tensors.
type ModelInfo struct {
	AgentID   uuid.UUID
	Name      string
	VocabSize int
	Config    ModelConfig
	Version   int
}

// CreateModel registers an agent row as a model host, builds its
// vocabulary over scope, and persists freshly initialized weights at
// version 0.
func (e *Engine) CreateModel(ctx context.Context, name string, cfg ModelConfig, scope string, seed int64) (ModelInfo, error) {
	if err := cfg.Validate(); err != nil {
		return ModelInfo{}, err
	}
	if name == "" {
		return ModelInfo{}, kerrors.New(kerrors.InvalidOp, "model name is required")
	}

	var agentID uuid.UUID
	err := e.Store.Pool.QueryRow(ctx, `
		INSERT INTO agents (name, kind, model, config)
		VALUES ($1, 'microgpt', 'microgpt', $2::jsonb)
		RETURNING id
	`, name, cfgJSON(cfg)).Scan(&agentID)
	if err != nil {
		return ModelInfo{}, kerrors.Wrap(kerrors.Internal, err, "microgpt: CreateModel insert agent")
	}

	if _, err := BuildVocab(ctx, e.Store, agentID, scope); err != nil {
		return ModelInfo{}, err
	}
	vocabSize, err := VocabSize(ctx, e.Store, agentID)
	if err != nil {
		return ModelInfo{}, err
	}
	cfg.VocabSize = vocabSize

	rng := rand.New(rand.NewSource(seed))
	model := New(cfg, rng)
	if err := e.saveWeights(ctx, agentID, model, 0); err != nil {
		return ModelInfo{}, err
	}

	return ModelInfo{AgentID: agentID, Name: name, VocabSize: vocabSize, Config: cfg, Version: 0}, nil
}

type storedConfig struct {
	VocabSize  int `json:"vocab_size"`
	Dim        int `json:"dim"`
	NHeads     int `json:"n_heads"`
	NLayers    int `json:"n_layers"`
	ContextLen int `json:"context_len"`
}

func cfgJSON(cfg ModelConfig) []byte {
	b, _ := json.Marshal(storedConfig{
		VocabSize:  cfg.VocabSize,
		Dim:        cfg.Dim,
		NHeads:     cfg.NHeads,
		NLayers:    cfg.NLayers,
		ContextLen: cfg.ContextLen,
	})
	return b
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

func (e *Engine) saveWeights(ctx context.Context, agentID uuid.UUID, model *MicroGPT, version int) error {
	weights := model.ToWeightMap()
	return e.Store.WithTx(ctx, func(tx pgx.Tx) error {
		for name, t := range weights {
			shape := make([]int32, len(t.Shape))
			for i, s := range t.Shape {
				shape[i] = int32(s)
			}
			_, err := tx.Exec(ctx, `
				INSERT INTO model_weights (agent_id, tensor_name, data, shape, version, updated_at)
				VALUES ($1, $2, $3, $4, $5, now())
				ON CONFLICT (agent_id, tensor_name) DO UPDATE SET data = $3, shape = $4, version = $5, updated_at = now()
			`, agentID, name, t.ToBytes(), shape, version)
			if err != nil {
				return kerrors.Wrap(kerrors.Internal, err, "microgpt: save weight %s", name)
			}
		}
		return nil
	})
}

func (e *Engine) loadModel(ctx context.Context, agentID uuid.UUID) (*MicroGPT, ModelConfig, int, error) {
	var cfgBytes []byte
	if err := e.Store.Pool.QueryRow(ctx, `SELECT config FROM agents WHERE id = $1 AND kind = 'microgpt'`, agentID).Scan(&cfgBytes); err != nil {
		if err == pgx.ErrNoRows {
			return nil, ModelConfig{}, 0, kerrors.New(kerrors.NotFound, "model %s not found", agentID)
		}
		return nil, ModelConfig{}, 0, kerrors.Wrap(kerrors.Internal, err, "microgpt: lookup agent config")
	}
	cfg, err := parseCfgJSON(cfgBytes)
	if err != nil {
		return nil, ModelConfig{}, 0, err
	}

	rows, err := e.Store.Pool.Query(ctx, `SELECT tensor_name, data, shape, version FROM model_weights WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, ModelConfig{}, 0, kerrors.Wrap(kerrors.Internal, err, "microgpt: load weights")
	}
	defer rows.Close()

	weights := map[string]Tensor{}
	version := 0
	for rows.Next() {
		var name string
		var data []byte
		var shape []int32
		var v int
		if err := rows.Scan(&name, &data, &shape, &v); err != nil {
			return nil, ModelConfig{}, 0, kerrors.Wrap(kerrors.Internal, err, "microgpt: scan weight row")
		}
		intShape := make([]int, len(shape))
		for i, s := range shape {
			intShape[i] = int(s)
		}
		weights[name] = FromBytes(data, intShape)
		version = v
	}
	if err := rows.Err(); err != nil {
		return nil, ModelConfig{}, 0, err
	}
	if len(weights) == 0 {
		return nil, ModelConfig{}, 0, kerrors.New(kerrors.NotFound, "no persisted weights for model %s", agentID)
	}

	return FromWeightMap(cfg, weights), cfg, version, nil
}

func parseCfgJSON(b []byte) (ModelConfig, error) {
	var sc storedConfig
	if err := json.Unmarshal(b, &sc); err != nil {
		return ModelConfig{}, kerrors.Wrap(kerrors.Internal, err, "microgpt: parse stored model config")
	}
	cfg := ModelConfig{
		VocabSize:  sc.VocabSize,
		Dim:        sc.Dim,
		NHeads:     sc.NHeads,
		NLayers:    sc.NLayers,
		ContextLen: sc.ContextLen,
	}
	if err := cfg.Validate(); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}

// TrainResult reports the outcome of a training run.
type TrainResult struct {
	RunID     uuid.UUID
	FinalLoss float32
	Version   int
	Minted    bool
}

// TrainModel samples walk sequences, runs n_steps of batched Adam
// training, persists the updated weights at an incremented version,
// logs the run, and mints the model_training reward on completion.
func (e *Engine) TrainModel(ctx context.Context, agentID uuid.UUID, walkType string, nSequences, nSteps int, lr float32, scope string, perspectiveAgent *uuid.UUID, seed int64) (TrainResult, error) {
	model, cfg, version, err := e.loadModel(ctx, agentID)
	if err != nil {
		return TrainResult{}, err
	}

	rng := rand.New(rand.NewSource(seed))
	sequences, err := GenerateWalks(ctx, e.Store, agentID, walkType, nSequences, cfg.ContextLen, scope, perspectiveAgent, rng)
	if err != nil {
		return TrainResult{}, err
	}

	opt := NewAdam(model.ParamCount(), lr)
	started := time.Now()
	var finalLoss float32
	for step := 0; step < nSteps; step++ {
		batch := sampleBatch(sequences, rng, 8)
		finalLoss = model.TrainStep(batch, opt)
	}
	durationMs := int(time.Since(started).Milliseconds())

	newVersion := version + 1
	if err := e.saveWeights(ctx, agentID, model, newVersion); err != nil {
		return TrainResult{}, err
	}

	var runID uuid.UUID
	err = e.Store.Pool.QueryRow(ctx, `
		INSERT INTO training_runs (agent_id, walk_type, n_sequences, n_steps, final_loss, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, agentID, walkType, nSequences, nSteps, finalLoss, durationMs).Scan(&runID)
	if err != nil {
		return TrainResult{}, kerrors.Wrap(kerrors.Internal, err, "microgpt: log training run")
	}

	minted, err := e.Currency.MintReward(ctx, "model_training", map[string]any{
		"agent_id": agentID.String(),
		"run_id":   runID.String(),
		"n_steps":  nSteps,
	})
	if err != nil {
		return TrainResult{}, err
	}

	return TrainResult{RunID: runID, FinalLoss: finalLoss, Version: newVersion, Minted: minted}, nil
}

func sampleBatch(sequences [][]int, rng *rand.Rand, size int) [][]int {
	if len(sequences) <= size {
		return sequences
	}
	out := make([][]int, size)
	for i := range out {
		out[i] = sequences[rng.Intn(len(sequences))]
	}
	return out
}

// PredictNext maps a node-UUID context through the model and returns
// the top-k next-node predictions, logging the inference and
// deducting the self-funded inference cost from the agent's wallet.
func (e *Engine) PredictNext(ctx context.Context, agentID uuid.UUID, contextNodes []uuid.UUID, topK int) ([]NodeProb, error) {
	model, _, _, err := e.loadModel(ctx, agentID)
	if err != nil {
		return nil, err
	}
	indices, err := UUIDsToIndices(ctx, e.Store, agentID, contextNodes)
	if err != nil {
		return nil, err
	}
	if len(indices) == 0 {
		return nil, kerrors.New(kerrors.InvalidOp, "no context nodes resolve to model vocabulary")
	}

	predictions := model.PredictNext(indices, topK)
	results, err := IndicesToUUIDs(ctx, e.Store, agentID, predictions)
	if err != nil {
		return nil, err
	}

	e.logInference(ctx, agentID, "predict_next", nil, results)
	e.deductInferenceCost(ctx, agentID)
	return results, nil
}

// deductInferenceCost transfers Cost from the agent's wallet to the
// self instance wallet, silently skipping when the agent can't afford
// it -- inference is never blocked for lack of funds.
func (e *Engine) deductInferenceCost(ctx context.Context, agentID uuid.UUID) {
	if e.Cost <= 0 {
		return
	}
	var walletID *uuid.UUID
	if err := e.Store.Pool.QueryRow(ctx, `SELECT wallet_id FROM agents WHERE id = $1`, agentID).Scan(&walletID); err != nil || walletID == nil {
		return
	}
	var selfWallet uuid.UUID
	if err := e.Store.Pool.QueryRow(ctx, `
		SELECT w.id FROM wallets w JOIN instances i ON i.id = w.instance_id
		WHERE i.is_self = true AND w.wallet_type = 'instance'
	`).Scan(&selfWallet); err != nil {
		return
	}
	if err := e.Currency.TransferKoi(ctx, *walletID, selfWallet, e.Cost, "inference_cost"); err != nil {
		if e.Log != nil && !kerrors.Is(err, kerrors.InsufficientBalance) {
			e.Log.WithError(err).Warn("microgpt: inference cost deduction failed")
		}
		return
	}
}

func (e *Engine) logInference(ctx context.Context, agentID uuid.UUID, kind string, query *string, result any) {
	_, err := e.Store.Pool.Exec(ctx, `
		INSERT INTO inference_log (agent_id, kind, query, result, cost)
		VALUES ($1, $2, $3, $4, $5)
	`, agentID, kind, query, jsonOf(result), e.Cost)
	if err != nil && e.Log != nil {
		e.Log.WithError(err).Warn("microgpt: failed to log inference")
	}
}

func jsonOf(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	switch x := v.(type) {
	case []NodeProb:
		out := []byte("[")
		for i, p := range x {
			if i > 0 {
				out = append(out, ',')
			}
			out = append(out, []byte(`{"node_id":"`+p.NodeID.String()+`","probability":`+floatStr(p.Probability)+`}`)...)
		}
		return append(out, ']')
	default:
		return []byte("null")
	}
}

func floatStr(f float64) string {
	neg := f < 0
	if neg {
		f = -f
	}
	whole := int64(f)
	frac := int64((f - float64(whole)) * 1e6)
	s := itoa(int(whole)) + "." + pad6(frac)
	if neg {
		s = "-" + s
	}
	return s
}

func pad6(n int64) string {
	s := itoa(int(n))
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

// SearchHit is one ranked NeuralSearch result.
type SearchHit struct {
	NodeID  uuid.UUID
	Content string
	Score   float64
}

// NeuralSearch blends full-text-search candidates with the model's
// neural affinity score: fts_rank * (1 + neural_score), sorted desc.
func (e *Engine) NeuralSearch(ctx context.Context, agentID uuid.UUID, query string, contextNodes []uuid.UUID, limit int) ([]SearchHit, error) {
	model, _, _, err := e.loadModel(ctx, agentID)
	if err != nil {
		return nil, err
	}
	indices, err := UUIDsToIndices(ctx, e.Store, agentID, contextNodes)
	if err != nil {
		return nil, err
	}

	rows, err := e.Store.Pool.Query(ctx, `
		SELECT n.id, n.content, ts_rank(to_tsvector('english', coalesce(n.content, '')), plainto_tsquery('english', $1)) AS rank
		FROM nodes n
		WHERE to_tsvector('english', coalesce(n.content, '')) @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC
		LIMIT 200
	`, query)
	if err != nil {
		return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: neural_search fts query")
	}
	defer rows.Close()

	type candidate struct {
		id      uuid.UUID
		content string
		ftsRank float64
	}
	var candidates []candidate
	var ids []uuid.UUID
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.content, &c.ftsRank); err != nil {
			return nil, kerrors.Wrap(kerrors.Internal, err, "microgpt: scan fts candidate")
		}
		candidates = append(candidates, c)
		ids = append(ids, c.id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var neuralScore map[uuid.UUID]float32
	if len(indices) > 0 && len(ids) > 0 {
		logits := model.LastLogits(indices)
		neuralScore = neuralScoresFor(e, ctx, agentID, ids, logits)
	}

	hits := make([]SearchHit, 0, len(candidates))
	for _, c := range candidates {
		score := c.ftsRank
		if ns, ok := neuralScore[c.id]; ok {
			score = c.ftsRank * (1 + float64(ns))
		}
		hits = append(hits, SearchHit{NodeID: c.id, Content: c.content, Score: score})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func neuralScoresFor(e *Engine, ctx context.Context, agentID uuid.UUID, ids []uuid.UUID, logits []float32) map[uuid.UUID]float32 {
	rows, err := e.Store.Pool.Query(ctx, `SELECT node_id, token_idx FROM model_vocab WHERE model_id = $1 AND node_id = ANY($2)`, agentID, ids)
	if err != nil {
		return nil
	}
	defer rows.Close()
	probs := softmax1D(logits)
	out := map[uuid.UUID]float32{}
	for rows.Next() {
		var id uuid.UUID
		var idx int
		if err := rows.Scan(&id, &idx); err != nil {
			continue
		}
		if idx >= 0 && idx < len(probs) {
			out[id] = probs[idx]
		}
	}
	return out
}

func softmax1D(logits []float32) []float32 {
	t := Tensor{Data: append([]float32(nil), logits...), Shape: []int{1, len(logits)}}
	return t.Softmax().Data
}

// EnsemblePredict runs every listed agent's model forward over its own
// mapping of the shared context, pads logits to the widest vocabulary,
// averages, and maps the top-k back via the first agent's vocabulary.
func (e *Engine) EnsemblePredict(ctx context.Context, agentIDs []uuid.UUID, contextNodes []uuid.UUID, topK int) ([]NodeProb, error) {
	if len(agentIDs) == 0 {
		return nil, kerrors.New(kerrors.InvalidOp, "ensemble_predict requires at least one agent")
	}

	maxVocab := 0
	allLogits := make([][]float32, 0, len(agentIDs))
	for _, id := range agentIDs {
		model, _, _, err := e.loadModel(ctx, id)
		if err != nil {
			return nil, err
		}
		indices, err := UUIDsToIndices(ctx, e.Store, id, contextNodes)
		if err != nil {
			return nil, err
		}
		if len(indices) == 0 {
			continue
		}
		logits := model.LastLogits(indices)
		if len(logits) > maxVocab {
			maxVocab = len(logits)
		}
		allLogits = append(allLogits, logits)
	}
	if len(allLogits) == 0 {
		return nil, kerrors.New(kerrors.InvalidOp, "no agent resolved the given context")
	}

	sum := make([]float32, maxVocab)
	for _, logits := range allLogits {
		for i, v := range logits {
			sum[i] += v
		}
	}
	for i := range sum {
		sum[i] /= float32(len(allLogits))
	}

	probs := softmax1D(sum)
	predictions := make([]IndexProb, len(probs))
	for i, p := range probs {
		predictions[i] = IndexProb{Index: i, Prob: p}
	}
	top := topKOf(predictions, topK)
	return IndicesToUUIDs(ctx, e.Store, agentIDs[0], top)
}

// Info returns the persisted model's config and vocabulary size
// without loading its tensors.
func (e *Engine) Info(ctx context.Context, agentID uuid.UUID) (ModelInfo, error) {
	var name string
	var cfgBytes []byte
	if err := e.Store.Pool.QueryRow(ctx, `SELECT name, config FROM agents WHERE id = $1 AND kind = 'microgpt'`, agentID).Scan(&name, &cfgBytes); err != nil {
		if err == pgx.ErrNoRows {
			return ModelInfo{}, kerrors.New(kerrors.NotFound, "model %s not found", agentID)
		}
		return ModelInfo{}, kerrors.Wrap(kerrors.Internal, err, "microgpt: Info lookup")
	}
	cfg, err := parseCfgJSON(cfgBytes)
	if err != nil {
		return ModelInfo{}, err
	}
	vocabSize, err := VocabSize(ctx, e.Store, agentID)
	if err != nil {
		return ModelInfo{}, err
	}
	var version int
	_ = e.Store.Pool.QueryRow(ctx, `SELECT max(version) FROM model_weights WHERE agent_id = $1`, agentID).Scan(&version)
	return ModelInfo{AgentID: agentID, Name: name, VocabSize: vocabSize, Config: cfg, Version: version}, nil
}

// DeleteModel removes an agent's model weights, vocabulary, and agent
// row, leaving ledger and inference_log history intact for audit.
func (e *Engine) DeleteModel(ctx context.Context, agentID uuid.UUID) error {
	return e.Store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM model_weights WHERE agent_id = $1`, agentID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "microgpt: delete weights")
		}
		if _, err := tx.Exec(ctx, `DELETE FROM model_vocab WHERE model_id = $1`, agentID); err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "microgpt: delete vocab")
		}
		tag, err := tx.Exec(ctx, `DELETE FROM agents WHERE id = $1 AND kind = 'microgpt'`, agentID)
		if err != nil {
			return kerrors.Wrap(kerrors.Internal, err, "microgpt: delete agent")
		}
		if tag.RowsAffected() == 0 {
			return kerrors.New(kerrors.NotFound, "model %s not found", agentID)
		}
		return nil
	})
}

// RecordSelection logs which of a set of predictions the caller
// ultimately acted on, for future preference-tuning passes.
func (e *Engine) RecordSelection(ctx context.Context, agentID uuid.UUID, query string, selected uuid.UUID) error {
	_, err := e.Store.Pool.Exec(ctx, `
		INSERT INTO inference_log (agent_id, kind, query, result, cost)
		VALUES ($1, 'selection', $2, $3, 0)
	`, agentID, query, []byte(`{"selected":"`+selected.String()+`"}`))
	if err != nil {
		return kerrors.Wrap(kerrors.Internal, err, "microgpt: RecordSelection")
	}
	return nil
}
