// Command kerai boots one instance of the knowledge substrate. `serve`
// opens the relational store, loads or mints the local signing
// identity, wires the CRDT/currency/marketplace/swarm layers on top of
// it, seeds the reward schedule, and serves Prometheus metrics until
// interrupted. `ingest` and `train` drive the parser/CRDT glue and the
// MicroGPT engine directly from the command line.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kerai/internal/config"
	"kerai/internal/crdt"
	"kerai/internal/currency"
	"kerai/internal/events"
	"kerai/internal/identity"
	"kerai/internal/ingest"
	"kerai/internal/kstore"
	"kerai/internal/marketplace"
	"kerai/internal/metrics"
	"kerai/internal/microgpt"
	"kerai/internal/parser"
	"kerai/internal/parser/ctree"
	"kerai/internal/parser/gotree"
	"kerai/internal/parser/mdtree"
	"kerai/internal/parser/rustsyn"
	"kerai/internal/swarm"
)

// defaultRewardSchedule seeds the work types the engine actually mints
// against when no --reward-schedule file is supplied.
var defaultRewardSchedule = []config.RewardScheduleEntry{
	{WorkType: "parse_file", Reward: 2, Enabled: true},
	{WorkType: "parse_crate", Reward: 20, Enabled: true},
	{WorkType: "model_training", Reward: 10, Enabled: true},
}

func main() {
	root := &cobra.Command{Use: "kerai"}

	var envFile string
	var rewardFile string
	var metricsAddr string
	var keyPassphrase string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the kerai instance (store, CRDT listener, metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(envFile, rewardFile, metricsAddr, keyPassphrase)
		},
	}
	serve.Flags().StringVar(&envFile, "env", ".env", "optional .env file to load")
	serve.Flags().StringVar(&rewardFile, "reward-schedule", "", "YAML file seeding reward_schedule rows (defaults are used if empty)")
	serve.Flags().StringVar(&metricsAddr, "metrics-addr", ":9477", "address to serve /metrics on")
	serve.Flags().StringVar(&keyPassphrase, "keystore-passphrase", "", "passphrase protecting the local signing key")

	var language string
	ingestCmd := &cobra.Command{
		Use:   "ingest <file>",
		Short: "parse a source file and land it in the graph via the CRDT layer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(envFile, keyPassphrase, language, args[0])
		},
	}
	ingestCmd.Flags().StringVar(&envFile, "env", ".env", "optional .env file to load")
	ingestCmd.Flags().StringVar(&keyPassphrase, "keystore-passphrase", "", "passphrase protecting the local signing key")
	ingestCmd.Flags().StringVar(&language, "language", "", "parser to use (rust, go, c, markdown); guessed from the file extension if empty")

	var modelName, walkType string
	var nSequences, nSteps int
	trainCmd := &cobra.Command{
		Use:   "train <model-name>",
		Short: "create (if needed) and train a MicroGPT model over the current graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelName = args[0]
			return runTrain(envFile, keyPassphrase, modelName, walkType, nSequences, nSteps)
		},
	}
	trainCmd.Flags().StringVar(&envFile, "env", ".env", "optional .env file to load")
	trainCmd.Flags().StringVar(&keyPassphrase, "keystore-passphrase", "", "passphrase protecting the local signing key")
	trainCmd.Flags().StringVar(&walkType, "walk", "tree", "walk strategy: tree, edge, random, perspective")
	trainCmd.Flags().IntVar(&nSequences, "sequences", 64, "number of training sequences to sample")
	trainCmd.Flags().IntVar(&nSteps, "steps", 50, "number of gradient steps")

	root.AddCommand(serve, ingestCmd, trainCmd)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// languageFor guesses a registered parser name from a file extension
// when --language isn't given.
func languageFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".rs":
		return "rust"
	case ".go":
		return "go"
	case ".c", ".h":
		return "c"
	case ".md":
		return "markdown"
	default:
		return ""
	}
}

// bootInstance opens the store and keystore and resolves this process's
// local identity, the common prelude shared by every subcommand that
// touches the graph.
func bootInstance(ctx context.Context, envFile, keyPassphrase string, log *logrus.Logger) (*kstore.Store, *crdt.CRDT, *currency.Currency, *microgpt.Engine, *ingest.Ingester, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("kerai: %w", err)
	}

	store, err := kstore.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("kerai: %w", err)
	}

	ks, err := identity.OpenKeystore(cfg.KeystorePath, []byte(keyPassphrase))
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("kerai: %w", err)
	}
	defer ks.Close()

	priv, err := ks.LoadOrCreate([]byte(keyPassphrase))
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("kerai: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	fingerprint := identity.Fingerprint(pub)

	if err := store.Bootstrap(ctx, cfg.InstanceName, pub, fingerprint); err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("kerai: %w", err)
	}
	instanceID, err := selfInstanceID(ctx, store)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, fmt.Errorf("kerai: %w", err)
	}

	cur := currency.New(store, log)
	cd := crdt.New(store, instanceID, fingerprint, priv, log)
	engine := microgpt.NewEngine(store, cur, log, cfg.InferenceCost)
	parsers := map[string]parser.Parser{
		"rust":     rustsyn.New(),
		"go":       gotree.New(),
		"c":        ctree.New(),
		"markdown": mdtree.New(),
	}
	ing := ingest.New(cd, cur, parsers)
	return store, cd, cur, engine, ing, nil
}

// runIngest drives C5 (parser) -> ingest -> CRDT glue for one file from
// the command line, anchoring it under the graph root.
func runIngest(envFile, keyPassphrase, language, path string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	ctx := context.Background()

	store, _, _, _, ing, err := bootInstance(ctx, envFile, keyPassphrase, log)
	if err != nil {
		return err
	}
	defer store.Close()

	if language == "" {
		language = languageFor(path)
	}
	if language == "" {
		return fmt.Errorf("kerai: cannot guess a parser for %s, pass --language", path)
	}

	source, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}

	result, err := ing.IngestFile(ctx, language, source, filepath.Base(path), nil, "")
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}

	log.WithFields(logrus.Fields{
		"file":    path,
		"nodes":   len(result.NodeIDs),
		"edges":   result.EdgeCount,
		"minted":  result.Minted,
		"file_id": result.FileNodeID,
	}).Info("kerai: ingest complete")
	return nil
}

// runTrain drives C9 end to end from the command line: create the model
// if it doesn't exist yet, then run one training pass against it.
func runTrain(envFile, keyPassphrase, modelName, walkType string, nSequences, nSteps int) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	ctx := context.Background()

	store, _, _, engine, _, err := bootInstance(ctx, envFile, keyPassphrase, log)
	if err != nil {
		return err
	}
	defer store.Close()

	var agentID uuid.UUID
	err = store.Pool.QueryRow(ctx, `SELECT id FROM agents WHERE name = $1 AND model = 'microgpt'`, modelName).Scan(&agentID)
	if err != nil {
		info, createErr := engine.CreateModel(ctx, modelName, microgpt.ModelConfig{
			VocabSize: 1, Dim: 32, NHeads: 4, NLayers: 2, ContextLen: 16,
		}, "graph", time.Now().UnixNano())
		if createErr != nil {
			return fmt.Errorf("kerai: %w", createErr)
		}
		agentID = info.AgentID
		log.WithField("model", modelName).Info("kerai: created model")
	}

	result, err := engine.TrainModel(ctx, agentID, walkType, nSequences, nSteps, 0.01, "graph", nil, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}

	log.WithFields(logrus.Fields{
		"model":      modelName,
		"run_id":     result.RunID,
		"final_loss": result.FinalLoss,
		"version":    result.Version,
		"minted":     result.Minted,
	}).Info("kerai: training complete")
	return nil
}

func runServe(envFile, rewardFile, metricsAddr, keyPassphrase string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(envFile)
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kstore.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}
	defer store.Close()

	ks, err := identity.OpenKeystore(cfg.KeystorePath, []byte(keyPassphrase))
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}
	defer ks.Close()

	priv, err := ks.LoadOrCreate([]byte(keyPassphrase))
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}
	pub := priv.Public().(ed25519.PublicKey)
	fingerprint := identity.Fingerprint(pub)

	if err := store.Bootstrap(ctx, cfg.InstanceName, pub, fingerprint); err != nil {
		return fmt.Errorf("kerai: %w", err)
	}

	instanceID, err := selfInstanceID(ctx, store)
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}

	met := metrics.New(log)
	srv := met.StartServer(metricsAddr)
	log.WithField("addr", metricsAddr).Info("metrics listening")

	cur := currency.New(store, log)
	if err := seedRewardSchedule(ctx, cur, rewardFile); err != nil {
		return fmt.Errorf("kerai: %w", err)
	}

	mkt := marketplace.New(store)
	sw := swarm.New(store)

	go refreshMetrics(ctx, store, cur, mkt, sw, met, log)

	sub, err := events.Subscribe(ctx, store, log)
	if err != nil {
		return fmt.Errorf("kerai: %w", err)
	}
	defer sub.Close(context.Background())

	go func() {
		err := sub.Run(ctx, func(ev events.Event) {
			met.RecordOp(false)
			log.WithFields(logrus.Fields{
				"op_type": ev.OpType,
				"node_id": ev.NodeID,
				"author":  ev.Author,
			}).Debug("kerai: operation broadcast")
		})
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("kerai: event subscriber stopped")
		}
	}()

	log.WithField("instance_id", instanceID).Info("kerai instance ready")
	<-ctx.Done()

	log.Info("kerai: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return met.Shutdown(shutdownCtx, srv)
}

// refreshMetrics periodically samples graph/currency/marketplace/swarm
// counts into the gauges StartServer exposes on /metrics.
func refreshMetrics(ctx context.Context, store *kstore.Store, cur *currency.Currency, mkt *marketplace.Marketplace, sw *swarm.Swarm, met *metrics.Metrics, log *logrus.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleMetrics(ctx, store, cur, mkt, sw, met, log)
		}
	}
}

func sampleMetrics(ctx context.Context, store *kstore.Store, cur *currency.Currency, mkt *marketplace.Marketplace, sw *swarm.Swarm, met *metrics.Metrics, log *logrus.Logger) {
	var nodeCount, walletCount int64
	if err := store.Pool.QueryRow(ctx, `SELECT count(*) FROM nodes`).Scan(&nodeCount); err == nil {
		met.SetGraphNodes(float64(nodeCount))
	}
	if err := store.Pool.QueryRow(ctx, `SELECT count(*) FROM wallets`).Scan(&walletCount); err == nil {
		met.SetWalletCount(float64(walletCount))
	}
	if supply, err := cur.TotalSupply(ctx); err == nil {
		met.SetTotalSupply(float64(supply))
	}
	if stats, err := mkt.MarketStats(ctx); err == nil {
		met.SetAuctionsActive(float64(stats.ActiveAuctions))
	}
	if open, err := sw.ListBounties(ctx, "open"); err == nil {
		met.SetBountiesOpen(float64(len(open)))
	} else {
		log.WithError(err).Debug("kerai: metrics sample: list bounties")
	}
}

func selfInstanceID(ctx context.Context, store *kstore.Store) (uuid.UUID, error) {
	var id uuid.UUID
	err := store.Pool.QueryRow(ctx, `SELECT id FROM instances WHERE is_self = true`).Scan(&id)
	return id, err
}

func seedRewardSchedule(ctx context.Context, cur *currency.Currency, rewardFile string) error {
	entries := defaultRewardSchedule
	if rewardFile != "" {
		loaded, err := config.LoadRewardSchedule(rewardFile)
		if err != nil {
			return err
		}
		entries = loaded
	}
	for _, e := range entries {
		if err := cur.SetReward(ctx, e.WorkType, e.Reward, e.Enabled); err != nil {
			return err
		}
	}
	return nil
}
