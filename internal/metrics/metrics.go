// Package metrics exposes a Prometheus registry over this instance's
// CRDT throughput, currency supply, marketplace activity, and swarm
// progress, mirroring the teacher's health-logging subsystem but
// scoped to kerai's own domain counters.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics owns one Prometheus registry for the instance's lifetime.
type Metrics struct {
	log      *logrus.Logger
	registry *prometheus.Registry

	opsTotal        prometheus.Counter
	opsConflicts    prometheus.Counter
	graphNodeGauge  prometheus.Gauge
	totalSupply     prometheus.Gauge
	walletCount     prometheus.Gauge
	auctionsActive  prometheus.Gauge
	bountiesOpen    prometheus.Gauge
	tasksInFlight   prometheus.Gauge
	trainingRuns    prometheus.Counter
	inferenceCalls  prometheus.Counter
	inferenceCost   prometheus.Counter
	parseFailures   prometheus.Counter
	peerLatency     prometheus.Histogram
}

// New builds and registers every collector.
func New(log *logrus.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{log: log, registry: reg}

	m.opsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kerai_crdt_ops_total",
		Help: "Total CRDT operations applied, local and remote",
	})
	m.opsConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kerai_crdt_ops_conflict_total",
		Help: "Total CRDT operations that resolved a concurrent conflict",
	})
	m.graphNodeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kerai_graph_nodes",
		Help: "Current number of materialized graph nodes",
	})
	m.totalSupply = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kerai_koi_total_supply",
		Help: "Total minted koi supply",
	})
	m.walletCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kerai_wallets",
		Help: "Current number of registered wallets",
	})
	m.auctionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kerai_auctions_active",
		Help: "Number of Dutch auctions currently active",
	})
	m.bountiesOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kerai_bounties_open",
		Help: "Number of bounties currently open",
	})
	m.tasksInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kerai_swarm_tasks_in_flight",
		Help: "Number of swarm tasks not yet completed",
	})
	m.trainingRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kerai_microgpt_training_runs_total",
		Help: "Total completed MicroGPT training runs",
	})
	m.inferenceCalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kerai_microgpt_inference_total",
		Help: "Total MicroGPT inference calls (predict_next, neural_search, ensemble_predict)",
	})
	m.inferenceCost = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kerai_microgpt_inference_cost_koi_total",
		Help: "Total koi deducted for MicroGPT inference calls",
	})
	m.parseFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kerai_ingest_parse_failures_total",
		Help: "Total source files that failed to parse into the graph",
	})
	m.peerLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kerai_peer_sync_seconds",
		Help:    "Time spent applying a batch of remote operations from a peer",
		Buckets: prometheus.DefBuckets,
	})

	reg.MustRegister(
		m.opsTotal, m.opsConflicts, m.graphNodeGauge, m.totalSupply, m.walletCount,
		m.auctionsActive, m.bountiesOpen, m.tasksInFlight, m.trainingRuns,
		m.inferenceCalls, m.inferenceCost, m.parseFailures, m.peerLatency,
	)
	return m
}

// Registry exposes the underlying Prometheus registry, for wiring a
// /metrics handler outside StartServer or for test gathering.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) RecordOp(conflicted bool) {
	m.opsTotal.Inc()
	if conflicted {
		m.opsConflicts.Inc()
	}
}

func (m *Metrics) SetGraphNodes(n float64)   { m.graphNodeGauge.Set(n) }
func (m *Metrics) SetTotalSupply(n float64)  { m.totalSupply.Set(n) }
func (m *Metrics) SetWalletCount(n float64)  { m.walletCount.Set(n) }
func (m *Metrics) SetAuctionsActive(n float64) { m.auctionsActive.Set(n) }
func (m *Metrics) SetBountiesOpen(n float64) { m.bountiesOpen.Set(n) }
func (m *Metrics) SetTasksInFlight(n float64) { m.tasksInFlight.Set(n) }

func (m *Metrics) RecordTrainingRun()          { m.trainingRuns.Inc() }
func (m *Metrics) RecordInference(costKoi int64) {
	m.inferenceCalls.Inc()
	if costKoi > 0 {
		m.inferenceCost.Add(float64(costKoi))
	}
}
func (m *Metrics) RecordParseFailure() { m.parseFailures.Inc() }
func (m *Metrics) ObservePeerSync(seconds float64) { m.peerLatency.Observe(seconds) }

// StartServer exposes /metrics on addr, returning the server so the
// caller manages its shutdown.
func (m *Metrics) StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if m.log != nil {
				m.log.WithError(err).Error("metrics: server stopped")
			}
		}
	}()
	return srv
}

// Shutdown gracefully stops the metrics HTTP server.
func (m *Metrics) Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
