package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Vault state
	VaultCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_total_count",
		Help: "Number of mirrored vaults",
	})

	VaultTVL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_tvl",
		Help: "Total value locked across all vaults, in smallest token units",
	})

	VaultLocked = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_locked_total",
		Help: "Sum of locked balances across all vaults",
	})

	// Mutations, labelled by type and outcome (applied, duplicate, rejected, error)
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_mutations_total",
		Help: "Vault mutations by type and outcome",
	}, []string{"type", "outcome"})

	// Ingestion
	IngestedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_ingested_events_total",
		Help: "Ledger events applied by the ingestion pipeline, by event and outcome",
	}, []string{"event", "outcome"})

	IngestPollFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_ingest_poll_failures_total",
		Help: "Failed polls of the ledger signature listing",
	})

	// Reconciliation
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_reconcile_runs_total",
		Help: "Completed reconciliation cycles",
	})

	ReconcileMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_reconcile_mismatches_total",
		Help: "Vaults whose mirror balance differed from the ledger",
	})

	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vault_reconcile_duration_seconds",
		Help:    "Time taken by one reconciliation cycle",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// Alerts
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_alerts_raised_total",
		Help: "Alerts raised by type and severity",
	}, []string{"type", "severity"})

	// Fan-out
	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_ws_subscribers",
		Help: "Connected event subscribers",
	})

	// API
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "api_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"route", "code"})

	// Supervised tasks
	TaskRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_task_restarts_total",
		Help: "Restarts of supervised background tasks",
	}, []string{"task"})
)
