package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks operator-surface HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "posture",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// SyncJobsEnqueuedTotal counts scheduled_job rows the scheduler enqueues (§4.3).
var SyncJobsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "scheduler",
		Name:      "jobs_enqueued_total",
		Help:      "Total number of sync jobs enqueued, by integration slug and entity type.",
	},
	[]string{"integration", "entity_type"},
)

// SyncJobsBrokenTotal counts jobs that exhausted attemptsMax (§4.3).
var SyncJobsBrokenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "scheduler",
		Name:      "jobs_broken_total",
		Help:      "Total number of scheduled jobs that exhausted their retry budget.",
	},
	[]string{"integration", "entity_type"},
)

// AdapterFetchDuration tracks one connector fetch call (§4.4).
var AdapterFetchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "posture",
		Subsystem: "adapter",
		Name:      "fetch_duration_seconds",
		Help:      "Connector fetch call duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"integration", "entity_type", "outcome"},
)

// EntitiesUpsertedTotal counts entity processor outcomes (§4.5).
var EntitiesUpsertedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "processor",
		Name:      "entities_upserted_total",
		Help:      "Total number of entity upserts, by entity type and change kind.",
	},
	[]string{"entity_type", "change"}, // change: created, updated, unchanged
)

// EntitiesSweptTotal counts mark-and-sweep soft deletions (§4.5).
var EntitiesSweptTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "processor",
		Name:      "entities_swept_total",
		Help:      "Total number of entities soft-deleted by mark-and-sweep.",
	},
	[]string{"entity_type"},
)

// RelationshipsChangedTotal counts linker edge churn (§4.6).
var RelationshipsChangedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "linker",
		Name:      "relationships_changed_total",
		Help:      "Total number of relationship edges inserted, updated, or removed.",
	},
	[]string{"relationship_type", "change"}, // change: inserted, touched, removed
)

// ContextLoadQueryCount records the loader's query budget (§4.7 performance contract).
var ContextLoadQueryCount = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "posture",
		Subsystem: "context_loader",
		Name:      "query_count",
		Help:      "Number of indexed queries issued per context load.",
		Buckets:   []float64{1, 3, 5, 8, 10, 15, 20, 30},
	},
	[]string{"integration"},
)

// ContextLoadDuration records the loader's wall-clock time (§4.7).
var ContextLoadDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "posture",
		Subsystem: "context_loader",
		Name:      "load_duration_seconds",
		Help:      "Context loader wall-clock duration in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"integration"},
)

// ContextLoadSlowQueriesTotal counts queries exceeding the 500ms slow threshold (§4.7).
var ContextLoadSlowQueriesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "context_loader",
		Name:      "slow_queries_total",
		Help:      "Total number of context-loader queries exceeding 500ms.",
	},
	[]string{"integration"},
)

// FindingsEmittedTotal counts analyzer findings by analysis type (§4.8).
var FindingsEmittedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "analyzer",
		Name:      "findings_emitted_total",
		Help:      "Total number of findings emitted, by analysis type and severity.",
	},
	[]string{"analysis_type", "severity"},
)

// AlertsReconciledTotal counts alert manager create/update/resolve outcomes (§4.9).
var AlertsReconciledTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "alert_manager",
		Name:      "reconciled_total",
		Help:      "Total number of alert rows reconciled, by outcome.",
	},
	[]string{"outcome"}, // created, updated, resolved, reactivated
)

// HeartbeatPendingGauge tracks the heartbeat manager's pending-write set size (§4.10).
var HeartbeatPendingGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "posture",
		Subsystem: "heartbeat",
		Name:      "pending_agents",
		Help:      "Current size of the heartbeat manager's pending-write set.",
	},
)

// HeartbeatSyncBatchesTotal counts batched durable writes by the heartbeat sync worker.
var HeartbeatSyncBatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "posture",
		Subsystem: "heartbeat",
		Name:      "sync_batches_total",
		Help:      "Total number of heartbeat batch writes, by outcome.",
	},
	[]string{"outcome"}, // ok, error
)

// All returns all posture-pipeline-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		SyncJobsEnqueuedTotal,
		SyncJobsBrokenTotal,
		AdapterFetchDuration,
		EntitiesUpsertedTotal,
		EntitiesSweptTotal,
		RelationshipsChangedTotal,
		ContextLoadQueryCount,
		ContextLoadDuration,
		ContextLoadSlowQueriesTotal,
		FindingsEmittedTotal,
		AlertsReconciledTotal,
		HeartbeatPendingGauge,
		HeartbeatSyncBatchesTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors
// and all posture-pipeline metrics.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}
