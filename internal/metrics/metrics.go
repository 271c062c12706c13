package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Admission metrics
	Decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_decisions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"policy", "outcome", "reason"},
	)

	DecisionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "abuseguard_decision_duration_seconds",
			Help:    "Duration of admission checks in seconds",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_store_errors_total",
			Help: "Total number of state store errors (request admitted fail-open)",
		},
		[]string{"store"},
	)

	AutoDenies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abuseguard_auto_denies_total",
			Help: "Total number of identities promoted to the deny list by the flood heuristic",
		},
	)

	// Risk scoring metrics
	RiskScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "abuseguard_risk_score",
			Help:    "Distribution of traffic risk scores",
			Buckets: []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	TrackedPatterns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abuseguard_risk_tracked_identities",
			Help: "Current number of identities tracked by the risk scorer",
		},
	)

	// Correlation metrics
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_events_ingested_total",
			Help: "Total number of security events received",
		},
		[]string{"source", "status"},
	)

	EventQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abuseguard_event_queue_depth",
			Help: "Current depth of the correlation event queue",
		},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_alerts_created_total",
			Help: "Total number of threat alerts created",
		},
		[]string{"pattern", "severity"},
	)

	PatternErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_pattern_errors_total",
			Help: "Total number of recovered pattern evaluation failures",
		},
		[]string{"pattern"},
	)

	// Mitigation metrics
	MitigationsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_mitigations_applied_total",
			Help: "Total number of mitigation actions applied",
		},
		[]string{"action"},
	)

	MitigationsExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_mitigations_expired_total",
			Help: "Total number of mitigations removed on expiry",
		},
		[]string{"kind"},
	)

	MitigationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_mitigation_errors_total",
			Help: "Total number of mitigation store failures",
		},
		[]string{"action"},
	)

	// Audit export metrics
	AuditExported = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "abuseguard_audit_records_exported_total",
			Help: "Total number of audit records exported",
		},
	)

	AuditDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_audit_records_dropped_total",
			Help: "Total number of audit records dropped",
		},
		[]string{"reason"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "abuseguard_audit_queue_depth",
			Help: "Current number of audit records waiting for export",
		},
	)

	// Sweep metrics
	SweepRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "abuseguard_sweep_removed_total",
			Help: "Total number of entries removed by background sweeps",
		},
		[]string{"store"},
	)
)
