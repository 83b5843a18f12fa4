package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LockAcquisitions tracks lock acquire outcomes per operation.
	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_lock_acquisitions_total",
		Help: "Total lock acquisition attempts by outcome (acquired, takeover, timeout)",
	}, []string{"outcome"})

	// LockWaitDuration tracks how long acquirers waited for a key.
	LockWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_lock_wait_seconds",
		Help:    "Time spent waiting to acquire a key lock",
		Buckets: prometheus.DefBuckets,
	})

	// JanitorEvictions tracks stale lock records removed by the janitor.
	JanitorEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_lock_janitor_evictions_total",
		Help: "Total stale or expired lock records evicted by the janitor",
	})

	// SweepDuration tracks the duration of one table sweep.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_sweep_duration_seconds",
		Help:    "Duration of a single table sweep",
		Buckets: prometheus.DefBuckets,
	}, []string{"table"})

	// RowsAdvanced tracks rows the interval handler advanced per table.
	RowsAdvanced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_rows_advanced_total",
		Help: "Total rows processed by the interval handler",
	}, []string{"table", "outcome"})

	// Approvals tracks approval-level sync results.
	Approvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_approvals_total",
		Help: "Total approval level ingestions by outcome",
	}, []string{"outcome"})

	// Allocations tracks assignments by decision path.
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_allocations_total",
		Help: "Total request allocations by path (special, matrix, bau, default)",
	}, []string{"path"})

	// Notifications tracks outbound notification attempts.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_notifications_total",
		Help: "Total notification sends by kind and outcome",
	}, []string{"kind", "outcome"})

	// NotificationRetries tracks retried notification sends.
	NotificationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orchestrator_notification_retries_total",
		Help: "Total notification send retries",
	})

	// BreakerState reports the notification circuit breaker state.
	BreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_notify_breaker_state",
		Help: "Notification circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	// AgentWorkload reports the persisted workload seconds per agent.
	AgentWorkload = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_agent_workload_seconds",
		Help: "Outstanding workload seconds assigned to an agent",
	}, []string{"agent"})

	// PendingRequests reports rows still needing advancement per table.
	PendingRequests = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orchestrator_pending_requests",
		Help: "Rows currently matching the needs-advancement predicate",
	}, []string{"table"})

	// RequestNumbersIssued tracks issued request numbers by source.
	RequestNumbersIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_request_numbers_issued_total",
		Help: "Total request numbers issued, including fallback numbers",
	}, []string{"source"})

	// HTTPDuration tracks API latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_http_request_duration_seconds",
		Help:    "HTTP request duration by route, method and status code",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method", "code"})

	// WSClients reports currently connected event stream clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_ws_clients",
		Help: "Currently connected WebSocket event stream clients",
	})
)
