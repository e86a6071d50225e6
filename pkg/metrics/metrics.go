package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProvisioningJobs counts terminal provisioning outcomes (completed|failed).
	ProvisioningJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visitgate_provisioning_jobs_total",
			Help: "Total number of provisioning jobs by terminal outcome",
		},
		[]string{"outcome"},
	)

	// ProvisioningAttempts counts individual provisioning attempts by result
	// (success|retryable_error|rejected).
	ProvisioningAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visitgate_provisioning_attempts_total",
			Help: "Total number of provisioning attempts",
		},
		[]string{"path", "result"},
	)

	// ProvisioningDuration measures wall time from claim to terminal status.
	ProvisioningDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "visitgate_provisioning_duration_seconds",
			Help:    "Time spent processing a claimed provisioning job",
			Buckets: []float64{1, 5, 15, 60, 120, 300, 600},
		},
	)

	// QueueDepth tracks jobs currently pending or processing.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "visitgate_queue_depth",
			Help: "Number of provisioning jobs by status",
		},
		[]string{"status"},
	)

	// SweepResults counts per-grant outcomes of the expiration sweep.
	SweepResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visitgate_sweep_results_total",
			Help: "Expired grants processed by the sweeper, by device cleanup result",
		},
		[]string{"result"},
	)

	// DeviceRequests counts access-control device calls by operation and result.
	DeviceRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visitgate_device_requests_total",
			Help: "Access-control device API calls",
		},
		[]string{"operation", "result"},
	)

	// GrantTransitions counts lifecycle transitions by target state.
	GrantTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "visitgate_grant_transitions_total",
			Help: "Visitor grant state transitions",
		},
		[]string{"to"},
	)
)
