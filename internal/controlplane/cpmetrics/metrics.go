package cpmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InstancesByStatus tracks the number of instances in each lifecycle status.
	InstancesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "erplane",
		Subsystem: "cp",
		Name:      "instances_by_status",
		Help:      "Number of instances by lifecycle status.",
	}, []string{"status"})

	// TransitionsTotal counts lifecycle transitions by source and edge.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erplane",
		Subsystem: "cp",
		Name:      "transitions_total",
		Help:      "Lifecycle transitions by source, previous and new status.",
	}, []string{"source", "from", "to"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erplane",
		Subsystem: "cp",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "erplane",
		Subsystem: "cp",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ReconcileTotal counts reconciliation passes by outcome.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erplane",
		Subsystem: "cp",
		Name:      "reconcile_total",
		Help:      "Reconciliation passes by outcome.",
	}, []string{"outcome"})

	// ReconcileDuration tracks reconciliation pass latency.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "erplane",
		Subsystem: "cp",
		Name:      "reconcile_duration_seconds",
		Help:      "Reconciliation pass duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// PatchFailuresTotal counts resource patch failures by kind.
	PatchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erplane",
		Subsystem: "cp",
		Name:      "patch_failures_total",
		Help:      "Resource patch failures by kind (cpu_memory, storage).",
	}, []string{"kind"})

	// ProvisioningTotal counts provisioning attempts and outcomes.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "erplane",
		Subsystem: "cp",
		Name:      "provisioning_total",
		Help:      "Total provisioning attempts by outcome.",
	}, []string{"outcome"})
)
