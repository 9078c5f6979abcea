package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created",
	})

	OrdersPaidTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_paid_total",
		Help: "Total number of pending to paid transitions",
	})

	OrdersCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_completed_total",
		Help: "Total number of paid to completed transitions",
	}, []string{"delivery_type"})

	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_cancelled_total",
		Help: "Total number of cancelled orders",
	}, []string{"reason"})

	TransitionConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transition_conflicts_total",
		Help: "Conditional status updates that changed zero rows",
	}, []string{"from", "to"})

	CoreOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "core_outcomes_total",
		Help: "Outcomes returned by core entry points",
	}, []string{"entry", "result", "reason"})

	PoolClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_claims_total",
		Help: "Secrets successfully claimed from a pool",
	})

	PoolClaimConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_claim_conflicts_total",
		Help: "Claim attempts lost to a concurrent allocator",
	})

	PoolExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pool_exhausted_total",
		Help: "Allocations that found no claimable secret",
	})

	InvitesIssuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invites_issued_total",
		Help: "Invite links created and persisted",
	})

	InviteIssueFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "invite_issue_failures_total",
		Help: "Invite link creations that failed after all retries",
	})

	InvitesRevokedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "invites_revoked_total",
		Help: "Invites revoked in the ledger",
	}, []string{"reason"})

	FulfillmentLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fulfillment_latency_seconds",
		Help:    "Latency of one dispatcher run",
		Buckets: prometheus.DefBuckets,
	}, []string{"delivery_type"})

	ReaperSweepsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reaper_sweeps_total",
		Help: "Timeout sweeps executed",
	})

	NotifierFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notifier_failures_total",
		Help: "Delivery instructions or alerts the notifier failed to hand off",
	}, []string{"kind"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
