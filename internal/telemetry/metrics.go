package telemetry

import "github.com/prometheus/client_golang/prometheus"

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "factory",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"method", "route", "status"},
)

var TicketsCreatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "tickets",
		Name:      "created_total",
		Help:      "Total number of tickets created.",
	},
)

var TicketsClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "tickets",
		Name:      "claimed_total",
		Help:      "Total number of successful ticket claims, by harness.",
	},
	[]string{"harness"},
)

var TicketClaimContentionTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "tickets",
		Name:      "claim_contention_total",
		Help:      "Total number of claim attempts that lost the race to another worker.",
	},
)

var TicketsTerminalTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "tickets",
		Name:      "terminal_total",
		Help:      "Total number of tickets reaching a terminal status.",
	},
	[]string{"status"},
)

var RunTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "runs",
		Name:      "transitions_total",
		Help:      "Total number of run state transitions, by from/to state.",
	},
	[]string{"from", "to"},
)

var RunLimitViolationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "runs",
		Name:      "limit_violations_total",
		Help:      "Total number of runs killed for exceeding a budget, by limit kind.",
	},
	[]string{"limit"},
)

var RunsRecoveredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "runs",
		Name:      "recovered_total",
		Help:      "Total number of stale runs recovered by the supervisor sweep.",
	},
)

var LeaseExpiredTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "leases",
		Name:      "expired_total",
		Help:      "Total number of leases reclaimed after expiry.",
	},
)

var NotificationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "factory",
		Subsystem: "notify",
		Name:      "sent_total",
		Help:      "Total number of outbound notifications sent, by provider and kind.",
	},
	[]string{"provider", "kind"},
)

// All returns the factory-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		TicketsCreatedTotal,
		TicketsClaimedTotal,
		TicketClaimContentionTotal,
		TicketsTerminalTotal,
		RunTransitionsTotal,
		RunLimitViolationsTotal,
		RunsRecoveredTotal,
		LeaseExpiredTotal,
		NotificationsTotal,
	}
}
