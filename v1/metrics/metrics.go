package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// LeaseGrantCounter tracks new lease grants.
	LeaseGrantCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todolock_lease_grants_total",
		Help: "Total number of leases granted",
	})
	// LeaseRenewCounter tracks renewals, explicit or through re-acquisition.
	LeaseRenewCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todolock_lease_renewals_total",
		Help: "Total number of lease renewals",
	})
	// LeaseReleaseCounter tracks explicit and teardown releases.
	LeaseReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todolock_lease_releases_total",
		Help: "Total number of lease releases",
	})
	// LeaseExpireCounter tracks leases that lapsed without renewal.
	LeaseExpireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todolock_lease_expirations_total",
		Help: "Total number of expired leases",
	})
	// LeaseConflictCounter tracks acquisitions rejected by a live lease.
	LeaseConflictCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todolock_lease_conflicts_total",
		Help: "Total number of rejected acquisitions",
	})
	// ActiveLeaseGauge reports the number of leases with a pending timer.
	ActiveLeaseGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "todolock_active_leases",
		Help: "Current number of live leases",
	})
	// InvariantViolationCounter tracks repaired internal inconsistencies.
	InvariantViolationCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "todolock_invariant_violations_total",
		Help: "Total number of invariant violations isolated to one item",
	})
	// EventPublishedCounter tracks published change events by kind.
	EventPublishedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "todolock_events_published_total",
		Help: "Total number of published change events",
	}, []string{"kind"})
	// EventDroppedCounter tracks events shed from subscriber queues by kind.
	EventDroppedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "todolock_events_dropped_total",
		Help: "Total number of change events shed for slow subscribers",
	}, []string{"kind"})
	// SubscriberGauge reports the number of active subscriptions.
	SubscriberGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "todolock_subscribers",
		Help: "Current number of event subscribers",
	})
	// RelayErrorCounter tracks failed forwards by sink.
	RelayErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "todolock_relay_errors_total",
		Help: "Total number of change events that could not be relayed",
	}, []string{"sink"})
	// SessionGauge reports the number of connected sessions.
	SessionGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "todolock_sessions",
		Help: "Current number of connected sessions",
	})
	// HTTPRequestDuration tracks API latency by route and status code.
	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "todolock_http_request_duration_seconds",
		Help:    "Duration of API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterMetrics registers the todolock collectors on the provided registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		LeaseGrantCounter,
		LeaseRenewCounter,
		LeaseReleaseCounter,
		LeaseExpireCounter,
		LeaseConflictCounter,
		ActiveLeaseGauge,
		InvariantViolationCounter,
		EventPublishedCounter,
		EventDroppedCounter,
		SubscriberGauge,
		RelayErrorCounter,
		SessionGauge,
		HTTPRequestDuration,
	)
}
