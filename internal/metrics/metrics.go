// Package metrics exposes batata's counters, gauges, and histograms in
// Prometheus text format, the same client library aistore and
// prometheus-engine use. Collectors are registered once on a process-wide
// registry: never re-registered, never torn down except at process exit.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every collector the core components touch. A single
// instance is constructed in cmd/server/main.go and threaded
// through constructors rather than relying on prometheus's global
// DefaultRegisterer.
type Registry struct {
	Reg *prometheus.Registry

	InstanceRegistrations prometheus.Counter
	InstanceDeregistrations prometheus.Counter
	ServiceChangeEvents   prometheus.Counter
	HealthCheckProbes     *prometheus.CounterVec
	ConfigPublishes       prometheus.Counter
	ConfigReads           prometheus.Counter
	LongPollWaiters       prometheus.Gauge
	LongPollWakeLatency   prometheus.Histogram
	GRPCConnections       prometheus.Gauge
	RaftAppliedIndex      prometheus.Gauge
	CircuitBreakerTrips   *prometheus.CounterVec
	RateLimitRejections   prometheus.Counter
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		Reg: reg,
		InstanceRegistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batata", Subsystem: "registry", Name: "instance_registrations_total",
			Help: "Total successful instance register requests.",
		}),
		InstanceDeregistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batata", Subsystem: "registry", Name: "instance_deregistrations_total",
			Help: "Total successful ephemeral instance deregister requests.",
		}),
		ServiceChangeEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batata", Subsystem: "registry", Name: "service_change_events_total",
			Help: "Total ServiceChanged events published to subscribers.",
		}),
		HealthCheckProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batata", Subsystem: "health", Name: "probes_total",
			Help: "Total health probes by check type and result.",
		}, []string{"check_type", "result"}),
		ConfigPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batata", Subsystem: "config", Name: "publishes_total",
			Help: "Total config publish operations committed.",
		}),
		ConfigReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batata", Subsystem: "config", Name: "reads_total",
			Help: "Total config read operations served from cache.",
		}),
		LongPollWaiters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "batata", Subsystem: "longpoll", Name: "parked_waiters",
			Help: "Current number of parked long-poll waiters.",
		}),
		LongPollWakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "batata", Subsystem: "longpoll", Name: "wake_latency_seconds",
			Help:    "Latency from ConfigChanged event to waiter wake.",
			Buckets: prometheus.DefBuckets,
		}),
		GRPCConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "batata", Subsystem: "dispatch", Name: "connections",
			Help: "Current number of open gRPC bi-stream connections.",
		}),
		RaftAppliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "batata", Subsystem: "raft", Name: "applied_index",
			Help: "Last Raft log index applied to the state machine.",
		}),
		CircuitBreakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "batata", Subsystem: "breaker", Name: "trips_total",
			Help: "Total circuit breaker state transitions by endpoint and new state.",
		}, []string{"endpoint", "state"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "batata", Subsystem: "ratelimit", Name: "rejections_total",
			Help: "Total requests rejected for exceeding the token bucket rate.",
		}),
	}

	reg.MustRegister(
		m.InstanceRegistrations, m.InstanceDeregistrations, m.ServiceChangeEvents,
		m.HealthCheckProbes, m.ConfigPublishes, m.ConfigReads, m.LongPollWaiters,
		m.LongPollWakeLatency, m.GRPCConnections, m.RaftAppliedIndex,
		m.CircuitBreakerTrips, m.RateLimitRejections,
	)
	return m
}
