// Package metrics exposes the daemon's observability surface:
// per-device counters for poll cycles, transport errors, retry
// escalations, and connection-lost events. Purely observational;
// nothing in internal/poller reads these values back.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PollCycles counts completed poll cycles (one CheckCondition ->
	// publish traversal) per device; a cycle that ends in Error
	// publishes nothing and is not counted.
	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smamon",
			Name:      "poll_cycles_total",
			Help:      "Completed poll cycles per device.",
		},
		[]string{"device"},
	)

	// TransportErrors counts individual read/write failures, whether
	// or not they escalated to a connection_lost signal.
	TransportErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smamon",
			Name:      "transport_errors_total",
			Help:      "Modbus read/write failures per device.",
		},
		[]string{"device"},
	)

	// ConnectionLost counts connection_lost emissions (one per 6
	// consecutive errors).
	ConnectionLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smamon",
			Name:      "connection_lost_total",
			Help:      "connection_lost signals emitted per device.",
		},
		[]string{"device"},
	)

	// PowerLimitWrites counts accepted WritePowerLimit transitions.
	PowerLimitWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "smamon",
			Name:      "power_limit_writes_total",
			Help:      "Power-limit writes committed to the device per device.",
		},
		[]string{"device"},
	)
)

// Registry bundles the above into a dedicated prometheus.Registry
// rather than using the global DefaultRegisterer, so tests can create
// an isolated instance without colliding with package-level state.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(PollCycles, TransportErrors, ConnectionLost, PowerLimitWrites)
	return r
}
