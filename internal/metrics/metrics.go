// Package metrics registers the Prometheus collectors exposed by the
// locker control plane: queue depth, hardware error rate, rate-limit
// rejections (registered by ratelimit itself), and circuit-breaker state.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandQueueDepth reports the number of pending commands per kiosk.
	CommandQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "locker",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of commands in a given status for a kiosk's queue",
		},
		[]string{"kiosk_id", "status"},
	)

	// HardwareOperations counts pulse attempts by outcome.
	HardwareOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locker",
			Subsystem: "hardware",
			Name:      "operations_total",
			Help:      "Total hardware pulse operations by outcome",
		},
		[]string{"kiosk_id", "outcome"},
	)

	// HardwarePulseDuration observes the wall-clock time of a pulse/retry sequence.
	HardwarePulseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "locker",
			Subsystem: "hardware",
			Name:      "pulse_duration_seconds",
			Help:      "Duration of a complete pulse sequence, including retries",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kiosk_id"},
	)

	// BroadcastSubscribers reports the connected subscriber count per topic.
	BroadcastSubscribers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "locker",
			Subsystem: "broadcast",
			Name:      "subscribers",
			Help:      "Current number of connected broadcast subscribers",
		},
		[]string{"topic"},
	)

	// LockerState reports the current state distribution per kiosk.
	LockerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "locker",
			Subsystem: "state",
			Name:      "lockers",
			Help:      "Number of lockers currently in a given state for a kiosk",
		},
		[]string{"kiosk_id", "status"},
	)

	// CircuitBreakerStatus reports the numeric state of a circuit breaker.
	CircuitBreakerStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "locker",
			Subsystem: "circuit_breaker",
			Name:      "status",
			Help:      "Circuit breaker status (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	// CircuitBreakerTrips counts transitions into the open state.
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "locker",
			Subsystem: "circuit_breaker",
			Name:      "trips_total",
			Help:      "Total circuit breaker trips into the open state",
		},
		[]string{"name", "reason"},
	)
)

// SetCircuitBreakerStatus sets the numeric circuit breaker state gauge.
func SetCircuitBreakerStatus(name string, status int) {
	CircuitBreakerStatus.WithLabelValues(name).Set(float64(status))
}

// RecordCircuitBreakerTrip increments the trip counter for a breaker.
func RecordCircuitBreakerTrip(name, reason string) {
	CircuitBreakerTrips.WithLabelValues(name, reason).Inc()
}
