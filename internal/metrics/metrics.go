// Package metrics collects internal instrumentation for the proxy's core
// components: circuit transitions, key/model in-flight gauges, queue depth,
// and AIMD adjustments. It deliberately registers against a private
// prometheus.Registry rather than the default one, since a Prometheus text
// exposition endpoint is a named Non-goal — these are consumed by tests and
// structured logs, never served over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmrelay"

// Registry is the private registry every metric below is registered
// against.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// KeyInFlight tracks the current in-flight count per key.
	KeyInFlight = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "key_in_flight",
		Help:      "Current number of outstanding acquires per key",
	}, []string{"key_id"})

	// CircuitState tracks each key's current circuit state as a gauge of
	// 0=closed, 1=half_open, 2=open.
	CircuitState = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_state",
		Help:      "Current circuit breaker state per key (0=closed 1=half_open 2=open)",
	}, []string{"key_id"})

	// CircuitTransitions counts every state transition.
	CircuitTransitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "circuit_transitions_total",
		Help:      "Total circuit breaker state transitions",
	}, []string{"key_id", "from", "to"})

	// ModelInFlight tracks in-flight count per model.
	ModelInFlight = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_in_flight",
		Help:      "Current number of outstanding reservations per model",
	}, []string{"model_id"})

	// ModelEffectiveMax tracks the AIMD-managed effective concurrency cap.
	ModelEffectiveMax = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "model_effective_max",
		Help:      "Current adaptive effective concurrency cap per model",
	}, []string{"model_id"})

	// AdaptiveAdjustments counts AIMD adjustments by direction.
	AdaptiveAdjustments = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "adaptive_adjustments_total",
		Help:      "Total AIMD adjustments applied or observed",
	}, []string{"model_id", "direction", "mode"})

	// QueueDepth tracks current backpressure queue depth.
	QueueDepth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Current backpressure queue depth",
	})

	// PoolCooldownActive is 1 while the pool-wide rate-limit coordinator is
	// in cooldown, 0 otherwise.
	PoolCooldownActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_cooldown_active",
		Help:      "1 while the pool is in a pool-wide 429 cooldown, 0 otherwise",
	})

	// RequestsTotal counts completed requests by final status and retry
	// outcome.
	RequestsTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "requests_total",
		Help:      "Total completed requests",
	}, []string{"tier", "model", "final_status", "success"})

	// AttemptDuration tracks per-attempt upstream latency.
	AttemptDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "attempt_duration_seconds",
		Help:      "Per-attempt upstream latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"model", "status_code"})
)

// CircuitStateValue maps a circuit state name to the gauge's numeric
// encoding.
func CircuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
