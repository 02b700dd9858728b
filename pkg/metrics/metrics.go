// Package metrics exposes Prometheus instrumentation for the engine
// selection/fallback pipeline: circuit breaker state, rate-limit cooldowns,
// fallback depth, and per-engine request/token counters.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// circuitStateClosed/HalfOpen/Open are the circuit-state gauge values Grafana expects:
// 0=closed, 1=half-open, 2=open.
const (
	circuitStateClosed   = 0
	circuitStateHalfOpen = 1
	circuitStateOpen     = 2
)

// Recorder is the Prometheus-backed instrumentation surface for the engine
// pipeline.
type Recorder struct {
	registry          *prometheus.Registry
	circuitState      *prometheus.GaugeVec
	rateLimitCooldown *prometheus.GaugeVec
	fallbackDepth     prometheus.Histogram
	requestsTotal     *prometheus.CounterVec
	tokensTotal       *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
}

// Registry returns the Recorder's private registry, for callers that expose
// it over an HTTP /metrics endpoint via promhttp.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// NewRecorder builds a Recorder against its own private registry, so
// constructing more than one Recorder per process (e.g. one per test) never
// panics on a duplicate metric name the way registering against the global
// DefaultRegisterer would.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Recorder{
		registry: reg,
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "codemachine_circuit_state",
				Help: "Circuit breaker state per engine: 0=closed, 1=half-open, 2=open",
			},
			[]string{"engine_id"},
		),
		rateLimitCooldown: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "codemachine_rate_limit_cooldown_seconds",
				Help: "Seconds remaining until an engine's rate-limit cooldown expires",
			},
			[]string{"engine_id"},
		),
		fallbackDepth: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "codemachine_fallback_depth",
				Help:    "Number of candidates tried before a fallback run succeeded or exhausted",
				Buckets: prometheus.LinearBuckets(0, 1, 6),
			},
		),
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codemachine_engine_requests_total",
				Help: "Total engine invocations by engine and outcome",
			},
			[]string{"engine_id", "status"},
		),
		tokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "codemachine_engine_tokens_total",
				Help: "Total tokens consumed per engine, split by direction",
			},
			[]string{"engine_id", "direction"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "codemachine_engine_request_duration_seconds",
				Help:    "Duration of a single engine invocation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"engine_id"},
		),
	}
}

// SetCircuitState records engineID's current circuit breaker state.
func (r *Recorder) SetCircuitState(engineID string, closed, halfOpen, open bool) {
	switch {
	case open:
		r.circuitState.WithLabelValues(engineID).Set(circuitStateOpen)
	case halfOpen:
		r.circuitState.WithLabelValues(engineID).Set(circuitStateHalfOpen)
	case closed:
		r.circuitState.WithLabelValues(engineID).Set(circuitStateClosed)
	}
}

// SetRateLimitCooldown records the seconds remaining until engineID is
// available again (0 clears the gauge).
func (r *Recorder) SetRateLimitCooldown(engineID string, secondsRemaining float64) {
	r.rateLimitCooldown.WithLabelValues(engineID).Set(secondsRemaining)
}

// ObserveFallbackDepth records how many candidates a fallback run tried.
func (r *Recorder) ObserveFallbackDepth(depth int) {
	r.fallbackDepth.Observe(float64(depth))
}

// ObserveRequest records one engine invocation's outcome, duration, and
// token usage.
func (r *Recorder) ObserveRequest(engineID, status string, tokensIn, tokensOut int64, duration time.Duration) {
	r.requestsTotal.WithLabelValues(engineID, status).Inc()
	r.tokensTotal.WithLabelValues(engineID, "in").Add(float64(tokensIn))
	r.tokensTotal.WithLabelValues(engineID, "out").Add(float64(tokensOut))
	r.requestDuration.WithLabelValues(engineID).Observe(duration.Seconds())
}
