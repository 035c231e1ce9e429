// Package metrics exposes broker activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the broker reports to. A nil *Collector is not a valid
// Recorder; use Nop when metrics are disabled.
type Recorder interface {
	RecordActivation(outcome string, duration time.Duration)
	RecordStepFailure(step string)
	RecordGrants(applied, alreadyGranted int)
	SetCachedHandles(n int)
}

// Collector is the Prometheus implementation of Recorder.
type Collector struct {
	activations    *prometheus.CounterVec
	stepFailures   *prometheus.CounterVec
	grants         *prometheus.CounterVec
	activationTime prometheus.Histogram
	cachedHandles  prometheus.Gauge
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopebroker_activations_total",
			Help: "Activate calls by outcome.",
		}, []string{"outcome"}),
		stepFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopebroker_step_failures_total",
			Help: "Activation failures by failing step.",
		}, []string{"step"}),
		grants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scopebroker_grants_total",
			Help: "Grants processed, split into newly applied and already held.",
		}, []string{"result"}),
		activationTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "scopebroker_activation_duration_seconds",
			Help:    "Wall time of Activate calls, including time waiting on the per-user lock.",
			Buckets: prometheus.DefBuckets,
		}),
		cachedHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scopebroker_cached_handles",
			Help: "Users with a handle in the session cache.",
		}),
	}

	reg.MustRegister(
		c.activations,
		c.stepFailures,
		c.grants,
		c.activationTime,
		c.cachedHandles,
	)

	return c
}

func (c *Collector) RecordActivation(outcome string, duration time.Duration) {
	c.activations.WithLabelValues(outcome).Inc()
	c.activationTime.Observe(duration.Seconds())
}

func (c *Collector) RecordStepFailure(step string) {
	c.stepFailures.WithLabelValues(step).Inc()
}

func (c *Collector) RecordGrants(applied, alreadyGranted int) {
	c.grants.WithLabelValues("applied").Add(float64(applied))
	c.grants.WithLabelValues("already_granted").Add(float64(alreadyGranted))
}

func (c *Collector) SetCachedHandles(n int) {
	c.cachedHandles.Set(float64(n))
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordActivation(string, time.Duration) {}
func (Nop) RecordStepFailure(string) {}
func (Nop) RecordGrants(int, int) {}
func (Nop) SetCachedHandles(int) {}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// NewMux serves /metrics.
func NewMux(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
