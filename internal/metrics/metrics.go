package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for tppx.
type Collector struct {
	Registry *prometheus.Registry

	poolTotal     prometheus.Gauge
	poolInUse     prometheus.Gauge
	poolAvailable prometheus.Gauge
	poolWaiting   prometheus.Gauge

	acquireWaitDuration prometheus.Histogram
	loginDuration       prometheus.Histogram

	refreshAttemptsTotal *prometheus.CounterVec
	invalidationsTotal   prometheus.Counter
	upstreamErrorsTotal  *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics using a fresh registry.
// Safe to call multiple times — each call creates an independent registry
// that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		poolTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tppx_pool_total",
			Help: "Configured pool capacity.",
		}),
		poolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tppx_pool_in_use",
			Help: "Number of slots currently leased.",
		}),
		poolAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tppx_pool_available",
			Help: "Number of slots currently free.",
		}),
		poolWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tppx_pool_waiting",
			Help: "Number of goroutines blocked in Acquire.",
		}),
		acquireWaitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tppx_acquire_wait_duration_seconds",
			Help:    "Time spent blocked waiting for a pool slot.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		loginDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tppx_login_duration_seconds",
			Help:    "Duration of an upstream login round-trip.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		refreshAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tppx_refresh_attempts_total",
			Help: "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		invalidationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tppx_token_invalidations_total",
			Help: "Slots marked invalid by the datapath after a 401.",
		}),
		upstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tppx_upstream_errors_total",
			Help: "Proxied requests that ended in an upstream error, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		c.poolTotal,
		c.poolInUse,
		c.poolAvailable,
		c.poolWaiting,
		c.acquireWaitDuration,
		c.loginDuration,
		c.refreshAttemptsTotal,
		c.invalidationsTotal,
		c.upstreamErrorsTotal,
	)

	return c
}

// UpdatePoolStats refreshes the pool gauges from a snapshot's numbers.
func (c *Collector) UpdatePoolStats(total, inUse, available, waiting int) {
	c.poolTotal.Set(float64(total))
	c.poolInUse.Set(float64(inUse))
	c.poolAvailable.Set(float64(available))
	c.poolWaiting.Set(float64(waiting))
}

// AcquireWaitDuration observes the time a caller spent blocked in Acquire.
func (c *Collector) AcquireWaitDuration(d time.Duration) {
	c.acquireWaitDuration.Observe(d.Seconds())
}

// LoginDuration observes the time an upstream login round-trip took.
func (c *Collector) LoginDuration(d time.Duration) {
	c.loginDuration.Observe(d.Seconds())
}

// RefreshSucceeded records a successful background token refresh.
func (c *Collector) RefreshSucceeded() {
	c.refreshAttemptsTotal.WithLabelValues("success").Inc()
}

// RefreshFailed records a failed background token refresh.
func (c *Collector) RefreshFailed() {
	c.refreshAttemptsTotal.WithLabelValues("failure").Inc()
}

// Invalidated records the datapath marking a slot invalid after a 401.
func (c *Collector) Invalidated() {
	c.invalidationsTotal.Inc()
}

// UpstreamUnauthorized records a 401 response observed from upstream.
func (c *Collector) UpstreamUnauthorized() {
	c.upstreamErrorsTotal.WithLabelValues("unauthorized").Inc()
}

// UpstreamError records a transport-level error talking to upstream (dial
// failure, timeout, reset).
func (c *Collector) UpstreamError() {
	c.upstreamErrorsTotal.WithLabelValues("transport").Inc()
}
