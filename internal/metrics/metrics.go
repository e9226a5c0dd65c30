package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the send engine.
type Metrics struct {
	// Dispatch outcomes
	ItemsSentTotal    prometheus.Counter
	ItemsFailedTotal  *prometheus.CounterVec // error_type: transient_exhausted | permanent
	ItemsSkippedTotal prometheus.Counter
	ItemsRetriedTotal prometheus.Counter

	// Dispatch timing
	DispatchDurationSeconds prometheus.Histogram
	ThrottleWaitSeconds     prometheus.Histogram

	// Backlog gauges, refreshed by the collector
	ItemsPending  prometheus.Gauge
	ItemsInFlight prometheus.Gauge
	RunsActive    prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered on a
// private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ItemsSentTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dripflow_items_sent_total",
				Help: "Total number of successfully dispatched work items",
			},
		),
		ItemsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripflow_items_failed_total",
				Help: "Total number of work items that reached the failed state",
			},
			[]string{"error_type"},
		),
		ItemsSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dripflow_items_skipped_total",
				Help: "Total number of work items skipped by cancellation",
			},
		),
		ItemsRetriedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dripflow_items_retried_total",
				Help: "Total number of transient-error retry attempts",
			},
		),

		DispatchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dripflow_dispatch_duration_seconds",
				Help:    "Wall-clock time of a single transport send including retries",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ThrottleWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dripflow_throttle_wait_seconds",
				Help:    "Time a worker spent waiting on the throttle gate",
				Buckets: []float64{.001, .01, .1, .5, 1, 3, 10, 30, 60},
			},
		),

		ItemsPending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripflow_items_pending",
				Help: "Work items waiting for their target instant across active runs",
			},
		),
		ItemsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripflow_items_in_flight",
				Help: "Work items currently being dispatched",
			},
		),
		RunsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripflow_runs_active",
				Help: "Runs currently planning or running",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dripflow_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dripflow_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripflow_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dripflow_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.ItemsSentTotal,
		m.ItemsFailedTotal,
		m.ItemsSkippedTotal,
		m.ItemsRetriedTotal,
		m.DispatchDurationSeconds,
		m.ThrottleWaitSeconds,
		m.ItemsPending,
		m.ItemsInFlight,
		m.RunsActive,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the private registry for the metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// UpdateSystemGauges refreshes the process-level gauges.
func (m *Metrics) UpdateSystemGauges(uptimeSeconds float64) {
	m.UptimeSeconds.Set(uptimeSeconds)
	m.Goroutines.Set(float64(runtime.NumGoroutine()))
}
