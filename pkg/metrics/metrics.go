// Package metrics instruments orchestrator internals with Prometheus
// collectors. Nothing here is exposed over HTTP: there is no /metrics
// route and no promhttp.Handler wiring. Components record observations so
// the Timer pattern stays available to an embedder that wants to add a
// scrape endpoint later, without the orchestrator itself exporting one.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	InstancesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "faas_instances_total",
			Help: "Current number of live instances by function and execution mode",
		},
		[]string{"function", "mode"},
	)

	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faas_invocations_total",
			Help: "Total number of invocations by function and outcome",
		},
		[]string{"function", "outcome"},
	)

	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faas_invocation_duration_seconds",
			Help:    "End-to-end invocation latency in seconds, including cold start",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	ColdStartDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "faas_cold_start_duration_seconds",
			Help:    "Time from instance creation to first healthy probe",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"function", "mode"},
	)

	ScaleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faas_scale_events_total",
			Help: "Total number of autoscaler scale events by function and direction",
		},
		[]string{"function", "direction"},
	)

	ReapedInstancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "faas_reaped_instances_total",
			Help: "Total number of instances removed by the reaper, by reason",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(InstancesTotal)
	prometheus.MustRegister(InvocationsTotal)
	prometheus.MustRegister(InvocationDuration)
	prometheus.MustRegister(ColdStartDuration)
	prometheus.MustRegister(ScaleEventsTotal)
	prometheus.MustRegister(ReapedInstancesTotal)
}

// Timer measures elapsed wall time against a histogram, grounded on the
// same start/stop shape used throughout the orchestrator for dispatch and
// cold-start timing.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records elapsed time on a plain histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records elapsed time on a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
