package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bubble Store metrics

	BubblesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "omnipkgd_bubbles_total",
			Help: "Total number of built bubbles known to the Metadata Cache",
		},
	)

	BubbleBuildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnipkgd_bubble_builds_total",
			Help: "Total bubble build attempts by outcome",
		},
		[]string{"outcome"}, // "success" or "failure"
	)

	BubbleBuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omnipkgd_bubble_build_duration_seconds",
			Help:    "Bubble build duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	BubbleVerifyFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "omnipkgd_bubble_verify_failures_total",
			Help: "Total bubble verify calls that reported a corrupt manifest",
		},
	)

	// Activation Loader metrics

	ActivationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnipkgd_activations_total",
			Help: "Total activation scope attempts by outcome",
		},
		[]string{"outcome"}, // "active", "rollback", "corrupt"
	)

	ActivationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "omnipkgd_activation_duration_seconds",
			Help:    "Time from Activate call to reaching ACTIVE or failing",
			Buckets: prometheus.DefBuckets,
		},
	)

	CloakedEntriesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "omnipkgd_cloaked_entries_active",
			Help: "Number of main-environment entries currently cloaked across all open scopes",
		},
	)

	// Worker Supervisor metrics

	WorkersActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "omnipkgd_workers_active",
			Help: "Number of live workers by variant",
		},
		[]string{"variant"}, // "process" or "fake"
	)

	WorkerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnipkgd_worker_spawns_total",
			Help: "Total worker spawn attempts by outcome",
		},
		[]string{"outcome"}, // "success", "launch_failed" (a handshake timeout counts as launch_failed)
	)

	WorkerEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnipkgd_worker_evictions_total",
			Help: "Total worker evictions by reason",
		},
		[]string{"reason"}, // "idle", "died", "bubble_deleted", "shutdown"
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omnipkgd_dispatch_duration_seconds",
			Help:    "Supervisor Dispatch call duration by request type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"request_type"},
	)

	// Metadata Cache metrics

	CacheOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnipkgd_cache_ops_total",
			Help: "Total Metadata Cache operations by operation and outcome",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		BubblesTotal,
		BubbleBuildsTotal,
		BubbleBuildDuration,
		BubbleVerifyFailuresTotal,
		ActivationsTotal,
		ActivationDuration,
		CloakedEntriesActive,
		WorkersActive,
		WorkerSpawnsTotal,
		WorkerEvictionsTotal,
		DispatchDuration,
		CacheOpsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations and recording the elapsed
// duration to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
