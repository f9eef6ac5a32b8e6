/*
Package metrics defines and registers omnipkgd's Prometheus instruments:
gauges and histograms for the Bubble Store, Activation Loader, Worker
Supervisor, and Metadata Cache, exposed via the standard /metrics HTTP
endpoint (promhttp.Handler).

All metrics are package-level variables registered once in init(); call
sites reach them directly (metrics.WorkerSpawnsTotal.WithLabelValues(...))
rather than through an injected collector. Collector exists only for the
gauges that reflect point-in-time state (bubble count, live worker
count) rather than per-event counters and histograms, which components
update inline as events occur.

# Usage

	timer := metrics.NewTimer()
	record, err := store.Build(ctx, spec)
	timer.ObserveDuration(metrics.BubbleBuildDuration)
	if err != nil {
		metrics.BubbleBuildsTotal.WithLabelValues("failure").Inc()
	} else {
		metrics.BubbleBuildsTotal.WithLabelValues("success").Inc()
	}
*/
package metrics
