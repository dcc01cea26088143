package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the collectors of the process on a private registry. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	fetchRequests   *prometheus.CounterVec
	fetchRetries    *prometheus.CounterVec
	apiUsed         *prometheus.GaugeVec
	apiLimit        *prometheus.GaugeVec
	updateOutcomes  *prometheus.CounterVec
	updateDuration  prometheus.Histogram
	rebuildDuration prometheus.Histogram
	intervals       *prometheus.GaugeVec
}

// New creates a Recorder with Go and process collectors registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		fetchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvcast_fetch_requests_total",
			Help: "Total logical provider fetches by kind and resulting status.",
		}, []string{"kind", "status"}),
		fetchRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvcast_fetch_retries_total",
			Help: "Total provider request retries by reason.",
		}, []string{"reason"}),
		apiUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pvcast_api_used",
			Help: "Provider calls used today per API key.",
		}, []string{"api_key"}),
		apiLimit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pvcast_api_limit",
			Help: "Provider daily call limit per API key.",
		}, []string{"api_key"}),
		updateOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pvcast_update_outcomes_total",
			Help: "Total forecast updates by outcome.",
		}, []string{"outcome"}),
		updateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pvcast_update_duration_seconds",
			Help:    "Duration of forecast updates.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		rebuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pvcast_rebuild_duration_seconds",
			Help:    "Duration of aggregate rebuilds.",
			Buckets: prometheus.DefBuckets,
		}),
		intervals: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pvcast_cached_intervals",
			Help: "Cached raw intervals per site.",
		}, []string{"site"}),
	}
	registry.MustRegister(
		r.fetchRequests,
		r.fetchRetries,
		r.apiUsed,
		r.apiLimit,
		r.updateOutcomes,
		r.updateDuration,
		r.rebuildDuration,
		r.intervals,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) RecordFetch(kind, status string) {
	if r == nil {
		return
	}
	r.fetchRequests.WithLabelValues(kind, status).Inc()
}

func (r *Recorder) RecordRetry(reason string) {
	if r == nil {
		return
	}
	r.fetchRetries.WithLabelValues(reason).Inc()
}

// RecordUsage sets the usage gauges. apiKey must already be redacted.
func (r *Recorder) RecordUsage(apiKey string, used, limit int) {
	if r == nil {
		return
	}
	r.apiUsed.WithLabelValues(apiKey).Set(float64(used))
	r.apiLimit.WithLabelValues(apiKey).Set(float64(limit))
}

func (r *Recorder) RecordUpdate(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.updateOutcomes.WithLabelValues(outcome).Inc()
	r.updateDuration.Observe(d.Seconds())
}

func (r *Recorder) RecordRebuild(d time.Duration) {
	if r == nil {
		return
	}
	r.rebuildDuration.Observe(d.Seconds())
}

func (r *Recorder) RecordIntervals(site string, n int) {
	if r == nil {
		return
	}
	r.intervals.WithLabelValues(site).Set(float64(n))
}

// ForgetSite drops the gauges of a retired site.
func (r *Recorder) ForgetSite(site string) {
	if r == nil {
		return
	}
	r.intervals.DeleteLabelValues(site)
}
