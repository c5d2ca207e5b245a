// Package metrics holds the Prometheus instruments shared by the cache, job,
// tenant, and HTTP layers. Everything is registered with the default
// registry, so mounting promhttp.Handler() is enough to expose them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Cache lookups answered from the store.",
		}, []string{"prefix"})

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Cache lookups that found nothing (including degraded reads).",
		}, []string{"prefix"})

	CacheComputes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_computes_total",
			Help: "Compute callbacks invoked by GetOrCompute.",
		}, []string{"prefix"})

	CacheStoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_store_errors_total",
			Help: "Errors talking to the key-value store, by operation.",
		}, []string{"op"})

	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Jobs accepted by Enqueue.",
		}, []string{"queue", "type"})

	JobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Job state transitions made by workers.",
		}, []string{"queue", "type", "status"})

	JobsNoHandler = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_no_handler_total",
			Help: "Jobs failed because no handler was registered for their type.",
		}, []string{"type"})

	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Handler wall-clock time.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 9),
		}, []string{"type"})

	JobTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_timeouts_total",
			Help: "Handlers stopped at their deadline.",
		}, []string{"type"})

	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Handlers currently running in this process.",
		})

	LeasesReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_leases_reclaimed_total",
			Help: "Expired leases returned to the ready index.",
		}, []string{"queue"})

	CrossTenantAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tenant_cross_access_attempts_total",
			Help: "Requests or records rejected for referencing another tenant.",
		})

	TenantLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenant_directory_lookups_total",
			Help: "Tenant directory lookups, by result (hit, load, error).",
		}, []string{"result"})

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"})

	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"})
)

func init() {
	prometheus.MustRegister(
		CacheHits,
		CacheMisses,
		CacheComputes,
		CacheStoreErrors,
		JobsEnqueued,
		JobsFinished,
		JobsNoHandler,
		JobDuration,
		JobTimeouts,
		JobsInFlight,
		LeasesReclaimed,
		CrossTenantAttempts,
		TenantLookups,
		HTTPRequests,
		HTTPDuration,
	)
}
