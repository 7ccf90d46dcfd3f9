// Package metrics holds the Prometheus collectors for the recommendation
// pipeline. Collectors register on the default registry at init; the HTTP
// layer exposes them on /metrics.
//
// Usage:
//
//	metrics.RecordGitHubRequest("starred", "ok")
//	metrics.RecordJob("generate", "completed", time.Since(start))
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GitHub client

	// GitHubRequestsTotal counts remote calls by endpoint and outcome.
	GitHubRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starminer_github_requests_total",
			Help: "Total number of GitHub API calls",
		},
		[]string{"endpoint", "outcome"},
	)

	// GitHubCacheLookupsTotal counts cache lookups by endpoint and result.
	GitHubCacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starminer_github_cache_lookups_total",
			Help: "Total number of GitHub response cache lookups",
		},
		[]string{"endpoint", "result"},
	)

	// GitHubRateLimitRemaining is the last observed core quota.
	GitHubRateLimitRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "starminer_github_rate_limit_remaining",
			Help: "Last observed remaining GitHub core quota",
		},
	)

	// GitHubRateLimitWaitSeconds tracks time spent blocked on an exhausted quota.
	GitHubRateLimitWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "starminer_github_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the GitHub rate limit to reset",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 3600},
		},
	)

	// LLM

	// LLMCallsTotal counts completion calls by provider and outcome.
	LLMCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starminer_llm_calls_total",
			Help: "Total number of LLM completion calls",
		},
		[]string{"provider", "outcome"},
	)

	// LLMCallDuration tracks completion latency.
	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "starminer_llm_call_duration_seconds",
			Help:    "Duration of LLM completion calls in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		},
		[]string{"provider"},
	)

	// CandidatesScoredTotal counts per-candidate scoring results.
	CandidatesScoredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starminer_candidates_scored_total",
			Help: "Total number of scored candidates by result",
		},
		[]string{"result"},
	)

	// Jobs

	// JobsTotal counts finished jobs by kind and final status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starminer_jobs_total",
			Help: "Total number of finished jobs",
		},
		[]string{"kind", "status"},
	)

	// JobDuration tracks wall time of finished jobs.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "starminer_job_duration_seconds",
			Help:    "Duration of sync and generate jobs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"kind"},
	)

	// JobsRunning is the number of jobs currently in progress.
	JobsRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "starminer_jobs_running",
			Help: "Number of jobs currently in progress",
		},
	)

	// JobConflictsTotal counts triggers rejected because a job was already running.
	JobConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starminer_job_conflicts_total",
			Help: "Total number of job triggers rejected as already running",
		},
		[]string{"kind"},
	)

	// HTTP API

	// HTTPRequestsTotal counts API requests by route pattern, method and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "starminer_http_requests_total",
			Help: "Total number of HTTP API requests",
		},
		[]string{"route", "method", "status"},
	)

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "starminer_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

// RecordGitHubRequest records one remote call.
func RecordGitHubRequest(endpoint, outcome string) {
	GitHubRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordCacheLookup records a cache hit or miss.
func RecordCacheLookup(endpoint string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	GitHubCacheLookupsTotal.WithLabelValues(endpoint, result).Inc()
}

// RecordLLMCall records one completion call.
func RecordLLMCall(provider string, err error, d time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LLMCallsTotal.WithLabelValues(provider, outcome).Inc()
	LLMCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordJob records a finished job.
func RecordJob(kind, status string, d time.Duration) {
	JobsTotal.WithLabelValues(kind, status).Inc()
	JobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// RecordHTTPRequest records one served API request.
func RecordHTTPRequest(route, method string, status int, d time.Duration) {
	HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(d.Seconds())
}
