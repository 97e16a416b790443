// Package metrics exposes Prometheus collectors for the fetch worker.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome statuses recorded by ObserveOutcome.
const (
	OutcomeParsed      = "parsed"
	OutcomeFetchFailed = "fetch_failed"
	OutcomeParseFailed = "parse_failed"
)

var (
	jobsAdmittedTotal          prometheus.Counter
	duplicatesRejectedTotal    prometheus.Counter
	outcomesTotal              *prometheus.CounterVec
	settlementsTotal           *prometheus.CounterVec
	workerRestartsTotal        prometheus.Counter
	outcomesDroppedTotal       prometheus.Counter
	inFlightJobs               prometheus.Gauge
	liveWorkers                prometheus.Gauge
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Collectors are registered on import so the Observe helpers are safe to call
// from any package without explicit setup.
func init() {
	Init()
}

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fetchworker_jobs_admitted_total",
			Help: "Jobs admitted into the worker pool.",
		})
		duplicatesRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fetchworker_duplicates_rejected_total",
			Help: "Deliveries rejected because the same link was already in flight.",
		})
		outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchworker_outcomes_total",
			Help: "Drained fetch outcomes, labeled by result status.",
		}, []string{"status"})
		settlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "fetchworker_settlements_total",
			Help: "Broker acknowledge/reject calls, labeled by action.",
		}, []string{"action"})
		workerRestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fetchworker_worker_restarts_total",
			Help: "Dead fetch workers replaced by the health check.",
		})
		outcomesDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "fetchworker_outcomes_dropped_total",
			Help: "Fetch outcomes dropped because the output queue was full.",
		})
		inFlightJobs = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fetchworker_in_flight_jobs",
			Help: "Jobs admitted but not yet acknowledged or rejected.",
		})
		liveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "fetchworker_live_workers",
			Help: "Fetch workers alive after the last health check.",
		})
		fetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchworker_fetch_duration_seconds",
			Help:    "Feed fetch latency, labeled by site and HTTP status class.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"site", "status"})
		rateLimitDelaysSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fetchworker_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		}, []string{"method", "code"})
		httpRequestDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"method", "route"})
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmission counts a job entering the worker pool.
func ObserveAdmission() {
	jobsAdmittedTotal.Inc()
}

// ObserveDuplicate counts a duplicate delivery rejected at admission.
func ObserveDuplicate() {
	duplicatesRejectedTotal.Inc()
}

// ObserveOutcome counts a drained outcome by status.
func ObserveOutcome(status string) {
	outcomesTotal.WithLabelValues(status).Inc()
}

// ObserveAck counts an acknowledge call.
func ObserveAck() {
	settlementsTotal.WithLabelValues("ack").Inc()
}

// ObserveReject counts a reject call.
func ObserveReject() {
	settlementsTotal.WithLabelValues("reject").Inc()
}

// ObserveWorkerRestart counts a replaced worker.
func ObserveWorkerRestart() {
	workerRestartsTotal.Inc()
}

// ObserveDroppedOutcome counts an outcome shed on a full output queue.
func ObserveDroppedOutcome() {
	outcomesDroppedTotal.Inc()
}

// SetInFlight records the in-flight index size.
func SetInFlight(n int) {
	inFlightJobs.Set(float64(n))
}

// SetLiveWorkers records the number of live workers.
func SetLiveWorkers(n int) {
	liveWorkers.Set(float64(n))
}

// ObserveFetch records one fetch attempt. A zero code means a transport error.
func ObserveFetch(site string, code int, duration time.Duration) {
	status := "error"
	if code > 0 {
		status = strconv.Itoa(code/100) + "xx"
	}
	fetchDurationSeconds.WithLabelValues(SanitizeSite(site), status).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
