// Package telemetry exposes Prometheus collectors for the signer service.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	signRequestsTotal       *prometheus.CounterVec
	signDurationSeconds     *prometheus.HistogramVec
	acquireWaitSeconds      prometheus.Histogram
	poolReadyContexts       prometheus.Gauge
	contextRetirementsTotal *prometheus.CounterVec
	scriptReloadsTotal      *prometheus.CounterVec
	httpRequestsTotal       *prometheus.CounterVec
	httpRequestDuration     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		signRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signd_sign_requests_total",
				Help: "Total signing requests, labeled by platform, entry point and outcome.",
			},
			[]string{"platform", "entry_point", "outcome"},
		)

		signDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signd_sign_duration_seconds",
				Help:    "Histogram of end-to-end sign latencies, labeled by entry point.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"entry_point"},
		)

		acquireWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "signd_pool_acquire_wait_seconds",
				Help:    "Histogram of time spent waiting for an idle sandbox context.",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
			},
		)

		poolReadyContexts = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "signd_pool_ready_contexts",
				Help: "Number of live sandbox contexts (idle or leased).",
			},
		)

		contextRetirementsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signd_context_retirements_total",
				Help: "Total sandbox context retirements, labeled by reason.",
			},
			[]string{"reason"},
		)

		scriptReloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signd_script_reloads_total",
				Help: "Total algorithm script update attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSign records one signing request.
func ObserveSign(platform, entryPoint, outcome string, duration time.Duration) {
	if signRequestsTotal == nil {
		return
	}
	if entryPoint == "" {
		entryPoint = "unknown"
	}
	signRequestsTotal.WithLabelValues(platform, entryPoint, outcome).Inc()
	signDurationSeconds.WithLabelValues(entryPoint).Observe(duration.Seconds())
}

// ObserveAcquireWait records how long a caller waited for a context.
func ObserveAcquireWait(duration time.Duration) {
	if acquireWaitSeconds == nil {
		return
	}
	acquireWaitSeconds.Observe(duration.Seconds())
}

// SetReadyContexts updates the live-context gauge.
func SetReadyContexts(n int) {
	if poolReadyContexts == nil {
		return
	}
	poolReadyContexts.Set(float64(n))
}

// ObserveRetirement counts a context retirement by reason.
func ObserveRetirement(reason string) {
	if contextRetirementsTotal == nil {
		return
	}
	contextRetirementsTotal.WithLabelValues(reason).Inc()
}

// ObserveScriptReload counts a script update attempt by outcome.
func ObserveScriptReload(outcome string) {
	if scriptReloadsTotal == nil {
		return
	}
	scriptReloadsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
