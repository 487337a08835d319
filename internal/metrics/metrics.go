// Package metrics exposes the runtime's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the runtime-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "dispatch",
			Name:      "requests_total",
			Help:      "Total requests dispatched, by trigger kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nimbus",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Duration of request dispatch including lifecycle hooks.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind"},
	)

	eventRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "dispatch",
			Name:      "event_records_total",
			Help:      "Total event records processed, by outcome.",
		},
		[]string{"outcome"},
	)

	poolInstances = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "pool",
			Name:      "instances",
			Help:      "Current number of container instances in the pool.",
		},
	)

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nimbus",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nimbus",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests handled by the transport.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nimbus",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)
)

func init() {
	Registry.MustRegister(
		dispatchTotal,
		dispatchDuration,
		eventRecords,
		poolInstances,
		httpInFlight,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// ObserveDispatch records one dispatched request.
func ObserveDispatch(kind, outcome string, elapsed time.Duration) {
	dispatchTotal.WithLabelValues(kind, outcome).Inc()
	dispatchDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObserveEventRecord records one processed event record.
func ObserveEventRecord(outcome string) {
	eventRecords.WithLabelValues(outcome).Inc()
}

// SetPoolInstances tracks the pool size.
func SetPoolInstances(n int) {
	poolInstances.Set(float64(n))
}

// Handler returns an HTTP handler exposing the registered collectors.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with transport metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		next.ServeHTTP(rec, r)
		httpInFlight.Dec()

		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
