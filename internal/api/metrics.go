package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "healthpassport_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "healthpassport_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	passportsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "healthpassport_passports_total",
		Help: "Number of minted passports.",
	})

	entriesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "healthpassport_entries_total",
		Help: "Number of catalog entries across all passports.",
	})

	blobBytesStored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "healthpassport_blob_bytes_stored_total",
		Help: "Ciphertext bytes accepted by the blob endpoint.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, passportsTotal, entriesTotal, blobBytesStored)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}
