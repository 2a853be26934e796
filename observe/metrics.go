package observe

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus vectors adapted from the teacher's metrics/metrics.go,
// driven by Record instead of being called ad hoc from middleware.
var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dito_http_requests_total",
			Help: "Total number of proxied requests, partitioned by listener, normalized path, and status code.",
		},
		[]string{"listener", "normalized_path", "status_code"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dito_http_request_duration_seconds",
			Help:    "Duration of proxied requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"listener", "normalized_path", "status_code"},
	)

	dataTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dito_data_transferred_bytes_total",
			Help: "Total bytes transferred, partitioned by direction.",
		},
		[]string{"direction"},
	)

	queueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dito_observer_queue_dropped_total",
			Help: "Records dropped because the observer queue was full.",
		},
	)

	sinkDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dito_observer_sink_dropped_total",
			Help: "Records dropped because the sink was unavailable and the pending flush batch hit its bound.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, dataTransferred, queueDropped, sinkDropped)
}

var numericSegment = regexp.MustCompile(`^\d+$`)

// NormalizePath collapses numeric path segments so routes with path
// parameters aggregate into one series, e.g. "/users/123" -> "/users/:id".
func NormalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if numericSegment.MatchString(seg) {
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}

func recordHTTPRequest(rec Record) {
	normalized := NormalizePath(rec.Path)
	status := strconv.Itoa(rec.Status)
	requestsTotal.WithLabelValues(rec.Listener, normalized, status).Inc()
	requestDuration.WithLabelValues(rec.Listener, normalized, status).Observe(rec.LatencyMs / 1000)
	dataTransferred.WithLabelValues("in").Add(float64(rec.BytesIn))
	dataTransferred.WithLabelValues("out").Add(float64(rec.BytesOut))
}

// ExposeMetricsHandler serves the registered collectors for Prometheus
// scraping, matching the teacher's ExposeMetricsHandler.
func ExposeMetricsHandler() http.Handler {
	return promhttp.Handler()
}
