package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiro_gateway_http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiro_gateway_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiro_gateway_active_streams",
			Help: "Number of SSE streams currently open",
		},
	)

	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiro_gateway_upstream_requests_total",
			Help: "Upstream calls grouped by outcome",
		},
		[]string{"outcome"},
	)

	credentialsAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiro_gateway_credentials_available",
			Help: "Available credentials per pool",
		},
		[]string{"pool"},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeStreams,
		upstreamRequestsTotal,
		credentialsAvailable,
	)
}

// Metrics records request counts and latencies per route.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDurationSeconds.WithLabelValues(
			c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// StreamOpened increments the live SSE gauge.
func StreamOpened() { activeStreams.Inc() }

// StreamClosed decrements the live SSE gauge.
func StreamClosed() { activeStreams.Dec() }

// RecordUpstream counts one upstream call outcome (success, error,
// quota_exhausted, retry).
func RecordUpstream(outcome string) {
	upstreamRequestsTotal.WithLabelValues(outcome).Inc()
}

// SetCredentialsAvailable updates the per-pool availability gauge.
func SetCredentialsAvailable(pool string, available int) {
	credentialsAvailable.WithLabelValues(pool).Set(float64(available))
}
