package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestCounter counts all HTTP requests with labels
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"service", "method", "path", "status"},
	)

	// RequestDurationHistogram records request duration in seconds
	RequestDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "method", "path", "status"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "r2o_webhook_events_total",
			Help: "ready2order webhook deliveries by outcome",
		},
		[]string{"outcome"},
	)

	StockDecrements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "r2o_stock_decrements_total",
			Help: "Inventory decrements applied from ready2order invoices",
		},
		[]string{"result"},
	)

	ProviderRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "r2o_provider_requests_total",
			Help: "Outbound ready2order API calls by operation and status class",
		},
		[]string{"operation", "status"},
	)

	RateLimitWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "r2o_rate_limit_wait_seconds",
			Help:    "Time outbound calls spent waiting for the provider request budget",
			Buckets: []float64{0, 0.01, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDurationHistogram,
			WebhookEvents,
			StockDecrements,
			ProviderRequests,
			RateLimitWait,
		)
	})
}

// StatusClass buckets an HTTP status into 2xx/4xx/5xx; 0 means transport error.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return strconv.Itoa(status/100) + "xx"
	}
}

// Middleware records request count and latency per route template.
func Middleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		RequestCounter.WithLabelValues(serviceName, c.Request.Method, path, status).Inc()
		RequestDurationHistogram.WithLabelValues(serviceName, c.Request.Method, path, status).Observe(time.Since(start).Seconds())
	}
}

// Handler exposes the Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
