// Package monitoring exposes Prometheus metrics for the gateway.
package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Proxy pipeline metrics
	ProxyRequestsTotal   *prometheus.CounterVec
	UpstreamLatency      *prometheus.HistogramVec
	RateLimitRejections  prometheus.Counter
	BillingDenials       prometheus.Counter
	AmountChargedTotal   prometheus.Counter

	// Settlement metrics
	SettlementBatchesTotal *prometheus.CounterVec
	SettlementAmountTotal  prometheus.Counter
	UnsettledEvents        prometheus.Gauge
}

var metrics *Metrics

// Init initializes all Prometheus metrics
func Init() *Metrics {
	if metrics != nil {
		return metrics
	}

	metrics = &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed",
			},
		),

		ProxyRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Total number of proxied requests by terminal outcome",
			},
			[]string{"api", "outcome"},
		),
		UpstreamLatency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "upstream_latency_seconds",
				Help:    "Upstream response latency in seconds",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"api"},
		),
		RateLimitRejections: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rate_limit_rejections_total",
				Help: "Total number of requests rejected by the rate limiter",
			},
		),
		BillingDenials: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "billing_denials_total",
				Help: "Total number of requests denied for insufficient balance",
			},
		),
		AmountChargedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "amount_charged_total",
				Help: "Total amount charged across all forwarded calls",
			},
		),

		SettlementBatchesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_batches_total",
				Help: "Total number of settlement batch runs",
			},
			[]string{"status"},
		),
		SettlementAmountTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "settlement_amount_total",
				Help: "Total amount paid out through settlements",
			},
		),
		UnsettledEvents: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "unsettled_events",
				Help: "Number of usage events awaiting settlement",
			},
		),
	}

	return metrics
}

// Get returns the global metrics instance
func Get() *Metrics {
	if metrics == nil {
		return Init()
	}
	return metrics
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinHandler returns a Gin-compatible handler for Prometheus metrics
func GinHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// MetricsMiddleware is a Gin middleware for collecting HTTP metrics
func MetricsMiddleware() gin.HandlerFunc {
	m := Get()
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// RecordProxyRequest records a proxied request's terminal outcome
func RecordProxyRequest(api, outcome string) {
	Get().ProxyRequestsTotal.WithLabelValues(api, outcome).Inc()
}

// RecordUpstreamLatency records the latency of one upstream call
func RecordUpstreamLatency(api string, duration time.Duration) {
	Get().UpstreamLatency.WithLabelValues(api).Observe(duration.Seconds())
}

// RecordRateLimitRejection records a rate-limited request
func RecordRateLimitRejection() {
	Get().RateLimitRejections.Inc()
}

// RecordBillingDenial records a request denied for insufficient balance
func RecordBillingDenial() {
	Get().BillingDenials.Inc()
}

// RecordCharge records an amount charged for a forwarded call
func RecordCharge(amount float64) {
	Get().AmountChargedTotal.Add(amount)
}

// RecordSettlementBatch records a settlement batch run
func RecordSettlementBatch(status string) {
	Get().SettlementBatchesTotal.WithLabelValues(status).Inc()
}

// RecordSettlementAmount records an amount paid out
func RecordSettlementAmount(amount float64) {
	Get().SettlementAmountTotal.Add(amount)
}

// SetUnsettledEvents sets the unsettled usage event gauge
func SetUnsettledEvents(n int) {
	Get().UnsettledEvents.Set(float64(n))
}
