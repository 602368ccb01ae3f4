package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// httpMetrics are the API's own collectors. They live on the registry the
// router serves from /metrics.
type httpMetrics struct {
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttled *prometheus.CounterVec
	streams   *prometheus.GaugeVec
	handler   http.Handler
}

func newHTTPMetrics(reg *prometheus.Registry) *httpMetrics {
	f := promauto.With(reg)
	labels := []string{"method", "route", "status"}
	return &httpMetrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockmgr",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Processed HTTP requests.",
		}, labels),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dockmgr",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "Handler latency.",
			Buckets:   latencyBuckets,
		}, labels),
		throttled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockmgr",
			Subsystem: "api",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate limit rule.",
		}, []string{"rule", "key"}),
		streams: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dockmgr",
			Subsystem: "api",
			Name:      "event_stream_clients",
			Help:      "Connected websocket and event-stream subscribers.",
		}, []string{"transport"}),
		handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}
}

func (m *httpMetrics) observe(method, route string, status int, took time.Duration) {
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route, code).Inc()
	m.latency.WithLabelValues(method, route, code).Observe(took.Seconds())
}

func (m *httpMetrics) rateLimited(rule, key string) {
	m.throttled.WithLabelValues(rule, key).Inc()
}

// stream counts a connected subscriber until the returned func runs.
func (m *httpMetrics) stream(transport string) func() {
	g := m.streams.WithLabelValues(transport)
	g.Inc()
	return g.Dec
}
