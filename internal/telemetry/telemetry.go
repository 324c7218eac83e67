package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors exposed on /metrics. Each instance
// owns its registry so several servers (and tests) can coexist in a process.
type Metrics struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec

	conversationsUploaded prometheus.Counter
	messagesUploaded      prometheus.Counter
	deletions             *prometheus.CounterVec
	logins                *prometheus.CounterVec
	wsClients             prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talka_http_requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "talka_http_request_duration_seconds",
			Help:    "HTTP request latency by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		conversationsUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talka_conversations_uploaded_total",
			Help: "Conversations stored through uploads and imports.",
		}),
		messagesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "talka_messages_uploaded_total",
			Help: "Messages stored through uploads and imports.",
		}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talka_deletions_total",
			Help: "Archive deletions by kind (conversation, message, clear, user).",
		}, []string{"kind"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "talka_login_attempts_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "talka_websocket_clients",
			Help: "Connected websocket clients.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.duration,
		m.conversationsUploaded,
		m.messagesUploaded,
		m.deletions,
		m.logins,
		m.wsClients,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records count and latency per matched route. Unmatched requests
// are labelled "unmatched" to keep label cardinality bounded.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.requests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ObserveUpload(conversations, messages int) {
	m.conversationsUploaded.Add(float64(conversations))
	m.messagesUploaded.Add(float64(messages))
}

func (m *Metrics) ObserveDeletion(kind string) {
	m.deletions.WithLabelValues(kind).Inc()
}

func (m *Metrics) ObserveLogin(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) SetWebSocketClients(n int) {
	m.wsClients.Set(float64(n))
}
