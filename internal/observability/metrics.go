// Package observability provides Prometheus metrics, OTLP tracing and the
// HTTP middleware that feeds both.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/felixgeelhaar/sandboxgate/internal/sandbox"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sandboxgate"

// Collector holds the gateway's Prometheus metrics on a private registry.
type Collector struct {
	Registry *prometheus.Registry

	SandboxCreatesTotal   *prometheus.CounterVec
	SandboxCreateDuration prometheus.Histogram
	CommandsTotal         *prometheus.CounterVec
	CommandDuration       *prometheus.HistogramVec
	PingsTotal            *prometheus.CounterVec
	PingDuration          prometheus.Histogram
	ProxyRequestsTotal    *prometheus.CounterVec
	ProxyRequestDuration  prometheus.Histogram
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestsInFlight  prometheus.Gauge
	ActiveSandboxStreams  prometheus.Gauge
}

// NewCollector registers every metric on a new registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,

		SandboxCreatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "creates_total",
			Help:      "Sandbox create attempts by final status.",
		}, []string{"status"}),

		SandboxCreateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "create_duration_seconds",
			Help:      "Time from create request to running or error.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),

		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "commands_total",
			Help:      "Commands and delegated operations run inside sandboxes.",
		}, []string{"op", "result"}),

		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "command_duration_seconds",
			Help:      "Duration of commands and delegated operations.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}, []string{"op"}),

		PingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "pings_total",
			Help:      "Liveness pings by outcome.",
		}, []string{"result"}),

		PingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "ping_duration_seconds",
			Help:      "Liveness ping round trip.",
			Buckets:   prometheus.DefBuckets,
		}),

		ProxyRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests forwarded to sandbox services by status code.",
		}, []string{"status_code"}),

		ProxyRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Upstream time for proxied requests.",
			Buckets:   prometheus.DefBuckets,
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Requests currently being served.",
		}),

		ActiveSandboxStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "command_streams_active",
			Help:      "Open command output streams.",
		}),
	}

	reg.MustRegister(
		c.SandboxCreatesTotal,
		c.SandboxCreateDuration,
		c.CommandsTotal,
		c.CommandDuration,
		c.PingsTotal,
		c.PingDuration,
		c.ProxyRequestsTotal,
		c.ProxyRequestDuration,
		c.HTTPRequestsTotal,
		c.HTTPRequestDuration,
		c.HTTPRequestsInFlight,
		c.ActiveSandboxStreams,
	)
	return c
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Registry, promhttp.HandlerOpts{Registry: c.Registry})
}

func (c *Collector) ObserveCreate(status sandbox.Status, d time.Duration) {
	c.SandboxCreatesTotal.WithLabelValues(string(status)).Inc()
	c.SandboxCreateDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveCommand(op string, success bool, d time.Duration) {
	c.CommandsTotal.WithLabelValues(op, result(success)).Inc()
	c.CommandDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) ObservePing(healthy bool, d time.Duration) {
	c.PingsTotal.WithLabelValues(result(healthy)).Inc()
	c.PingDuration.Observe(d.Seconds())
}

func (c *Collector) ObserveProxy(code int, d time.Duration) {
	c.ProxyRequestsTotal.WithLabelValues(statusCode(code)).Inc()
	c.ProxyRequestDuration.Observe(d.Seconds())
}

func (c *Collector) StreamActive(delta int) {
	c.ActiveSandboxStreams.Add(float64(delta))
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func statusCode(code int) string {
	return strconv.Itoa(code)
}

var _ sandbox.Recorder = (*Collector)(nil)
