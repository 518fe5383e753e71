package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"remotecast/backend/internal/ratelimit"
)

const (
	metricsNamespace = "remotecast"
	metricsSubsystem = "api"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

// Metrics holds the Prometheus collectors for the HTTP API and the command channel.
// It satisfies interceptors.HTTPMetrics and channel.Metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	requestTotal    *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	rateLimitHits   *prometheus.CounterVec
	wsConnections   prometheus.Gauge
	channelMessages *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg. A nil reg uses a fresh registry. Collectors that
// are already registered are reused.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"}),
		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited attempts",
		}, []string{"scope"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "channel",
			Name:      "connections",
			Help:      "Open command channel connections",
		}),
		channelMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "channel",
			Name:      "messages_total",
			Help:      "Inbound command channel messages by type and outcome",
		}, []string{"type", "outcome"}),
	}

	for _, c := range []prometheus.Collector{m.requestTotal, m.requestLatency, m.rateLimitHits, m.wsConnections, m.channelMessages} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				continue
			}
			switch existing := are.ExistingCollector.(type) {
			case *prometheus.CounterVec:
				switch c {
				case m.requestTotal:
					m.requestTotal = existing
				case m.rateLimitHits:
					m.rateLimitHits = existing
				case m.channelMessages:
					m.channelMessages = existing
				}
			case *prometheus.HistogramVec:
				m.requestLatency = existing
			case prometheus.Gauge:
				m.wsConnections = existing
			}
		}
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	m.requestTotal.With(labels).Inc()
	m.requestLatency.With(labels).Observe(duration.Seconds())
}

// RateLimitHit counts one rejected attempt in scope (e.g. "pairing_issue", "pairing_complete").
func (m *Metrics) RateLimitHit(scope string) {
	m.rateLimitHits.WithLabelValues(scope).Inc()
}

func (m *Metrics) ConnectionOpened() { m.wsConnections.Inc() }

func (m *Metrics) ConnectionClosed() { m.wsConnections.Dec() }

func (m *Metrics) MessageHandled(msgType, outcome string) {
	m.channelMessages.WithLabelValues(msgType, outcome).Inc()
}

// InstrumentLimiter wraps l so every rejected attempt is counted under scope.
func (m *Metrics) InstrumentLimiter(l ratelimit.Limiter, scope string) ratelimit.Limiter {
	return &countingLimiter{Limiter: l, scope: scope, metrics: m}
}

type countingLimiter struct {
	ratelimit.Limiter
	scope   string
	metrics *Metrics
}

func (l *countingLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) ratelimit.Decision {
	d := l.Limiter.Allow(ctx, key, limit, window)
	if !d.Allowed {
		l.metrics.RateLimitHit(l.scope)
	}
	return d
}
