// Package metrics exposes the prometheus collectors shared by the service components.
// Every method tolerates a nil receiver so components can run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "homestead"

// Metrics groups the collectors recorded by the role machine, guards and workflows.
type Metrics struct {
	gatherer prometheus.Gatherer

	roleResolutions  *prometheus.CounterVec
	staleResolutions prometheus.Counter
	guardDecisions   *prometheus.CounterVec
	upgradeRequests  *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() (*Metrics, error) {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		gatherer: registry,
		roleResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_resolutions_total",
			Help:      "Role resolutions by outcome",
		}, []string{"outcome"}),
		staleResolutions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_resolutions_stale_total",
			Help:      "Profile fetches discarded because a newer identity event superseded them",
		}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Route guard decisions by guard and decision",
		}, []string{"guard", "decision"}),
		upgradeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upgrade_requests_total",
			Help:      "Upgrade request operations by operation and result",
		}, []string{"operation", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by document kind and result",
		}, []string{"kind", "result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Application sessions currently held by the registry",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}

	registered := []prometheus.Collector{
		m.roleResolutions,
		m.staleResolutions,
		m.guardDecisions,
		m.upgradeRequests,
		m.notifications,
		m.activeSessions,
		m.httpRequests,
		m.httpDuration,
		collectors.NewGoCollector(),
	}
	for _, collector := range registered {
		if err := registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler returns the /metrics handler.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.gatherer
}

func (m *Metrics) RoleResolved(outcome string) {
	if m == nil {
		return
	}
	m.roleResolutions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RoleResolutionDiscarded() {
	if m == nil {
		return
	}
	m.staleResolutions.Inc()
}

func (m *Metrics) GuardDecision(guard, decision string) {
	if m == nil {
		return
	}
	m.guardDecisions.WithLabelValues(guard, decision).Inc()
}

func (m *Metrics) UpgradeRequest(operation, result string) {
	if m == nil {
		return
	}
	m.upgradeRequests.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) Notification(kind, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// ObserveHTTP records a finished request.
func (m *Metrics) ObserveHTTP(method, path, status string, seconds float64) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, status).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(seconds)
}
