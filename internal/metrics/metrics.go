// Package metrics holds the Prometheus collectors of the palaver server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Connections       prometheus.Gauge
	Subscriptions     prometheus.Gauge
	Requests          *prometheus.CounterVec
	Events            prometheus.Counter
	AssistantRequests *prometheus.CounterVec
	Logins            *prometheus.CounterVec
}

// New registers the collectors on a fresh registry so that several servers
// can live in one process, as they do in tests.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palaver",
			Name:      "ws_connections",
			Help:      "Open websocket store connections.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "palaver",
			Name:      "ws_subscriptions",
			Help:      "Live path subscriptions held by websocket clients.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palaver",
			Name:      "store_requests_total",
			Help:      "Store requests received over websocket by operation and result.",
		}, []string{"op", "result"}),
		Events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palaver",
			Name:      "store_events_total",
			Help:      "Subscription events written to websocket clients.",
		}),
		AssistantRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palaver",
			Name:      "assistant_requests_total",
			Help:      "Assistant proxy requests by result.",
		}, []string{"result"}),
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palaver",
			Name:      "logins_total",
			Help:      "Login attempts by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Connections,
		m.Subscriptions,
		m.Requests,
		m.Events,
		m.AssistantRequests,
		m.Logins,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
