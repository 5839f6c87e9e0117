// Package metrics exposes the server's prometheus collectors. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fcp"

type Metrics struct {
	registry *prometheus.Registry

	sessionsActive     prometheus.Gauge
	requestsRegistered *prometheus.CounterVec
	requestsFinished   *prometheus.CounterVec
	outboundDropped    prometheus.Counter
	syncSendsInflight  prometheus.Gauge
	pluginConnections  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live FCP sessions",
		}),
		requestsRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_registered_total",
			Help:      "Requests registered, by persistence class",
		}, []string{"persistence"}),
		requestsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Requests that reached a terminal state, by outcome",
		}, []string{"outcome"}),
		outboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_dropped_total",
			Help:      "Outbound messages dropped because a session queue was full",
		}),
		syncSendsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugin_sync_sends_inflight",
			Help:      "Plugin synchronous sends currently waiting for a reply",
		}),
		pluginConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "plugin_connections_tracked",
			Help:      "Intra-node plugin connections known to the tracker",
		}),
	}
	m.registry.MustRegister(
		m.sessionsActive,
		m.requestsRegistered,
		m.requestsFinished,
		m.outboundDropped,
		m.syncSendsInflight,
		m.pluginConnections,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) RequestRegistered(persistence string) {
	if m != nil {
		m.requestsRegistered.WithLabelValues(persistence).Inc()
	}
}

func (m *Metrics) RequestFinished(succeeded bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if succeeded {
		outcome = "success"
	}
	m.requestsFinished.WithLabelValues(outcome).Inc()
}

func (m *Metrics) OutboundDropped() {
	if m != nil {
		m.outboundDropped.Inc()
	}
}

func (m *Metrics) SyncSendStarted() {
	if m != nil {
		m.syncSendsInflight.Inc()
	}
}

func (m *Metrics) SyncSendDone() {
	if m != nil {
		m.syncSendsInflight.Dec()
	}
}

func (m *Metrics) SetPluginConnections(n int) {
	if m != nil {
		m.pluginConnections.Set(float64(n))
	}
}
