package cqs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the driver's operational counters. A nil *Metrics is
// valid everywhere and records nothing, so tests can build components
// without a registry.
type Metrics struct {
	requests           prometheus.Counter
	retries            prometheus.Counter
	timeouts           prometheus.Counter
	protocolViolations prometheus.Counter
	openConnections    prometheus.Gauge
	trashedConnections prometheus.Gauge
}

// NewMetrics registers the driver collectors. A nil registerer gets a
// private registry so construction never fails on double registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {

	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		requests: factory.NewCounter(prometheus.CounterOpts{
			Name: "cqlsession_requests_total",
			Help: "Requests dispatched by the session.",
		}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Name: "cqlsession_retries_total",
			Help: "Request attempts beyond the first.",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "cqlsession_timeouts_total",
			Help: "Pending requests expired by deadline.",
		}),
		protocolViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "cqlsession_protocol_violations_total",
			Help: "Stale, duplicate or undecodable frames.",
		}),
		openConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cqlsession_open_connections",
			Help: "Active pooled connections across all hosts.",
		}),
		trashedConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cqlsession_trashed_connections",
			Help: "Connections quarantined in trashcans.",
		}),
	}
}

func (m *Metrics) request() {
	if m != nil {
		m.requests.Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}

func (m *Metrics) protocolViolation() {
	if m != nil {
		m.protocolViolations.Inc()
	}
}

func (m *Metrics) connOpened() {
	if m != nil {
		m.openConnections.Inc()
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.openConnections.Dec()
	}
}

func (m *Metrics) connTrashed() {
	if m != nil {
		m.trashedConnections.Inc()
	}
}

func (m *Metrics) connUntrashed() {
	if m != nil {
		m.trashedConnections.Dec()
	}
}
