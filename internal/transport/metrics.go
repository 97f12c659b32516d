package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transport activity. A nil *Metrics is valid and records
// nothing, so tests and embedded uses can skip registration entirely.
type Metrics struct {
	requests   *prometheus.CounterVec
	retries    prometheus.Counter
	reconnects prometheus.Counter
	socketSent prometheus.Counter
	socketRecv prometheus.Counter
}

// NewMetrics creates and registers transport metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "providerkit_http_requests_total",
			Help: "Outbound HTTP requests by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "providerkit_http_retries_total",
			Help: "HTTP request retry attempts.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "providerkit_socket_reconnects_total",
			Help: "Socket reconnection attempts.",
		}),
		socketSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "providerkit_socket_messages_sent_total",
			Help: "Messages written to the shared socket.",
		}),
		socketRecv: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "providerkit_socket_messages_received_total",
			Help: "Messages read from the shared socket.",
		}),
	}
	reg.MustRegister(m.requests, m.retries, m.reconnects, m.socketSent, m.socketRecv)
	return m
}

func (m *Metrics) request(outcome string) {
	if m != nil {
		m.requests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) retry() {
	if m != nil {
		m.retries.Inc()
	}
}

func (m *Metrics) reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) sent() {
	if m != nil {
		m.socketSent.Inc()
	}
}

func (m *Metrics) received() {
	if m != nil {
		m.socketRecv.Inc()
	}
}
