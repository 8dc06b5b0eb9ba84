package connmgr

import (
	"github.com/ggoodman/mcp-bridge-go/connection"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	connections *prometheus.GaugeVec
	transitions *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mcp",
			Name:      "connections",
			Help:      "Remote server connections by state.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp",
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
	}
	if reg != nil {
		reg.MustRegister(m.connections, m.transitions)
	}
	return m
}

func (m *metrics) added(s connection.State) {
	m.connections.WithLabelValues(string(s)).Inc()
}

func (m *metrics) removed(s connection.State) {
	m.connections.WithLabelValues(string(s)).Dec()
}

func (m *metrics) transition(t connection.Transition) {
	m.connections.WithLabelValues(string(t.From)).Dec()
	m.connections.WithLabelValues(string(t.To)).Inc()
	m.transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
}
