package streaminghttp

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	sessions prometheus.Gauge
	streams  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Name:      "sessions_active",
			Help:      "Initialized MCP sessions hosted by this process.",
		}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcp",
			Name:      "sse_streams_active",
			Help:      "Open server-sent event streams.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sessions, m.streams)
	}
	return m
}
