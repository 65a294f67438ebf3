package relay

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "ts3relay"

type metrics struct {
	received *prometheus.CounterVec
	relayed  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	sessions prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		received: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "notifications",
				Name:      "received_total",
				Help:      "Notifications received from the query server.",
			},
			[]string{"kind"},
		),
		relayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "notifications",
				Name:      "relayed_total",
				Help:      "Notifications queued for an event stream session.",
			},
			[]string{"kind"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "notifications",
				Name:      "dropped_total",
				Help:      "Notifications dropped because a session was not keeping up.",
			},
			[]string{"kind"},
		),
		sessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "sse",
				Name:      "sessions",
				Help:      "Open event stream sessions.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.received, m.relayed, m.dropped, m.sessions)
	}
	return m
}
