// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pairline"

// Metrics groups every collector the process exports.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	Matches           *prometheus.CounterVec
	Queued            *prometheus.CounterVec
	MessagesRelayed   prometheus.Counter
	RelayEnvelopes    *prometheus.CounterVec
	RateLimitDenials  *prometheus.CounterVec
	OperationErrors   *prometheus.CounterVec
	SinkOverflows     prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg leaves them
// unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently attached to this process.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Connections accepted by this process.",
		}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Pairings made by this process.",
		}, []string{"scope"}),
		Queued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queued_total",
			Help:      "Match intents that found no peer and were queued.",
		}, []string{"scope"}),
		MessagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_relayed_total",
			Help:      "Chat messages published to the relay.",
		}),
		RelayEnvelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_envelopes_total",
			Help:      "Envelopes read from the relay, by outcome.",
		}, []string{"outcome"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denials_total",
			Help:      "Requests denied by admission control.",
		}, []string{"rule"}),
		OperationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_errors_total",
			Help:      "Failed lifecycle operations by kind.",
		}, []string{"op", "kind"}),
		SinkOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_overflows_total",
			Help:      "Connections dropped because their outbound buffer filled.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionsActive,
			m.ConnectionsTotal,
			m.Matches,
			m.Queued,
			m.MessagesRelayed,
			m.RelayEnvelopes,
			m.RateLimitDenials,
			m.OperationErrors,
			m.SinkOverflows,
		)
	}
	return m
}
