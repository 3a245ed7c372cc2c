package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the engine's prometheus collectors.
type Metrics struct {
	Tasks                 *prometheus.CounterVec
	Handshakes            *prometheus.CounterVec
	BundlesSubmitted      prometheus.Counter
	TransfersAborted      *prometheus.CounterVec
	PredictabilityEntries prometheus.Gauge
	PendingPeers          prometheus.Gauge
	Retransmissions       prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg gets a private
// registry so several engines can coexist in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtn",
			Subsystem: "routing",
			Name:      "tasks_total",
			Help:      "Tasks executed by the routing worker.",
		}, []string{"kind"}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtn",
			Subsystem: "routing",
			Name:      "handshakes_total",
			Help:      "Handshake messages by direction and outcome.",
		}, []string{"direction", "outcome"}),
		BundlesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dtn",
			Subsystem: "routing",
			Name:      "bundles_submitted_total",
			Help:      "Bundles handed to the transfer sink.",
		}),
		TransfersAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dtn",
			Subsystem: "routing",
			Name:      "transfers_aborted_total",
			Help:      "Transfers given up by the routing core.",
		}, []string{"reason"}),
		PredictabilityEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtn",
			Subsystem: "routing",
			Name:      "predictability_entries",
			Help:      "Entries in the local delivery predictability map.",
		}),
		PendingPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtn",
			Subsystem: "routing",
			Name:      "pending_peers",
			Help:      "Neighbors waiting for a free transfer slot.",
		}),
		Retransmissions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dtn",
			Subsystem: "routing",
			Name:      "retransmissions",
			Help:      "Transfers awaiting a retry.",
		}),
	}
	reg.MustRegister(
		m.Tasks,
		m.Handshakes,
		m.BundlesSubmitted,
		m.TransfersAborted,
		m.PredictabilityEntries,
		m.PendingPeers,
		m.Retransmissions,
	)
	return m
}
