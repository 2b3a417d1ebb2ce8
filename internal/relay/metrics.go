package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered on a per-relay registry so several relays can live
// in one process.
type metrics struct {
	registry *prometheus.Registry

	accepted          prometheus.Counter
	closed            *prometheus.CounterVec
	frames            *prometheus.CounterVec
	frameBytes        *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	forwarded         *prometheus.CounterVec
	signatureFailures *prometheus.CounterVec
	participants      prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sigrelay",
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Connections admitted to the session.",
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigrelay",
			Subsystem: "connections",
			Name:      "closed_total",
			Help:      "Connections closed by the relay, by reason.",
		}, []string{"reason"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigrelay",
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Routed frames received, by type.",
		}, []string{"type"}),
		frameBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigrelay",
			Subsystem: "frames",
			Name:      "received_bytes_total",
			Help:      "Bytes of routed frames received, by type.",
		}, []string{"type"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigrelay",
			Subsystem: "frames",
			Name:      "dropped_total",
			Help:      "Frames read but not acted on, by reason.",
		}, []string{"reason"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigrelay",
			Subsystem: "frames",
			Name:      "forwarded_total",
			Help:      "Verified frames forwarded to a peer, by type.",
		}, []string{"type"}),
		signatureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sigrelay",
			Subsystem: "signatures",
			Name:      "invalid_total",
			Help:      "Frames rejected for an invalid signature, by type.",
		}, []string{"type"}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sigrelay",
			Name:      "participants",
			Help:      "Connections currently bound to an identity.",
		}),
	}

	m.registry.MustRegister(
		m.accepted,
		m.closed,
		m.frames,
		m.frameBytes,
		m.dropped,
		m.forwarded,
		m.signatureFailures,
		m.participants,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
