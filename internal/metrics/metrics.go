// Package metrics holds the Prometheus collectors shared by the server and
// client endpoints. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is one set of collectors bound to its own registry.
type Metrics struct {
	registry *prometheus.Registry

	connections prometheus.Gauge
	handshakes  *prometheus.CounterVec
	framesIn    *prometheus.CounterVec
	framesOut   *prometheus.CounterVec
	oversize    prometheus.Counter
	dropped     *prometheus.CounterVec
	lobbies     prometheus.Gauge
	sessions    prometheus.Gauge
	sequences   prometheus.Gauge
	pingRTT     prometheus.Histogram
}

// New creates collectors under namespace on a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of connections in the InServer state",
		}),
		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes by result",
		}, []string{"result"}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received by kind and transport",
		}, []string{"kind", "transport"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames sent by kind and transport",
		}, []string{"kind", "transport"}),
		oversize: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_oversize_total",
			Help:      "Datagrams rejected before send for exceeding the size budget",
		}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dropped_total",
			Help:      "Inbound commands discarded by reason",
		}, []string{"reason"}),
		lobbies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lobbies",
			Help:      "Number of lobbies",
		}),
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of sessions across all lobbies",
		}),
		sequences: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sequences_running",
			Help:      "Session sequences currently running",
		}),
		pingRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_rtt_seconds",
			Help:      "Round trip time of answered pings",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Handshake counts a handshake outcome such as "ok", "full" or "error".
func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) FrameReceived(kind, transport string) {
	if m != nil {
		m.framesIn.WithLabelValues(kind, transport).Inc()
	}
}

func (m *Metrics) FrameSent(kind, transport string) {
	if m != nil {
		m.framesOut.WithLabelValues(kind, transport).Inc()
	}
}

func (m *Metrics) DatagramOversize() {
	if m != nil {
		m.oversize.Inc()
	}
}

// CommandDropped counts an inbound command that was discarded.
func (m *Metrics) CommandDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) LobbyAdded() {
	if m != nil {
		m.lobbies.Inc()
	}
}

func (m *Metrics) SessionAdded() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SequenceStarted() {
	if m != nil {
		m.sequences.Inc()
	}
}

func (m *Metrics) SequenceDone() {
	if m != nil {
		m.sequences.Dec()
	}
}

func (m *Metrics) ObservePing(rtt time.Duration) {
	if m != nil {
		m.pingRTT.Observe(rtt.Seconds())
	}
}
