package handler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rejection reasons for inbound frames.
const (
	RejectRateLimited = "rate_limited"
	RejectMalformed   = "malformed"
	RejectUnknown     = "unknown"
	RejectNotMember   = "not_member"
)

// Metrics is the relay's Prometheus instrumentation. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections   prometheus.Gauge
	authFailures  prometheus.Counter
	framesIn      *prometheus.CounterVec
	framesRelayed *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	queueFull     prometheus.Counter
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_connections_active",
			Help: "Open authenticated sockets.",
		}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_auth_failures_total",
			Help: "Socket upgrades rejected for a bad token.",
		}),
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_received_total",
			Help: "Accepted client frames by type.",
		}, []string{"type"}),
		framesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_relayed_total",
			Help: "Frames queued to sockets by type.",
		}, []string{"type"}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_rejected_total",
			Help: "Client frames dropped by reason.",
		}, []string{"reason"}),
		queueFull: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_send_queue_full_total",
			Help: "Frames dropped because a socket's send queue was full.",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) connected(delta float64) {
	if m != nil {
		m.connections.Add(delta)
	}
}

func (m *Metrics) authFailed() {
	if m != nil {
		m.authFailures.Inc()
	}
}

func (m *Metrics) received(frameType string) {
	if m != nil {
		m.framesIn.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) relayed(frameType string, n int) {
	if m != nil && n > 0 {
		m.framesRelayed.WithLabelValues(frameType).Add(float64(n))
	}
}

func (m *Metrics) reject(reason string) {
	if m != nil {
		m.rejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.queueFull.Inc()
	}
}
