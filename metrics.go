package peerrpc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors peers report to. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	DecodeFailures   *prometheus.CounterVec
	Inflight         *prometheus.GaugeVec
}

// NewMetrics creates the peer collectors and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc",
			Name:      "messages_sent_total",
			Help:      "Messages sent on channels, by peer role and message kind.",
		}, []string{"role", "kind"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc",
			Name:      "messages_received_total",
			Help:      "Messages decoded from channels, by peer role and message kind.",
		}, []string{"role", "kind"}),
		DecodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "peerrpc",
			Name:      "decode_failures_total",
			Help:      "Inbound messages dropped because they could not be decoded.",
		}, []string{"role"}),
		Inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "peerrpc",
			Name:      "inflight_exchanges",
			Help:      "Exchanges currently tracked by peers.",
		}, []string{"role"}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesSent, m.MessagesReceived, m.DecodeFailures, m.Inflight)
	}
	return m
}

func (m *Metrics) sent(role string, kind MessageKind) {
	if m != nil {
		m.MessagesSent.WithLabelValues(role, kind.String()).Inc()
	}
}

func (m *Metrics) received(role string, kind MessageKind) {
	if m != nil {
		m.MessagesReceived.WithLabelValues(role, kind.String()).Inc()
	}
}

func (m *Metrics) decodeFailed(role string) {
	if m != nil {
		m.DecodeFailures.WithLabelValues(role).Inc()
	}
}

func (m *Metrics) inflight(role string, delta float64) {
	if m != nil {
		m.Inflight.WithLabelValues(role).Add(delta)
	}
}
