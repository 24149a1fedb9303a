package server

import (
	"errors"

	"github.com/opd-ai/communic8/fsm"
	"github.com/opd-ai/communic8/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the server's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	Connections prometheus.Gauge
	Users       prometheus.Gauge
	Messages    *prometheus.CounterVec
	Errors      *prometheus.CounterVec
	Chats       prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "communic8_connections",
			Help: "Number of open client connections",
		}),
		Users: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "communic8_logged_in_users",
			Help: "Number of logged in users",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "communic8_messages_total",
			Help: "Control messages received by command",
		}, []string{"command"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "communic8_errors_total",
			Help: "Error responses sent by key",
		}, []string{"key"}),
		Chats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "communic8_chats_established_total",
			Help: "Chats accepted by their target",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Connections, m.Users, m.Messages, m.Errors, m.Chats)
	}
	return m
}

func (m *Metrics) message(command string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(command).Inc()
}

// failure counts err under the error key it will be reported with.
func (m *Metrics) failure(err error) {
	if m == nil || err == nil {
		return
	}
	key := protocol.ErrorKey(err)
	if key == "" {
		switch {
		case errors.Is(err, fsm.ErrCanceled):
			return
		case errors.Is(err, fsm.ErrInvalidTransition), errors.Is(err, fsm.ErrInTransition):
			key = protocol.ErrKeyInvalidCommandForState
		default:
			key = "INTERNAL"
		}
	}
	m.Errors.WithLabelValues(key).Inc()
}

func (m *Metrics) setUsers(n int) {
	if m == nil {
		return
	}
	m.Users.Set(float64(n))
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) chatEstablished() {
	if m == nil {
		return
	}
	m.Chats.Inc()
}
