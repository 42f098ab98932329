// Package promsink exports session lifecycle activity as Prometheus metrics.
package promsink

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sendbeam/go-session"
)

// Sink implements session.TransitionSink by counting transitions and
// tracking the current state as a one-hot gauge.
type Sink struct {
	transitions *prometheus.CounterVec
	state       *prometheus.GaugeVec
}

var _ session.TransitionSink = (*Sink)(nil)

// NewSink builds a sink and registers its collectors on the given registry.
func NewSink(reg prometheus.Registerer) *Sink {
	s := &Sink{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "session_transitions_total",
			Help: "Session state transitions by source, target, and reason.",
		}, []string{"from", "to", "reason"}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "session_state",
			Help: "Current session state, one-hot across known states.",
		}, []string{"state"}),
	}

	reg.MustRegister(s.transitions, s.state)

	return s
}

// Record implements session.TransitionSink.
func (s *Sink) Record(_ context.Context, event session.TransitionEvent) error {
	s.transitions.WithLabelValues(
		string(event.From),
		string(event.To),
		event.Reason,
	).Inc()

	for _, known := range session.States() {
		value := 0.0
		if known == event.To {
			value = 1.0
		}
		s.state.WithLabelValues(string(known)).Set(value)
	}

	return nil
}
