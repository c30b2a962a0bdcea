package network

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletchat",
			Subsystem: "session",
			Name:      "frames_received_total",
			Help:      "Inbound frames by type.",
		},
		[]string{"type"},
	)

	framesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletchat",
			Subsystem: "session",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames that were not applied, by reason.",
		},
		[]string{"reason"},
	)

	sendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletchat",
			Subsystem: "session",
			Name:      "sends_total",
			Help:      "Outbound send attempts by result.",
		},
		[]string{"result"},
	)

	reconnectAttemptsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletchat",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect dials after a dropped transport.",
		},
	)

	sessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "walletchat",
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session state, 0 otherwise.",
		},
		[]string{"state"},
	)
)

func recordState(state State) {
	for _, s := range []State{StateDisconnected, StateConnecting, StateAuthenticating, StateActive} {
		value := 0.0
		if s == state {
			value = 1
		}
		sessionState.WithLabelValues(string(s)).Set(value)
	}
}
