package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "walletchat",
			Subsystem: "store",
			Name:      "changes_total",
			Help:      "Message store mutations by kind.",
		},
		[]string{"kind"},
	)

	storeEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "walletchat",
			Subsystem: "store",
			Name:      "entries",
			Help:      "Entries in the most recently mutated message store by state.",
		},
		[]string{"state"},
	)

	reconcileMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "walletchat",
			Subsystem: "reconcile",
			Name:      "misses_total",
			Help:      "Delivery confirmations that matched no pending message.",
		},
	)
)
