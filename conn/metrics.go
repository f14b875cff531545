package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "client",
		Name:      "events_sent_total",
		Help:      "Events queued for the relay.",
	}, []string{"event"})

	eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "client",
		Name:      "events_dropped_total",
		Help:      "Outbound events dropped before reaching the socket.",
	}, []string{"event", "reason"})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "client",
		Name:      "events_received_total",
		Help:      "Inbound events decoded from the relay.",
	}, []string{"event"})
)
