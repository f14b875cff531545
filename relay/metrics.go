package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	peersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minichat",
		Subsystem: "relay",
		Name:      "peers",
		Help:      "Connected peers on this node.",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "relay",
		Name:      "frames_total",
		Help:      "Frames accepted from peers.",
	}, []string{"event"})

	framesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "relay",
		Name:      "frames_rejected_total",
		Help:      "Frames dropped before fan-out.",
	}, []string{"reason"})

	framesDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "relay",
		Name:      "frames_delivered_total",
		Help:      "Brokered frames fanned out to local peers, by accepting node.",
	}, []string{"source"})

	slowPeers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "relay",
		Name:      "slow_peers_total",
		Help:      "Peers closed because their outbound buffer was full.",
	})
)
