package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "listentogether",
		Name:      "rooms_active",
		Help:      "Number of rooms currently owned by this relay.",
	})

	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "listentogether",
		Name:      "peers_connected",
		Help:      "Number of open websocket connections.",
	})

	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listentogether",
		Name:      "messages_received_total",
		Help:      "Messages received from clients by type.",
	}, []string{"type"})

	MessageBytes = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "listentogether",
		Name:      "message_bytes",
		Help:      "Size of client frames by type.",
		Buckets:   prometheus.ExponentialBuckets(32, 4, 6),
	}, []string{"type"})

	MutationsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listentogether",
		Name:      "mutations_rejected_total",
		Help:      "Room mutations rejected by the authority by reason.",
	}, []string{"reason"})

	RoomsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "listentogether",
		Name:      "rooms_closed_total",
		Help:      "Rooms dissolved by reason.",
	}, []string{"reason"})
)
