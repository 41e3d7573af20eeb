package notifications

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	staleDeltas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mxstate_notifications_stale_deltas_total",
		Help: "Count updates rejected because they would lower a count",
	})

	unreadRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mxstate_notifications_unread_rooms",
		Help: "Rooms and spaces currently carrying a notification count",
	})

	mutedRoomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mxstate_notifications_muted_rooms",
		Help: "Rooms muted by a push rule",
	})
)
