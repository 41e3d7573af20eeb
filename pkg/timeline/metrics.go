package timeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	paginationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxstate_timeline_pagination_total",
		Help: "Timeline paginations by direction and result",
	}, []string{"direction", "result"})

	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mxstate_timeline_dropped_events_total",
		Help: "Events left out of a materialized timeline, by reason",
	}, []string{"reason"})

	heldEncrypted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mxstate_timeline_pending_decryptions",
		Help: "Live encrypted events held back until decrypted, over all open timelines",
	})
)
