package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsOpened = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skylark_hub_connections_opened_total",
	Help: "The number of websocket connections registered",
})

var connectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_hub_connections_closed_total",
	Help: "The number of websocket connections removed, per reason",
}, []string{"reason"})

var notificationsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_hub_notifications_delivered_total",
	Help: "The number of notifications delivered to connections, per type",
}, []string{"type"})

var sweepsRun = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skylark_hub_sweeps_total",
	Help: "The number of liveness sweeps run",
})
