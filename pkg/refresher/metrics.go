package refresher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var refreshCycles = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skylark_refresh_cycles_total",
	Help: "The number of feed refresh cycles completed",
})

var refreshCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "skylark_refresh_cycle_duration_seconds",
	Help:    "The wall time of one feed refresh cycle",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
})

var feedsRefreshed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_feeds_refreshed_total",
	Help: "The number of per-feed refresh attempts, per outcome",
}, []string{"outcome"})

var newItemsInserted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skylark_feed_items_inserted_total",
	Help: "The number of truly new feed items inserted",
})
