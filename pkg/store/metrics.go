package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cursorSaves = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_cursor_saves_total",
	Help: "The number of cursor positions persisted, per stream",
}, []string{"stream"})

var shareUpserts = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skylark_share_upserts_total",
	Help: "The number of share records upserted into the cache",
})

var followUpserts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_follow_upserts_total",
	Help: "The number of follow edges upserted into the cache, per edge type",
}, []string{"edge"})

var feedFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_feed_fetch_outcomes_total",
	Help: "The number of feed fetch outcomes recorded, per outcome",
}, []string{"outcome"})
