package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_ingest_events_processed_total",
	Help: "The number of commit events processed, per collection and outcome",
}, []string{"collection", "outcome"})

var enrichmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_ingest_enrichment_failures_total",
	Help: "The number of best-effort enrichment lookups that failed, per kind",
}, []string{"kind"})

var broadcastFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_ingest_broadcast_failures_total",
	Help: "The number of hub broadcasts that failed, per notification type",
}, []string{"type"})

var cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "skylark_ingest_cycle_duration_seconds",
	Help:    "The wall time of one stream's poll cycle",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
}, []string{"stream"})

var leaseSkips = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skylark_ingest_lease_skips_total",
	Help: "The number of invocations skipped because another instance held the firehose lease",
})
