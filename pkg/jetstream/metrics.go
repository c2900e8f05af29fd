package jetstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_jetstream_frames_received_total",
	Help: "The number of frames received from the upstream log, per kind",
}, []string{"kind"})

var pollCycles = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "skylark_jetstream_poll_cycles_total",
	Help: "The number of poll cycles completed, per termination reason",
}, []string{"reason"})

var handlerErrors = promauto.NewCounter(prometheus.CounterOpts{
	Name: "skylark_jetstream_handler_errors_total",
	Help: "The number of event handler invocations that returned an error",
})
