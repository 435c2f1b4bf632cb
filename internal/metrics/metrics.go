// Package metrics provides Prometheus instrumentation for the dpoll
// multiplexing layer. It exposes gauges for live sockets and dpoll
// instances, counters for pwait traffic and byte throughput, and a
// histogram for pwait latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SocketsActive tracks the current number of open fast-path sockets.
	SocketsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dpoll_sockets_active",
		Help: "Current number of open fast-path sockets",
	})

	// DpollsActive tracks the current number of live dpoll instances.
	DpollsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dpoll_instances_active",
		Help: "Current number of live dpoll instances",
	})

	// PwaitTotal counts pwait calls.
	PwaitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dpoll_pwait_total",
		Help: "Total number of pwait calls",
	})

	// EventsDelivered counts events handed to callers, labeled by source:
	// "fastpath" or "kernel".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dpoll_events_delivered_total",
		Help: "Total number of events delivered to callers",
	}, []string{"source"}) // source = "fastpath", "kernel"

	// BytesTotal counts bytes moved through the socket layer, labeled by
	// direction: "read" or "write".
	BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dpoll_bytes_total",
		Help: "Total bytes moved through read and write",
	}, []string{"direction"}) // direction = "read", "write"

	// PwaitDuration records wall-clock time spent inside pwait in seconds.
	PwaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dpoll_pwait_duration_seconds",
		Help:    "Wall-clock time spent inside pwait",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		SocketsActive,
		DpollsActive,
		PwaitTotal,
		EventsDelivered,
		BytesTotal,
		PwaitDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
