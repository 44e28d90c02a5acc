package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initTransportMetrics() {
	r.TransportRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_transport_requests_total",
			Help: "Total number of protocol requests",
		},
		[]string{"side", "message_type", "status"}, // side: client, server
	)

	r.TransportRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "graphsync_transport_request_duration_seconds",
			Help:    "Protocol request round trip or handling time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"side", "message_type"},
	)

	r.TransportBytesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "graphsync_transport_bytes_total",
			Help: "Encoded protocol bytes on the wire",
		},
		[]string{"direction"}, // sent, received
	)
}
